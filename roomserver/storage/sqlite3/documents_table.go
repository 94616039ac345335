// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/tables"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS playsync_documents (
	name TEXT NOT NULL PRIMARY KEY,
	document TEXT NOT NULL,
	created_at BIGINT NOT NULL
);`

const upsertDocumentSQL = `INSERT INTO playsync_documents (name, document, created_at)
  VALUES ($1, $2, $3)
  ON CONFLICT (name) DO UPDATE SET document = $4`

const selectDocumentSQL = `SELECT document, created_at FROM playsync_documents WHERE name = $1`

const deleteDocumentSQL = `DELETE FROM playsync_documents WHERE name = $1`

const selectDocumentNamesSQL = `SELECT name FROM playsync_documents ORDER BY name`

type documentsStatements struct {
	upsertDocumentStmt      *sql.Stmt
	selectDocumentStmt      *sql.Stmt
	deleteDocumentStmt      *sql.Stmt
	selectDocumentNamesStmt *sql.Stmt
}

func NewSqliteDocumentsTable(db *sql.DB) (tables.Documents, error) {
	_, err := db.Exec(documentsSchema)
	if err != nil {
		return nil, err
	}
	s := &documentsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertDocumentStmt, upsertDocumentSQL},
		{&s.selectDocumentStmt, selectDocumentSQL},
		{&s.deleteDocumentStmt, deleteDocumentSQL},
		{&s.selectDocumentNamesStmt, selectDocumentNamesSQL},
	}.Prepare(db)
}

func (s *documentsStatements) UpsertDocument(
	ctx context.Context, txn *sql.Tx, roomID, document string, createdAtMS int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertDocumentStmt).ExecContext(ctx, roomID, document, createdAtMS, document)
	return err
}

func (s *documentsStatements) SelectDocument(
	ctx context.Context, txn *sql.Tx, roomID string,
) (document string, createdAtMS int64, found bool, err error) {
	err = sqlutil.TxStmt(txn, s.selectDocumentStmt).QueryRowContext(ctx, roomID).Scan(&document, &createdAtMS)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return document, createdAtMS, true, nil
}

func (s *documentsStatements) DeleteDocument(
	ctx context.Context, txn *sql.Tx, roomID string,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteDocumentStmt).ExecContext(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *documentsStatements) SelectDocumentNames(
	ctx context.Context, txn *sql.Tx,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectDocumentNamesStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDocumentNames: rows.close() failed")

	var names []string
	var name string
	for rows.Next() {
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
