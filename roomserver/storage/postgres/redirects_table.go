// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/tables"
)

const redirectsSchema = `
CREATE TABLE IF NOT EXISTS playsync_room_redirects (
	old_name TEXT NOT NULL PRIMARY KEY,
	new_name TEXT NOT NULL REFERENCES playsync_documents(name) ON DELETE CASCADE,
	created_at BIGINT NOT NULL,
	migrated BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS playsync_room_redirects_new_name_idx ON playsync_room_redirects(new_name);
CREATE INDEX IF NOT EXISTS playsync_room_redirects_created_at_idx ON playsync_room_redirects(created_at);
`

const upsertRedirectSQL = "" +
	"INSERT INTO playsync_room_redirects (old_name, new_name, created_at, migrated)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (old_name) DO UPDATE SET new_name = EXCLUDED.new_name, migrated = EXCLUDED.migrated"

const selectRedirectSQL = "" +
	"SELECT new_name FROM playsync_room_redirects WHERE old_name = $1"

const selectRedirectsToSQL = "" +
	"SELECT old_name, new_name, created_at, migrated FROM playsync_room_redirects" +
	" WHERE new_name = $1 ORDER BY created_at"

const deleteRedirectsToSQL = "" +
	"DELETE FROM playsync_room_redirects WHERE new_name = $1"

type redirectsStatements struct {
	upsertRedirectStmt    *sql.Stmt
	selectRedirectStmt    *sql.Stmt
	selectRedirectsToStmt *sql.Stmt
	deleteRedirectsToStmt *sql.Stmt
}

func NewPostgresRedirectsTable(db *sql.DB) (tables.RoomRedirects, error) {
	_, err := db.Exec(redirectsSchema)
	if err != nil {
		return nil, err
	}
	s := &redirectsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertRedirectStmt, upsertRedirectSQL},
		{&s.selectRedirectStmt, selectRedirectSQL},
		{&s.selectRedirectsToStmt, selectRedirectsToSQL},
		{&s.deleteRedirectsToStmt, deleteRedirectsToSQL},
	}.Prepare(db)
}

func (s *redirectsStatements) UpsertRedirect(
	ctx context.Context, txn *sql.Tx, redirect api.RoomRedirect,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertRedirectStmt).ExecContext(
		ctx, redirect.OldName, redirect.NewName, redirect.CreatedAt, redirect.Migrated,
	)
	return err
}

func (s *redirectsStatements) SelectRedirect(
	ctx context.Context, txn *sql.Tx, oldName string,
) (newName string, found bool, err error) {
	err = sqlutil.TxStmt(txn, s.selectRedirectStmt).QueryRowContext(ctx, oldName).Scan(&newName)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return newName, true, nil
}

func (s *redirectsStatements) SelectRedirectsTo(
	ctx context.Context, txn *sql.Tx, newName string,
) ([]api.RoomRedirect, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRedirectsToStmt).QueryContext(ctx, newName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRedirectsTo: rows.close() failed")

	var redirects []api.RoomRedirect
	for rows.Next() {
		var r api.RoomRedirect
		if err = rows.Scan(&r.OldName, &r.NewName, &r.CreatedAt, &r.Migrated); err != nil {
			return nil, err
		}
		redirects = append(redirects, r)
	}
	return redirects, rows.Err()
}

func (s *redirectsStatements) DeleteRedirectsTo(
	ctx context.Context, txn *sql.Tx, newName string,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteRedirectsToStmt).ExecContext(ctx, newName)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
