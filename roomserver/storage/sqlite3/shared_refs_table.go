// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/tables"
)

const sharedRefsSchema = `
CREATE TABLE IF NOT EXISTS playsync_shared_refs (
	room_id TEXT NOT NULL,
	source_room_id TEXT NOT NULL,
	element_ids TEXT NOT NULL,
	last_seen BIGINT NOT NULL,
	PRIMARY KEY (room_id, source_room_id)
);`

const upsertSharedRefSQL = `INSERT INTO playsync_shared_refs (room_id, source_room_id, element_ids, last_seen)
  VALUES ($1, $2, $3, $4)
  ON CONFLICT (room_id, source_room_id) DO UPDATE SET element_ids = $5, last_seen = $6`

const selectSharedRefsSQL = `SELECT source_room_id, element_ids, last_seen
  FROM playsync_shared_refs WHERE room_id = $1 ORDER BY source_room_id`

const deleteSharedRefSQL = `DELETE FROM playsync_shared_refs WHERE room_id = $1 AND source_room_id = $2`

const deleteExpiredSharedRefsSQL = `DELETE FROM playsync_shared_refs WHERE room_id = $1 AND last_seen < $2`

const deleteAllSharedRefsSQL = `DELETE FROM playsync_shared_refs WHERE room_id = $1`

type sharedRefsStatements struct {
	upsertSharedRefStmt        *sql.Stmt
	selectSharedRefsStmt       *sql.Stmt
	deleteSharedRefStmt        *sql.Stmt
	deleteExpiredSharedRefStmt *sql.Stmt
	deleteAllSharedRefsStmt    *sql.Stmt
}

func NewSqliteSharedRefsTable(db *sql.DB) (tables.SharedRefs, error) {
	_, err := db.Exec(sharedRefsSchema)
	if err != nil {
		return nil, err
	}
	s := &sharedRefsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertSharedRefStmt, upsertSharedRefSQL},
		{&s.selectSharedRefsStmt, selectSharedRefsSQL},
		{&s.deleteSharedRefStmt, deleteSharedRefSQL},
		{&s.deleteExpiredSharedRefStmt, deleteExpiredSharedRefsSQL},
		{&s.deleteAllSharedRefsStmt, deleteAllSharedRefsSQL},
	}.Prepare(db)
}

func (s *sharedRefsStatements) UpsertSharedRef(
	ctx context.Context, txn *sql.Tx, roomID string, ref api.SharedRef,
) error {
	elementIDs, err := json.Marshal(ref.ElementIDs)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertSharedRefStmt).ExecContext(
		ctx, roomID, ref.SourceRoomID, string(elementIDs), ref.LastSeen,
		string(elementIDs), ref.LastSeen,
	)
	return err
}

func (s *sharedRefsStatements) SelectSharedRefs(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]api.SharedRef, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSharedRefsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSharedRefs: rows.close() failed")

	var refs []api.SharedRef
	for rows.Next() {
		var ref api.SharedRef
		var elementIDs string
		if err = rows.Scan(&ref.SourceRoomID, &elementIDs, &ref.LastSeen); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(elementIDs), &ref.ElementIDs); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *sharedRefsStatements) DeleteSharedRef(
	ctx context.Context, txn *sql.Tx, roomID, sourceRoomID string,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteSharedRefStmt).ExecContext(ctx, roomID, sourceRoomID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sharedRefsStatements) DeleteExpiredSharedRefs(
	ctx context.Context, txn *sql.Tx, roomID string, nowMS, leaseMS int64,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteExpiredSharedRefStmt).ExecContext(ctx, roomID, nowMS-leaseMS)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sharedRefsStatements) DeleteAllSharedRefs(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllSharedRefsStmt).ExecContext(ctx, roomID)
	return err
}
