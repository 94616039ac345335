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

const permissionsSchema = `
CREATE TABLE IF NOT EXISTS playsync_shared_permissions (
	room_id TEXT NOT NULL,
	element_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	PRIMARY KEY (room_id, element_id)
);
`

const upsertPermissionSQL = "" +
	"INSERT INTO playsync_shared_permissions (room_id, element_id, permission)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, element_id) DO UPDATE SET permission = EXCLUDED.permission"

const selectPermissionsSQL = "" +
	"SELECT element_id, permission FROM playsync_shared_permissions WHERE room_id = $1"

const deleteAllPermissionsSQL = "" +
	"DELETE FROM playsync_shared_permissions WHERE room_id = $1"

type permissionsStatements struct {
	upsertPermissionStmt     *sql.Stmt
	selectPermissionsStmt    *sql.Stmt
	deleteAllPermissionsStmt *sql.Stmt
}

func NewPostgresPermissionsTable(db *sql.DB) (tables.Permissions, error) {
	_, err := db.Exec(permissionsSchema)
	if err != nil {
		return nil, err
	}
	s := &permissionsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertPermissionStmt, upsertPermissionSQL},
		{&s.selectPermissionsStmt, selectPermissionsSQL},
		{&s.deleteAllPermissionsStmt, deleteAllPermissionsSQL},
	}.Prepare(db)
}

func (s *permissionsStatements) UpsertPermission(
	ctx context.Context, txn *sql.Tx, roomID, elementID string, permission api.Permission,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertPermissionStmt).ExecContext(ctx, roomID, elementID, string(permission))
	return err
}

func (s *permissionsStatements) SelectPermissions(
	ctx context.Context, txn *sql.Tx, roomID string,
) (map[string]api.Permission, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectPermissionsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectPermissions: rows.close() failed")

	permissions := map[string]api.Permission{}
	for rows.Next() {
		var elementID, permission string
		if err = rows.Scan(&elementID, &permission); err != nil {
			return nil, err
		}
		permissions[elementID] = api.Permission(permission)
	}
	return permissions, rows.Err()
}

func (s *permissionsStatements) DeleteAllPermissions(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllPermissionsStmt).ExecContext(ctx, roomID)
	return err
}
