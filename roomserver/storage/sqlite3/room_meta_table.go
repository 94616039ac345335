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
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/tables"
)

const roomMetaSchema = `
CREATE TABLE IF NOT EXISTS playsync_room_meta (
	room_id TEXT NOT NULL PRIMARY KEY,
	reset_epoch BIGINT NOT NULL DEFAULT 0,
	alarm_at BIGINT NOT NULL DEFAULT 0
);`

const upsertResetEpochSQL = `INSERT INTO playsync_room_meta (room_id, reset_epoch)
  VALUES ($1, $2)
  ON CONFLICT (room_id) DO UPDATE SET reset_epoch = $3`

const upsertAlarmSQL = `INSERT INTO playsync_room_meta (room_id, alarm_at)
  VALUES ($1, $2)
  ON CONFLICT (room_id) DO UPDATE SET alarm_at = $3`

const selectRoomMetaSQL = `SELECT reset_epoch, alarm_at FROM playsync_room_meta WHERE room_id = $1`

const selectArmedAlarmsSQL = `SELECT room_id, reset_epoch, alarm_at FROM playsync_room_meta
  WHERE alarm_at > 0 ORDER BY alarm_at`

const deleteRoomMetaSQL = `DELETE FROM playsync_room_meta WHERE room_id = $1`

type roomMetaStatements struct {
	upsertResetEpochStmt  *sql.Stmt
	upsertAlarmStmt       *sql.Stmt
	selectRoomMetaStmt    *sql.Stmt
	selectArmedAlarmsStmt *sql.Stmt
	deleteRoomMetaStmt    *sql.Stmt
}

func NewSqliteRoomMetaTable(db *sql.DB) (tables.RoomMeta, error) {
	_, err := db.Exec(roomMetaSchema)
	if err != nil {
		return nil, err
	}
	s := &roomMetaStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertResetEpochStmt, upsertResetEpochSQL},
		{&s.upsertAlarmStmt, upsertAlarmSQL},
		{&s.selectRoomMetaStmt, selectRoomMetaSQL},
		{&s.selectArmedAlarmsStmt, selectArmedAlarmsSQL},
		{&s.deleteRoomMetaStmt, deleteRoomMetaSQL},
	}.Prepare(db)
}

func (s *roomMetaStatements) UpsertResetEpoch(
	ctx context.Context, txn *sql.Tx, roomID string, epoch int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertResetEpochStmt).ExecContext(ctx, roomID, epoch, epoch)
	return err
}

func (s *roomMetaStatements) UpsertAlarm(
	ctx context.Context, txn *sql.Tx, roomID string, alarmAtMS int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertAlarmStmt).ExecContext(ctx, roomID, alarmAtMS, alarmAtMS)
	return err
}

func (s *roomMetaStatements) SelectRoomMeta(
	ctx context.Context, txn *sql.Tx, roomID string,
) (api.RoomMeta, bool, error) {
	meta := api.RoomMeta{RoomID: roomID}
	err := sqlutil.TxStmt(txn, s.selectRoomMetaStmt).QueryRowContext(ctx, roomID).Scan(&meta.ResetEpoch, &meta.AlarmAt)
	if err == sql.ErrNoRows {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

func (s *roomMetaStatements) SelectArmedAlarms(
	ctx context.Context, txn *sql.Tx,
) ([]api.RoomMeta, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectArmedAlarmsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectArmedAlarms: rows.close() failed")

	var metas []api.RoomMeta
	for rows.Next() {
		var meta api.RoomMeta
		if err = rows.Scan(&meta.RoomID, &meta.ResetEpoch, &meta.AlarmAt); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *roomMetaStatements) DeleteRoomMeta(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomMetaStmt).ExecContext(ctx, roomID)
	return err
}
