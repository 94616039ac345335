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

const subscribersSchema = `
CREATE TABLE IF NOT EXISTS playsync_subscribers (
	room_id TEXT NOT NULL,
	consumer_room_id TEXT NOT NULL,
	element_ids TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	last_seen BIGINT NOT NULL,
	lease_ms BIGINT NOT NULL,
	PRIMARY KEY (room_id, consumer_room_id)
);

CREATE INDEX IF NOT EXISTS playsync_subscribers_last_seen_idx ON playsync_subscribers(room_id, last_seen);
`

// A renewed subscription keeps its original created_at.
const upsertSubscriberSQL = `INSERT INTO playsync_subscribers (room_id, consumer_room_id, element_ids, created_at, last_seen, lease_ms)
  VALUES ($1, $2, $3, $4, $5, $6)
  ON CONFLICT (room_id, consumer_room_id) DO UPDATE SET element_ids = $7, last_seen = $8, lease_ms = $9`

const selectSubscribersSQL = `SELECT consumer_room_id, element_ids, created_at, last_seen, lease_ms
  FROM playsync_subscribers WHERE room_id = $1 ORDER BY created_at`

const deleteSubscriberSQL = `DELETE FROM playsync_subscribers WHERE room_id = $1 AND consumer_room_id = $2`

const deleteExpiredSubscribersSQL = `DELETE FROM playsync_subscribers WHERE room_id = $1 AND (last_seen + lease_ms) < $2`

const deleteAllSubscribersSQL = `DELETE FROM playsync_subscribers WHERE room_id = $1`

type subscribersStatements struct {
	upsertSubscriberStmt         *sql.Stmt
	selectSubscribersStmt        *sql.Stmt
	deleteSubscriberStmt         *sql.Stmt
	deleteExpiredSubscribersStmt *sql.Stmt
	deleteAllSubscribersStmt     *sql.Stmt
}

func NewSqliteSubscribersTable(db *sql.DB) (tables.Subscribers, error) {
	_, err := db.Exec(subscribersSchema)
	if err != nil {
		return nil, err
	}
	s := &subscribersStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertSubscriberStmt, upsertSubscriberSQL},
		{&s.selectSubscribersStmt, selectSubscribersSQL},
		{&s.deleteSubscriberStmt, deleteSubscriberSQL},
		{&s.deleteExpiredSubscribersStmt, deleteExpiredSubscribersSQL},
		{&s.deleteAllSubscribersStmt, deleteAllSubscribersSQL},
	}.Prepare(db)
}

func (s *subscribersStatements) UpsertSubscriber(
	ctx context.Context, txn *sql.Tx, roomID string, sub api.Subscriber,
) error {
	elementIDs, err := json.Marshal(sub.ElementIDs)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertSubscriberStmt).ExecContext(
		ctx, roomID, sub.ConsumerRoomID, string(elementIDs), sub.CreatedAt, sub.LastSeen, sub.LeaseMS,
		string(elementIDs), sub.LastSeen, sub.LeaseMS,
	)
	return err
}

func (s *subscribersStatements) SelectSubscribers(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]api.Subscriber, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSubscribersStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSubscribers: rows.close() failed")

	var subscribers []api.Subscriber
	for rows.Next() {
		var sub api.Subscriber
		var elementIDs string
		if err = rows.Scan(&sub.ConsumerRoomID, &elementIDs, &sub.CreatedAt, &sub.LastSeen, &sub.LeaseMS); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(elementIDs), &sub.ElementIDs); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, sub)
	}
	return subscribers, rows.Err()
}

func (s *subscribersStatements) DeleteSubscriber(
	ctx context.Context, txn *sql.Tx, roomID, consumerRoomID string,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteSubscriberStmt).ExecContext(ctx, roomID, consumerRoomID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *subscribersStatements) DeleteExpiredSubscribers(
	ctx context.Context, txn *sql.Tx, roomID string, nowMS int64,
) (int64, error) {
	result, err := sqlutil.TxStmt(txn, s.deleteExpiredSubscribersStmt).ExecContext(ctx, roomID, nowMS)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *subscribersStatements) DeleteAllSubscribers(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteAllSubscribersStmt).ExecContext(ctx, roomID)
	return err
}
