// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

// Documents stores one serialized CRDT snapshot per room. The document column
// is base64 text; rows written by earlier generations of the worker may hold
// raw JSON instead, which the shared layer detects on read.
type Documents interface {
	UpsertDocument(ctx context.Context, txn *sql.Tx, roomID, document string, createdAtMS int64) error
	SelectDocument(ctx context.Context, txn *sql.Tx, roomID string) (document string, createdAtMS int64, found bool, err error)
	DeleteDocument(ctx context.Context, txn *sql.Tx, roomID string) (int64, error)
	SelectDocumentNames(ctx context.Context, txn *sql.Tx) ([]string, error)
}

// RoomRedirects maps legacy room names to their canonical rooms. Rows are
// written when an admin renames a room and deleted when the target is purged;
// every lookup path reads them through the resolver.
type RoomRedirects interface {
	UpsertRedirect(ctx context.Context, txn *sql.Tx, redirect api.RoomRedirect) error
	SelectRedirect(ctx context.Context, txn *sql.Tx, oldName string) (newName string, found bool, err error)
	SelectRedirectsTo(ctx context.Context, txn *sql.Tx, newName string) ([]api.RoomRedirect, error)
	DeleteRedirectsTo(ctx context.Context, txn *sql.Tx, newName string) (int64, error)
}

// Subscribers stores, per source room, the consumer rooms subscribed to it.
type Subscribers interface {
	UpsertSubscriber(ctx context.Context, txn *sql.Tx, roomID string, sub api.Subscriber) error
	SelectSubscribers(ctx context.Context, txn *sql.Tx, roomID string) ([]api.Subscriber, error)
	DeleteSubscriber(ctx context.Context, txn *sql.Tx, roomID, consumerRoomID string) (int64, error)
	// DeleteExpiredSubscribers removes rows whose lease, measured from their
	// last_seen, had already run out at nowMS.
	DeleteExpiredSubscribers(ctx context.Context, txn *sql.Tx, roomID string, nowMS int64) (int64, error)
	DeleteAllSubscribers(ctx context.Context, txn *sql.Tx, roomID string) error
}

// SharedRefs stores, per consumer room, the source rooms it mirrors from.
type SharedRefs interface {
	UpsertSharedRef(ctx context.Context, txn *sql.Tx, roomID string, ref api.SharedRef) error
	SelectSharedRefs(ctx context.Context, txn *sql.Tx, roomID string) ([]api.SharedRef, error)
	DeleteSharedRef(ctx context.Context, txn *sql.Tx, roomID, sourceRoomID string) (int64, error)
	DeleteExpiredSharedRefs(ctx context.Context, txn *sql.Tx, roomID string, nowMS, leaseMS int64) (int64, error)
	DeleteAllSharedRefs(ctx context.Context, txn *sql.Tx, roomID string) error
}

// Permissions stores a source room's per-element sharing levels.
type Permissions interface {
	UpsertPermission(ctx context.Context, txn *sql.Tx, roomID, elementID string, permission api.Permission) error
	SelectPermissions(ctx context.Context, txn *sql.Tx, roomID string) (map[string]api.Permission, error)
	DeleteAllPermissions(ctx context.Context, txn *sql.Tx, roomID string) error
}

// RoomMeta stores the authoritative reset epoch and the armed prune alarm.
type RoomMeta interface {
	UpsertResetEpoch(ctx context.Context, txn *sql.Tx, roomID string, epoch int64) error
	UpsertAlarm(ctx context.Context, txn *sql.Tx, roomID string, alarmAtMS int64) error
	SelectRoomMeta(ctx context.Context, txn *sql.Tx, roomID string) (api.RoomMeta, bool, error)
	// SelectArmedAlarms returns the meta rows with a non-zero alarm so a
	// restarted coordinator can re-arm its timers.
	SelectArmedAlarms(ctx context.Context, txn *sql.Tx) ([]api.RoomMeta, error)
	DeleteRoomMeta(ctx context.Context, txn *sql.Tx, roomID string) error
}
