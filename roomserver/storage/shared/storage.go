// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/base64"
	"time"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/tables"
)

// Database is the storage layer shared between the SQLite and Postgres
// backends. Snapshot blobs and stored reset epochs are fronted by the
// ristretto cache.
type Database struct {
	DB     *sql.DB
	Cache  *caching.Caches
	Writer sqlutil.Writer

	DocumentsTable   tables.Documents
	RedirectsTable   tables.RoomRedirects
	SubscribersTable tables.Subscribers
	SharedRefsTable  tables.SharedRefs
	PermissionsTable tables.Permissions
	MetaTable        tables.RoomMeta
}

// DecodeStoredDocument maps a stored document column to snapshot bytes. The
// column normally holds base64, but rows written by earlier generations of
// the worker hold raw JSON, which never parses as base64.
func DecodeStoredDocument(document string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(document); err == nil {
		return decoded
	}
	return []byte(document)
}

// EncodeStoredDocument is the inverse of DecodeStoredDocument for freshly
// written rows.
func EncodeStoredDocument(snapshot []byte) string {
	return base64.StdEncoding.EncodeToString(snapshot)
}

// UpsertDocument stores a room's snapshot and refreshes the snapshot cache.
// Persisting is last-writer-wins; racing generations are resolved by the
// reset epoch guard above this layer, not here.
func (d *Database) UpsertDocument(ctx context.Context, roomID string, snapshot []byte) error {
	encoded := EncodeStoredDocument(snapshot)
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.DocumentsTable.UpsertDocument(ctx, txn, roomID, encoded, time.Now().UnixMilli())
	})
	if err != nil {
		return err
	}
	d.Cache.StoreRoomSnapshot(roomID, snapshot)
	return nil
}

// SelectDocument loads a room's snapshot, preferring the cache.
func (d *Database) SelectDocument(ctx context.Context, roomID string) ([]byte, bool, error) {
	if snapshot, ok := d.Cache.GetRoomSnapshot(roomID); ok {
		return snapshot, true, nil
	}
	document, _, found, err := d.DocumentsTable.SelectDocument(ctx, nil, roomID)
	if err != nil || !found {
		return nil, false, err
	}
	snapshot := DecodeStoredDocument(document)
	d.Cache.StoreRoomSnapshot(roomID, snapshot)
	return snapshot, true, nil
}

// SelectRawDocument returns the document column verbatim, bypassing the
// cache. The admin raw-data endpoint serves exactly what is stored.
func (d *Database) SelectRawDocument(ctx context.Context, roomID string) (document string, createdAtMS int64, found bool, err error) {
	return d.DocumentsTable.SelectDocument(ctx, nil, roomID)
}

// ReplaceDocument atomically stores a new snapshot together with the reset
// epoch stamping it. The admin reset and restore paths rely on both writes
// landing or neither.
func (d *Database) ReplaceDocument(ctx context.Context, roomID string, snapshot []byte, epoch int64) error {
	encoded := EncodeStoredDocument(snapshot)
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.DocumentsTable.UpsertDocument(ctx, txn, roomID, encoded, time.Now().UnixMilli()); err != nil {
			return err
		}
		return d.MetaTable.UpsertResetEpoch(ctx, txn, roomID, epoch)
	})
	if err != nil {
		return err
	}
	d.Cache.StoreRoomSnapshot(roomID, snapshot)
	d.Cache.StoreRoomEpoch(roomID, epoch)
	return nil
}

// PurgeRoom removes everything stored under a room in one transaction. The
// redirects pointing at it go first: SQLite connections don't enforce the
// declared cascade, so it is applied here for both backends.
func (d *Database) PurgeRoom(ctx context.Context, roomID string) (documentDeleted bool, redirectsDeleted int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		redirects, err := d.RedirectsTable.DeleteRedirectsTo(ctx, txn, roomID)
		if err != nil {
			return err
		}
		documents, err := d.DocumentsTable.DeleteDocument(ctx, txn, roomID)
		if err != nil {
			return err
		}
		redirectsDeleted = redirects
		documentDeleted = documents > 0
		if err := d.SubscribersTable.DeleteAllSubscribers(ctx, txn, roomID); err != nil {
			return err
		}
		if err := d.SharedRefsTable.DeleteAllSharedRefs(ctx, txn, roomID); err != nil {
			return err
		}
		if err := d.PermissionsTable.DeleteAllPermissions(ctx, txn, roomID); err != nil {
			return err
		}
		return d.MetaTable.DeleteRoomMeta(ctx, txn, roomID)
	})
	if err != nil {
		return false, 0, err
	}
	d.Cache.EvictRoomSnapshot(roomID)
	d.Cache.EvictRoomEpoch(roomID)
	return documentDeleted, redirectsDeleted, nil
}

func (d *Database) SelectDocumentNames(ctx context.Context) ([]string, error) {
	return d.DocumentsTable.SelectDocumentNames(ctx, nil)
}

// GetRoomRedirect returns the canonical room a legacy name redirects to, or
// "" when no redirect exists.
func (d *Database) GetRoomRedirect(ctx context.Context, oldName string) (string, error) {
	newName, found, err := d.RedirectsTable.SelectRedirect(ctx, nil, oldName)
	if err != nil || !found {
		return "", err
	}
	return newName, nil
}

func (d *Database) UpsertRoomRedirect(ctx context.Context, redirect api.RoomRedirect) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RedirectsTable.UpsertRedirect(ctx, txn, redirect)
	})
}

func (d *Database) SelectRedirectsTo(ctx context.Context, newName string) ([]api.RoomRedirect, error) {
	return d.RedirectsTable.SelectRedirectsTo(ctx, nil, newName)
}

func (d *Database) UpsertSubscriber(ctx context.Context, roomID string, sub api.Subscriber) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SubscribersTable.UpsertSubscriber(ctx, txn, roomID, sub)
	})
}

func (d *Database) SelectSubscribers(ctx context.Context, roomID string) ([]api.Subscriber, error) {
	return d.SubscribersTable.SelectSubscribers(ctx, nil, roomID)
}

func (d *Database) RemoveSubscriber(ctx context.Context, roomID, consumerRoomID string) (int64, error) {
	var removed int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		removed, err = d.SubscribersTable.DeleteSubscriber(ctx, txn, roomID, consumerRoomID)
		return err
	})
	return removed, err
}

// PruneSubscribers drops the subscribers whose per-row lease had expired at
// nowMS and returns how many went.
func (d *Database) PruneSubscribers(ctx context.Context, roomID string, nowMS int64) (int64, error) {
	var removed int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		removed, err = d.SubscribersTable.DeleteExpiredSubscribers(ctx, txn, roomID, nowMS)
		return err
	})
	return removed, err
}

func (d *Database) UpsertSharedRef(ctx context.Context, roomID string, ref api.SharedRef) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SharedRefsTable.UpsertSharedRef(ctx, txn, roomID, ref)
	})
}

func (d *Database) SelectSharedRefs(ctx context.Context, roomID string) ([]api.SharedRef, error) {
	return d.SharedRefsTable.SelectSharedRefs(ctx, nil, roomID)
}

func (d *Database) RemoveSharedRef(ctx context.Context, roomID, sourceRoomID string) (int64, error) {
	var removed int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		removed, err = d.SharedRefsTable.DeleteSharedRef(ctx, txn, roomID, sourceRoomID)
		return err
	})
	return removed, err
}

// PruneSharedRefs drops shared refs last seen before nowMS-leaseMS. Refs
// carry no per-row lease; the room's default applies.
func (d *Database) PruneSharedRefs(ctx context.Context, roomID string, nowMS, leaseMS int64) (int64, error) {
	var removed int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		removed, err = d.SharedRefsTable.DeleteExpiredSharedRefs(ctx, txn, roomID, nowMS, leaseMS)
		return err
	})
	return removed, err
}

// ReplacePermissions swaps the room's whole permission map in one
// transaction.
func (d *Database) ReplacePermissions(ctx context.Context, roomID string, permissions map[string]api.Permission) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.PermissionsTable.DeleteAllPermissions(ctx, txn, roomID); err != nil {
			return err
		}
		for elementID, permission := range permissions {
			if err := d.PermissionsTable.UpsertPermission(ctx, txn, roomID, elementID, permission); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) UpsertPermission(ctx context.Context, roomID, elementID string, permission api.Permission) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.PermissionsTable.UpsertPermission(ctx, txn, roomID, elementID, permission)
	})
}

func (d *Database) SelectPermissions(ctx context.Context, roomID string) (map[string]api.Permission, error) {
	return d.PermissionsTable.SelectPermissions(ctx, nil, roomID)
}

func (d *Database) SelectRoomMeta(ctx context.Context, roomID string) (api.RoomMeta, bool, error) {
	return d.MetaTable.SelectRoomMeta(ctx, nil, roomID)
}

// SetResetEpoch stamps the authoritative stored epoch for a room.
func (d *Database) SetResetEpoch(ctx context.Context, roomID string, epoch int64) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.MetaTable.UpsertResetEpoch(ctx, txn, roomID, epoch)
	})
	if err != nil {
		return err
	}
	d.Cache.StoreRoomEpoch(roomID, epoch)
	return nil
}

// GetStoredResetEpoch is the read the autosave guard performs every tick, so
// it is answered from the cache whenever possible.
func (d *Database) GetStoredResetEpoch(ctx context.Context, roomID string) (int64, bool, error) {
	if epoch, ok := d.Cache.GetRoomEpoch(roomID); ok {
		return epoch, true, nil
	}
	meta, found, err := d.MetaTable.SelectRoomMeta(ctx, nil, roomID)
	if err != nil || !found {
		return 0, false, err
	}
	d.Cache.StoreRoomEpoch(roomID, meta.ResetEpoch)
	return meta.ResetEpoch, true, nil
}

// SetAlarm persists the armed prune alarm so a restarted coordinator can
// re-arm it. alarmAtMS of 0 disarms.
func (d *Database) SetAlarm(ctx context.Context, roomID string, alarmAtMS int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.MetaTable.UpsertAlarm(ctx, txn, roomID, alarmAtMS)
	})
}

func (d *Database) SelectArmedAlarms(ctx context.Context) ([]api.RoomMeta, error) {
	return d.MetaTable.SelectArmedAlarms(ctx, nil)
}
