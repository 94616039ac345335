// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

type Database interface {
	DocumentStore
	RedirectStore
	BridgeStateStore
	RoomMetaStore

	// PurgeRoom deletes everything stored under a room in one transaction:
	// the document, the redirects pointing at it, the bridge registrations,
	// the permissions and the meta row. documentDeleted is false when the
	// room had no stored document; redirect rows may still have gone.
	PurgeRoom(ctx context.Context, roomID string) (documentDeleted bool, redirectsDeleted int64, err error)
}

// DocumentStore holds the durable CRDT snapshot for each room.
type DocumentStore interface {
	// UpsertDocument stores a snapshot, replacing any previous one for
	// the room. The snapshot is base64-encoded at rest.
	UpsertDocument(ctx context.Context, roomID string, snapshot []byte) error
	// SelectDocument returns the decoded snapshot, or found=false if the
	// room has never been saved.
	SelectDocument(ctx context.Context, roomID string) (snapshot []byte, found bool, err error)
	// SelectRawDocument returns the stored column verbatim, without
	// decoding, for diagnostic use.
	SelectRawDocument(ctx context.Context, roomID string) (document string, createdAtMS int64, found bool, err error)
	// ReplaceDocument atomically swaps the snapshot and the reset epoch
	// in a single transaction.
	ReplaceDocument(ctx context.Context, roomID string, snapshot []byte, resetEpoch int64) error
	SelectDocumentNames(ctx context.Context) ([]string, error)
}

// RedirectStore maps legacy room names to their canonical replacement.
type RedirectStore interface {
	// GetRoomRedirect returns the redirect target for oldName, or ""
	// when no redirect exists.
	GetRoomRedirect(ctx context.Context, oldName string) (string, error)
	UpsertRoomRedirect(ctx context.Context, redirect api.RoomRedirect) error
	SelectRedirectsTo(ctx context.Context, newName string) ([]api.RoomRedirect, error)
}

// BridgeStateStore persists the cross-room coordination state: which
// rooms consume from this one, which rooms this one consumes from, and
// which elements may be written back.
type BridgeStateStore interface {
	UpsertSubscriber(ctx context.Context, roomID string, sub api.Subscriber) error
	SelectSubscribers(ctx context.Context, roomID string) ([]api.Subscriber, error)
	RemoveSubscriber(ctx context.Context, roomID, consumerRoomID string) (int64, error)
	PruneSubscribers(ctx context.Context, roomID string, nowMS int64) (int64, error)

	UpsertSharedRef(ctx context.Context, roomID string, ref api.SharedRef) error
	SelectSharedRefs(ctx context.Context, roomID string) ([]api.SharedRef, error)
	RemoveSharedRef(ctx context.Context, roomID, sourceRoomID string) (int64, error)
	PruneSharedRefs(ctx context.Context, roomID string, nowMS, leaseMS int64) (int64, error)

	// ReplacePermissions swaps the full permission map in one
	// transaction.
	ReplacePermissions(ctx context.Context, roomID string, permissions map[string]api.Permission) error
	UpsertPermission(ctx context.Context, roomID, elementID string, permission api.Permission) error
	SelectPermissions(ctx context.Context, roomID string) (map[string]api.Permission, error)
}

// RoomMetaStore tracks the reset epoch and the armed prune alarm for
// each room.
type RoomMetaStore interface {
	SelectRoomMeta(ctx context.Context, roomID string) (api.RoomMeta, bool, error)
	SetResetEpoch(ctx context.Context, roomID string, resetEpoch int64) error
	// GetStoredResetEpoch is cache-first and safe to call on every
	// autosave tick. found is false when the room has no stored meta.
	GetStoredResetEpoch(ctx context.Context, roomID string) (epoch int64, found bool, err error)
	// SetAlarm arms the prune alarm at the given wall-clock ms, or
	// disarms it when alarmAt is 0.
	SetAlarm(ctx context.Context, roomID string, alarmAt int64) error
	SelectArmedAlarms(ctx context.Context) ([]api.RoomMeta, error)
}
