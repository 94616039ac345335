// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the surface the transports (sync websocket, bridge RPC,
// admin HTTP) use to drive room actors, and the types shared across that
// boundary.
package api

import (
	"context"

	"github.com/spencerc99/playhtml-sub002/crdt"
)

// Permission is the sharing level a source room grants on one element.
type Permission string

const (
	PermissionReadOnly  Permission = "read-only"
	PermissionReadWrite Permission = "read-write"
)

// Valid reports whether p is one of the two levels the bridge understands.
func (p Permission) Valid() bool {
	return p == PermissionReadOnly || p == PermissionReadWrite
}

// OriginKind identifies the role of the room that sent an
// apply-subtrees-immediate RPC, from the sender's own point of view.
type OriginKind string

const (
	OriginKindSource   OriginKind = "source"
	OriginKindConsumer OriginKind = "consumer"
)

// Subscriber is one consumer room's registered interest in a source room's
// elements. Stored on the source room and renewed by subscribe RPCs.
type Subscriber struct {
	ConsumerRoomID string   `json:"consumerRoomId"`
	ElementIDs     []string `json:"elementIds"`
	CreatedAt      int64    `json:"createdAt"`
	LastSeen       int64    `json:"lastSeen"`
	LeaseMS        int64    `json:"leaseMs"`
}

// SharedRef is a consumer room's outgoing interest in a source room's
// elements. Stored on the consumer room.
type SharedRef struct {
	SourceRoomID string   `json:"sourceRoomId"`
	ElementIDs   []string `json:"elementIds"`
	LastSeen     int64    `json:"lastSeen"`
}

// RoomMeta is the per-room durable bookkeeping kept outside the snapshot
// blob: the authoritative reset epoch and the armed prune alarm.
type RoomMeta struct {
	RoomID     string `json:"roomId"`
	ResetEpoch int64  `json:"resetEpoch"`
	// AlarmAt is the next armed prune alarm in unix milliseconds, 0 when
	// none is armed.
	AlarmAt int64 `json:"alarmAt"`
}

// RoomRedirect maps a legacy room name to its canonical room. Rows are
// written through the admin control plane when a room is renamed, followed
// transparently on lookup, and deleted together with the canonical room's
// document when it is purged.
type RoomRedirect struct {
	OldName   string `json:"oldName"`
	NewName   string `json:"newName"`
	CreatedAt int64  `json:"createdAt"`
	Migrated  bool   `json:"migrated"`
}

// Websocket close codes and reasons sent when an admin operation replaces a
// room's document out from under its connections, and when a session cannot
// keep up with the room's output.
const (
	CloseRoomReset    = 4000
	CloseSlowConsumer = 1013

	CloseReasonReset        = "Room Reset by Admin"
	CloseReasonRestored     = "Room Restored by Admin"
	CloseReasonPurged       = "Room Purged by Admin"
	CloseReasonSlowConsumer = "send queue overflow"
)

// ClientSession is a live websocket client as seen by its room. Send must
// not block: implementations enqueue to a bounded buffer and report overflow
// so the room can drop the session instead of stalling the actor.
type ClientSession interface {
	SessionID() string
	// Send enqueues a frame for delivery, binary selecting the websocket
	// message type. Returns false when the session's buffer is full.
	Send(data []byte, binary bool) bool
	// Kick closes the session with the given close code once already queued
	// frames have been flushed.
	Kick(code int, reason string)
}

// RoomserverInternalAPI is the full surface the room coordinator exposes to
// the transports in this process.
type RoomserverInternalAPI interface {
	SyncRoomserverAPI
	BridgeRoomserverAPI
	AdminRoomserverAPI

	// SetBridgeSender wires in the bridge transport after construction. The
	// roomserver and the bridge depend on each other, so one side has to be
	// attached late.
	SetBridgeSender(sender BridgeSender)
}

// SyncRoomserverAPI is the view the sync websocket endpoint uses.
type SyncRoomserverAPI interface {
	RoomResolverAPI

	// PerformAttach loads the room if needed and registers a session with
	// it. The sync handshake, and a room-reset notice when the client's
	// epoch is stale, are delivered through the session's Send before any
	// other room traffic reaches it.
	PerformAttach(ctx context.Context, req *AttachRequest) error

	// PerformDetach removes a session from a room. Unknown sessions and
	// unloaded rooms are ignored.
	PerformDetach(ctx context.Context, roomID, sessionID string)

	// OnSyncFrame feeds one binary sync-protocol frame from a session into
	// its room. Protocol replies go back through the originating session;
	// applied updates are relayed to the room's other sessions.
	OnSyncFrame(ctx context.Context, roomID, sessionID string, frame []byte) error

	// OnControlFrame feeds one text frame from a session into its room.
	// Known control messages mutate sharing state; anything else is
	// broadcast verbatim to the room's other sessions.
	OnControlFrame(ctx context.Context, roomID, sessionID string, frame []byte) error
}

// RoomResolverAPI normalizes raw room names and follows redirects.
type RoomResolverAPI interface {
	// QueryResolveRoom turns a raw room name, as it appeared in a URL, into
	// the canonical room ID, following at most one redirect hop.
	QueryResolveRoom(ctx context.Context, req *ResolveRoomRequest, res *ResolveRoomResponse) error
}

// BridgeRoomserverAPI is the view the bridge transport uses: the inbound RPC
// handlers and the state reads the observer loops need.
type BridgeRoomserverAPI interface {
	// PerformSubscribe registers, or renews, a consumer room's interest in
	// elements of the target room.
	PerformSubscribe(ctx context.Context, req *SubscribeRequest, res *SubscribeResponse) error

	// QueryPermissions returns the room's shared permissions restricted to
	// the requested element IDs, or all of them when ElementIDs is empty.
	QueryPermissions(ctx context.Context, req *QueryPermissionsRequest, res *QueryPermissionsResponse) error

	// PerformApplySubtrees applies mirrored element values to the target
	// room after role derivation, permission filtering and the reset epoch
	// guard. Fanout work the caller must complete is returned in res.
	PerformApplySubtrees(ctx context.Context, req *ApplySubtreesRequest, res *ApplySubtreesResponse) error

	// QueryBridgeState returns a consistent view of one room's sharing state
	// and, when ElementIDs is non-empty, the current values of those
	// elements.
	QueryBridgeState(ctx context.Context, req *QueryBridgeStateRequest, res *QueryBridgeStateResponse) error
}

// AdminRoomserverAPI is the view the admin control plane uses.
type AdminRoomserverAPI interface {
	RoomResolverAPI

	QueryRoomInspect(ctx context.Context, req *InspectRequest, res *InspectResponse) error
	QueryRawDocument(ctx context.Context, req *RawDocumentRequest, res *RawDocumentResponse) error
	QueryLiveCompare(ctx context.Context, req *LiveCompareRequest, res *LiveCompareResponse) error
	PerformRemoveSubscriber(ctx context.Context, req *RemoveSubscriberRequest, res *RemoveSubscriberResponse) error
	PerformForceSave(ctx context.Context, req *ForceSaveRequest, res *ForceSaveResponse) error
	PerformForceReload(ctx context.Context, req *ForceReloadRequest, res *ForceReloadResponse) error
	PerformHardReset(ctx context.Context, req *HardResetRequest, res *HardResetResponse) error
	PerformRestoreDocument(ctx context.Context, req *RestoreDocumentRequest, res *RestoreDocumentResponse) error

	// PerformSetRedirect points a legacy room name at the canonical room, so
	// lookups under the old name land on the new one.
	PerformSetRedirect(ctx context.Context, req *SetRedirectRequest, res *SetRedirectResponse) error

	// PerformPurgeRoom deletes everything stored for a room, kicks its
	// connections and evicts the live actor. Redirects pointing at the room
	// go with it.
	PerformPurgeRoom(ctx context.Context, req *PurgeRoomRequest, res *PurgeRoomResponse) error
}

// BridgeSender delivers room-to-room RPCs on behalf of a room actor.
// Implementations route to the in-process actor when the target room is
// local and to a peer coordinator over HTTP otherwise. Errors are per-target
// and best effort; a failed mirror heals on the next observer event.
type BridgeSender interface {
	SendSubscribe(ctx context.Context, req *SubscribeRequest) (*SubscribeResponse, error)
	SendApplySubtrees(ctx context.Context, req *ApplySubtreesRequest) error
	SendExportPermissions(ctx context.Context, sourceRoomID string, elementIDs []string) (map[string]Permission, error)
}

type ResolveRoomRequest struct {
	// RawName is the room name exactly as received, still percent-encoded.
	RawName string
}

type ResolveRoomResponse struct {
	// RoomID is the canonical room the request should be served by.
	RoomID string
	// RedirectFollowed is set when RoomID came from a redirect row rather
	// than plain normalization.
	RedirectFollowed bool
}

type AttachRequest struct {
	RoomID  string
	Session ClientSession

	// SharedReferences is the consumer-side interest declared on the query
	// string, already grouped by normalized source room ID.
	SharedReferences []SharedRef

	// SharedElements is the source-side permission declaration. A non-nil
	// map replaces the room's stored permissions outright.
	SharedElements map[string]Permission

	// ClientResetEpoch is the client's last known reset epoch, nil when the
	// client did not send one.
	ClientResetEpoch *int64
}

type SubscribeRequest struct {
	// RoomID is the source room being subscribed to.
	RoomID         string   `json:"roomId"`
	ConsumerRoomID string   `json:"consumerRoomId"`
	ElementIDs     []string `json:"elementIds"`
}

type SubscribeResponse struct {
	OK         bool     `json:"ok"`
	Subscribed bool     `json:"subscribed"`
	ElementIDs []string `json:"elementIds"`
}

type QueryPermissionsRequest struct {
	RoomID     string
	ElementIDs []string
}

type QueryPermissionsResponse struct {
	Permissions map[string]Permission
}

type ApplySubtreesRequest struct {
	// RoomID is the room receiving the mirrored values.
	RoomID     string        `json:"roomId"`
	Subtrees   crdt.Subtrees `json:"subtrees"`
	Sender     string        `json:"sender"`
	OriginKind OriginKind    `json:"originKind"`
	ResetEpoch int64         `json:"resetEpoch"`
}

// FanoutTarget is one delivery the caller of PerformApplySubtrees still owes:
// when a source applies a consumer's write, the other subscribers receive the
// result without waiting for the observer loop.
type FanoutTarget struct {
	Request *ApplySubtreesRequest
}

type ApplySubtreesResponse struct {
	// Applied is false when the epoch guard or the filters dropped the whole
	// request. Dropped writes are normal operation, not errors.
	Applied bool
	// Fanout lists the per-subscriber deliveries to perform, already
	// filtered to each subscriber's requested elements.
	Fanout []FanoutTarget
}

type QueryBridgeStateRequest struct {
	RoomID string
	// ElementIDs to extract current values for. Empty extracts nothing.
	ElementIDs []string
}

type QueryBridgeStateResponse struct {
	Subscribers []Subscriber
	SharedRefs  []SharedRef
	Permissions map[string]Permission
	ResetEpoch  int64
	Subtrees    crdt.Subtrees
}

type InspectRequest struct {
	RoomID string
}

type InspectResponse struct {
	// Found is false when the store holds no document for the room.
	Found       bool                             `json:"found"`
	Play        map[string]map[string]crdt.Value `json:"play,omitempty"`
	Subscribers []Subscriber                     `json:"subscribers"`
	SharedRefs  []SharedRef                      `json:"sharedReferences"`
	Permissions map[string]Permission            `json:"sharedPermissions"`
	// Redirects lists the legacy names that resolve to this room.
	Redirects   []RoomRedirect `json:"redirects,omitempty"`
	ResetEpoch  int64          `json:"resetEpoch"`
	Connections int            `json:"connections"`
}

type RawDocumentRequest struct {
	RoomID string
}

type RawDocumentResponse struct {
	Found     bool   `json:"found"`
	Document  string `json:"document,omitempty"` // base64, exactly as stored
	CreatedAt int64  `json:"createdAt,omitempty"`
	Size      int    `json:"size"`
}

type LiveCompareRequest struct {
	RoomID string
}

type LiveCompareResponse struct {
	// LiveLoaded is false when the room had no in-memory document; the
	// comparison then only reports the stored side.
	LiveLoaded      bool     `json:"liveLoaded"`
	StoredKeys      []string `json:"storedKeys"`
	LiveKeys        []string `json:"liveKeys"`
	MissingInLive   []string `json:"missingInLive"`
	MissingInStored []string `json:"missingInStored"`
	Equal           bool     `json:"equal"`
}

type RemoveSubscriberRequest struct {
	RoomID         string
	ConsumerRoomID string
}

type RemoveSubscriberResponse struct {
	Removed int `json:"removed"`
}

type ForceSaveRequest struct {
	RoomID string
}

type ForceSaveResponse struct {
	Saved bool `json:"saved"`
	Size  int  `json:"size"`
}

type ForceReloadRequest struct {
	RoomID string
}

type ForceReloadResponse struct {
	Reloaded bool `json:"reloaded"`
	// Accepted is the number of stored nodes that were newer than the live
	// document and got merged in.
	Accepted int `json:"accepted"`
}

type HardResetRequest struct {
	RoomID string
}

type HardResetResponse struct {
	ResetEpoch  int64 `json:"resetEpoch"`
	Size        int   `json:"size"`
	Connections int   `json:"connections"`
}

type RestoreDocumentRequest struct {
	RoomID string
	// Snapshot is the decoded snapshot blob supplied by the operator.
	Snapshot []byte
	// BumpEpoch stamps a fresh epoch instead of adopting the snapshot's.
	BumpEpoch bool
}

type RestoreDocumentResponse struct {
	ResetEpoch int64 `json:"resetEpoch"`
}

type SetRedirectRequest struct {
	// RoomID is the canonical room lookups should land on.
	RoomID string
	// FromRoomID is the legacy name being redirected, as the operator typed
	// it. It is normalized before the row is written.
	FromRoomID string
	// Migrated records that the old room's data has been folded into the
	// canonical room.
	Migrated bool
}

type SetRedirectResponse struct {
	// Found is false when the canonical room has no stored document to
	// redirect to.
	Found   bool   `json:"found"`
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

type PurgeRoomRequest struct {
	RoomID string
}

// PurgeRoomResponse reports what the purge actually removed. Purging a name
// the store never held succeeds with everything zero.
type PurgeRoomResponse struct {
	DocumentDeleted bool `json:"documentDeleted"`
	// RedirectsDeleted counts the legacy names that stopped resolving here.
	RedirectsDeleted int64 `json:"redirectsDeleted"`
	// Connections is how many live sessions were kicked.
	Connections int `json:"connections"`
}
