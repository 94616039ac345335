// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the JSON bodies of the room-to-room RPCs. The same
// shapes travel in-process and over HTTP to a peer coordinator, discriminated
// by the action field.
package api

import (
	"github.com/spencerc99/playhtml-sub002/crdt"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
)

const (
	ActionSubscribe         = "subscribe"
	ActionExportPermissions = "export-permissions"
	ActionApplySubtrees     = "apply-subtrees-immediate"
)

// SubscribeRPC registers the calling consumer room's interest with a source
// room. Renewals carry the consumer's full current element list.
type SubscribeRPC struct {
	Action         string   `json:"action"`
	ConsumerRoomID string   `json:"consumerRoomId"`
	ElementIDs     []string `json:"elementIds"`
}

// ExportPermissionsRPC asks a source room for the sharing levels of the given
// elements, or all of them when ElementIDs is empty.
type ExportPermissionsRPC struct {
	Action     string   `json:"action"`
	ElementIDs []string `json:"elementIds"`
}

// ExportPermissionsResponse is the body answering an export-permissions RPC.
type ExportPermissionsResponse struct {
	Permissions map[string]rsapi.Permission `json:"permissions"`
}

// ApplySubtreesRPC pushes mirrored element values into the target room. The
// recipient derives its role from Sender and OriginKind and filters
// accordingly before mutating anything.
type ApplySubtreesRPC struct {
	Action     string           `json:"action"`
	Subtrees   crdt.Subtrees    `json:"subtrees"`
	Sender     string           `json:"sender"`
	OriginKind rsapi.OriginKind `json:"originKind"`
	ResetEpoch int64            `json:"resetEpoch"`
}

// ApplySubtreesResponse is the body answering an apply-subtrees-immediate
// RPC. Applied false is not an error; it means the filters or the epoch guard
// dropped the write.
type ApplySubtreesResponse struct {
	OK      bool `json:"ok"`
	Applied bool `json:"applied"`
}
