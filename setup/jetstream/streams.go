// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go"
)

// Message headers attached to room update events.
const (
	RoomIDHeader = "room_id"
	OriginHeader = "origin"
	EpochHeader  = "reset_epoch"
)

// OutputRoomUpdate carries one event per committed document transaction,
// published by the room actor and consumed by the bridge observers.
const OutputRoomUpdate = "OutputRoomUpdate"

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

// Tokenise makes a string safe to embed in a NATS subject.
func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

// OutputRoomUpdateSubj returns the per-room subject inside the update
// stream, so ordering is preserved per room while consumers subscribe to the
// wildcard.
func OutputRoomUpdateSubj(prefix, roomID string) string {
	return fmt.Sprintf("%s.%s", prefix+OutputRoomUpdate, Tokenise(roomID))
}

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomUpdate,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}
