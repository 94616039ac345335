// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "github.com/spencerc99/playhtml-sub002/crdt"

// OutputRoomUpdate is published to JetStream after a room commits a change.
// The bridge observer loops consume it to decide what to mirror where; the
// origin lets them ignore the updates they themselves caused.
type OutputRoomUpdate struct {
	RoomID     string            `json:"roomId"`
	Origin     crdt.Origin       `json:"origin"`
	ResetEpoch int64             `json:"resetEpoch"`
	Changed    []crdt.ChangedKey `json:"changed"`
}

// ChangedElementIDs returns the distinct element IDs touched by the update,
// in first-seen order.
func (u *OutputRoomUpdate) ChangedElementIDs() []string {
	seen := make(map[string]struct{}, len(u.Changed))
	ids := make([]string, 0, len(u.Changed))
	for _, key := range u.Changed {
		if _, ok := seen[key.Element]; ok {
			continue
		}
		seen[key.Element] = struct{}{}
		ids = append(ids, key.Element)
	}
	return ids
}
