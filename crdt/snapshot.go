// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// snapshotMagic prefixes every serialized document. Blobs that instead start
// with '{' predate the format and hold a plain play map.
var snapshotMagic = []byte("PSD1")

type snapshotBody struct {
	Epoch int64        `json:"resetEpoch,omitempty"`
	Nodes []NodeUpdate `json:"nodes"`
}

// EncodeSnapshot serializes the full document state, tombstones included,
// for the persistence store.
func (d *Doc) EncodeSnapshot() []byte {
	body := snapshotBody{Epoch: d.epoch, Nodes: d.Diff(StateVector{}).Nodes}
	buf, err := json.Marshal(body)
	if err != nil {
		// Node values are JSON-native, so this cannot happen.
		panic(err)
	}
	return append(append([]byte{}, snapshotMagic...), buf...)
}

// DecodeSnapshot rebuilds a document from a stored blob. The new document
// gets a fresh actor ID so a restarted coordinator can never mint stamps
// that collide with writes lost since the snapshot was taken. Legacy blobs
// holding a bare play map are upgraded to a history-free document with no
// epoch.
func DecodeSnapshot(blob []byte) (*Doc, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}
	if blob[0] == '{' {
		var play map[string]map[string]Value
		if err := json.Unmarshal(blob, &play); err != nil {
			return nil, fmt.Errorf("parsing legacy snapshot: %w", err)
		}
		return NewFromPlain(play, 0), nil
	}
	if !bytes.HasPrefix(blob, snapshotMagic) {
		return nil, fmt.Errorf("unrecognised snapshot header")
	}
	var body snapshotBody
	if err := json.Unmarshal(blob[len(snapshotMagic):], &body); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	d := NewDoc()
	d.epoch = body.Epoch
	for _, nu := range body.Nodes {
		s := stamp{Lamport: nu.Lamport, Actor: nu.Actor}
		d.observeStamp(s)
		d.setNode(nu.Tag, nu.Element, &node{value: nu.Value, stamp: s, tombstone: nu.Deleted})
	}
	return d, nil
}
