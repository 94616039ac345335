// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import (
	"encoding/json"
	"fmt"
)

// Frame types for the binary sync stream carried over the room websocket.
// One byte discriminates the message, the rest is the JSON payload.
//
// The handshake is symmetric: each side sends step 1 with its state vector
// and answers a received step 1 with step 2 carrying the diff. After that,
// both sides exchange update frames as writes happen.
const (
	MessageSyncStep1 byte = 0
	MessageSyncStep2 byte = 1
	MessageUpdate    byte = 2
)

// SyncMessage is one decoded frame from the binary sync stream.
type SyncMessage struct {
	Type        byte
	StateVector StateVector // step 1 only
	Update      Update      // step 2 and updates
}

// EncodeSyncStep1 frames this replica's state vector.
func EncodeSyncStep1(sv StateVector) []byte {
	return encodeFrame(MessageSyncStep1, sv)
}

// EncodeSyncStep2 frames the diff computed against a received state vector.
func EncodeSyncStep2(u Update) []byte {
	return encodeFrame(MessageSyncStep2, u)
}

// EncodeUpdate frames incremental writes.
func EncodeUpdate(u Update) []byte {
	return encodeFrame(MessageUpdate, u)
}

// DecodeSyncMessage parses one frame from the sync stream.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	if len(data) < 1 {
		return SyncMessage{}, fmt.Errorf("empty sync frame")
	}
	msg := SyncMessage{Type: data[0]}
	payload := data[1:]
	switch msg.Type {
	case MessageSyncStep1:
		if err := json.Unmarshal(payload, &msg.StateVector); err != nil {
			return SyncMessage{}, fmt.Errorf("parsing sync step 1: %w", err)
		}
	case MessageSyncStep2, MessageUpdate:
		if err := json.Unmarshal(payload, &msg.Update); err != nil {
			return SyncMessage{}, fmt.Errorf("parsing sync payload: %w", err)
		}
	default:
		return SyncMessage{}, fmt.Errorf("unknown sync frame type %d", msg.Type)
	}
	return msg, nil
}

func encodeFrame(frameType byte, payload interface{}) []byte {
	buf, err := json.Marshal(payload)
	if err != nil {
		// Payload types are JSON-native, so this cannot happen.
		panic(err)
	}
	return append([]byte{frameType}, buf...)
}
