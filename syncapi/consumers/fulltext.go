// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// OutputRoomUpdateConsumer keeps the fulltext index in step with room state:
// every changed element is re-indexed with its current value, every deleted
// element leaves the index.
type OutputRoomUpdateConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	rsAPI     rsapi.BridgeRoomserverAPI
	fts       fulltext.Indexer
}

// NewOutputRoomUpdateConsumer creates a new consumer. Call Start to begin
// consuming room updates.
func NewOutputRoomUpdateConsumer(
	process *process.ProcessContext,
	cfg *config.PlaySync,
	js nats.JetStreamContext,
	rsAPI rsapi.BridgeRoomserverAPI,
	fts fulltext.Indexer,
) *OutputRoomUpdateConsumer {
	return &OutputRoomUpdateConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomUpdate) + ".>",
		durable:   cfg.Global.JetStream.Durable("SyncAPIFulltextConsumer"),
		rsAPI:     rsAPI,
		fts:       fts,
	}
}

// Start consuming room updates.
func (s *OutputRoomUpdateConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomUpdateConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if len(msgs) > 0
	var update rsapi.OutputRoomUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).Errorf("syncapi fulltext consumer: message parse failure")
		return true
	}
	if update.RoomID == "" || len(update.Changed) == 0 {
		return true
	}

	var live []crdt.ChangedKey
	for _, key := range update.Changed {
		if key.Deleted {
			s.deleteFromIndex(update.RoomID, key.Tag, key.Element)
			continue
		}
		live = append(live, key)
	}
	if len(live) == 0 {
		return true
	}

	values, ok := s.extract(ctx, update.RoomID, live)
	if !ok {
		return true
	}

	var elements []fulltext.IndexElement
	for _, key := range live {
		value, found := values[key.Tag][key.Element]
		if !found {
			// Gone between the update and the read: treat like a delete.
			s.deleteFromIndex(update.RoomID, key.Tag, key.Element)
			continue
		}
		elements = append(elements, fulltext.IndexElement{
			RoomID:    update.RoomID,
			Tag:       key.Tag,
			ElementID: key.Element,
			Content:   fulltext.ContentText(value),
		})
	}
	if len(elements) == 0 {
		return true
	}
	if err := s.fts.Index(elements...); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).WithField("room_id", update.RoomID).Error("Failed to index element values")
	}
	return true
}

func (s *OutputRoomUpdateConsumer) deleteFromIndex(roomID, tag, elementID string) {
	id := fulltext.IndexElement{RoomID: roomID, Tag: tag, ElementID: elementID}.ID()
	if err := s.fts.Delete(id); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to remove deleted element from index")
	}
}

// extract reads the current values of the changed elements from the room.
func (s *OutputRoomUpdateConsumer) extract(ctx context.Context, roomID string, keys []crdt.ChangedKey) (crdt.Subtrees, bool) {
	seen := make(map[string]struct{}, len(keys))
	elementIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, dup := seen[key.Element]; dup {
			continue
		}
		seen[key.Element] = struct{}{}
		elementIDs = append(elementIDs, key.Element)
	}
	sort.Strings(elementIDs)

	var res rsapi.QueryBridgeStateResponse
	if err := s.rsAPI.QueryBridgeState(ctx, &rsapi.QueryBridgeStateRequest{
		RoomID:     roomID,
		ElementIDs: elementIDs,
	}, &res); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to read element values for indexing")
		return nil, false
	}
	return res.Subtrees, true
}
