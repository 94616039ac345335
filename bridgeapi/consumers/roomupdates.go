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

	"github.com/spencerc99/playhtml-sub002/bridgeapi/internal"
	"github.com/spencerc99/playhtml-sub002/crdt"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// OutputRoomUpdateConsumer runs both observer loops: when a room that has
// subscribers changes, the shared elements are mirrored out to those
// subscribers; when a room that holds shared references changes, the
// referenced elements are mirrored back to their source rooms. The update's
// origin tells the loops which changes they themselves caused, so a value
// never bounces back across the bridge it arrived on.
type OutputRoomUpdateConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	rsAPI     rsapi.BridgeRoomserverAPI
	sender    *internal.Sender
}

// NewOutputRoomUpdateConsumer creates a new consumer. Call Start to begin
// consuming room updates.
func NewOutputRoomUpdateConsumer(
	process *process.ProcessContext,
	cfg *config.PlaySync,
	js nats.JetStreamContext,
	rsAPI rsapi.BridgeRoomserverAPI,
	sender *internal.Sender,
) *OutputRoomUpdateConsumer {
	return &OutputRoomUpdateConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomUpdate) + ".>",
		durable:   cfg.Global.JetStream.Durable("BridgeAPIRoomUpdateConsumer"),
		rsAPI:     rsAPI,
		sender:    sender,
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
		logrus.WithError(err).Errorf("bridgeapi room update consumer: message parse failure")
		return true
	}
	if update.RoomID == "" || len(update.Changed) == 0 {
		return true
	}

	var state rsapi.QueryBridgeStateResponse
	if err := s.rsAPI.QueryBridgeState(ctx, &rsapi.QueryBridgeStateRequest{RoomID: update.RoomID}, &state); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).WithField("room_id", update.RoomID).Error("Failed to query bridge state for room update")
		return true
	}

	changed := update.ChangedElementIDs()

	// Writes that arrived from a consumer were already fanned out to the
	// other subscribers when they were applied; writes that arrived from a
	// source must not be mirrored straight back to it.
	if update.Origin != crdt.OriginFromConsumer {
		s.mirrorToSubscribers(ctx, &update, changed, &state)
	}
	if update.Origin != crdt.OriginFromSource {
		s.mirrorToSources(ctx, &update, changed, &state)
	}
	return true
}

// mirrorToSubscribers pushes a source room's change out to the consumer
// rooms subscribed to it. Each subscriber receives its full requested set,
// not just the changed elements: receivers skip values that already match,
// and the wider push heals any mirror that missed an earlier update.
func (s *OutputRoomUpdateConsumer) mirrorToSubscribers(
	ctx context.Context, update *rsapi.OutputRoomUpdate, changed []string, state *rsapi.QueryBridgeStateResponse,
) {
	if len(state.Subscribers) == 0 || len(state.Permissions) == 0 {
		return
	}

	type delivery struct {
		consumerRoomID string
		wanted         []string
	}
	var deliveries []delivery
	union := make(map[string]struct{})
	for _, sub := range state.Subscribers {
		// Only elements the room still shares leave it.
		wanted := make([]string, 0, len(sub.ElementIDs))
		for _, id := range sub.ElementIDs {
			if _, shared := state.Permissions[id]; shared {
				wanted = append(wanted, id)
			}
		}
		if len(wanted) == 0 || !overlaps(changed, wanted) {
			continue
		}
		deliveries = append(deliveries, delivery{sub.ConsumerRoomID, wanted})
		for _, id := range wanted {
			union[id] = struct{}{}
		}
	}
	if len(deliveries) == 0 {
		return
	}

	values, ok := s.extract(ctx, update.RoomID, union)
	if !ok || values.IsEmpty() {
		return
	}

	fanout := make([]rsapi.FanoutTarget, 0, len(deliveries))
	for _, d := range deliveries {
		subtrees := filterElements(values, d.wanted)
		if subtrees.IsEmpty() {
			continue
		}
		fanout = append(fanout, rsapi.FanoutTarget{Request: &rsapi.ApplySubtreesRequest{
			RoomID:     d.consumerRoomID,
			Subtrees:   subtrees,
			Sender:     update.RoomID,
			OriginKind: rsapi.OriginKindSource,
			ResetEpoch: state.ResetEpoch,
		}})
	}
	s.sender.DeliverFanout(ctx, fanout)
}

// mirrorToSources pushes a consumer room's change back to the source rooms
// it references. The source decides what it accepts: read-only elements are
// filtered there, not here.
func (s *OutputRoomUpdateConsumer) mirrorToSources(
	ctx context.Context, update *rsapi.OutputRoomUpdate, changed []string, state *rsapi.QueryBridgeStateResponse,
) {
	if len(state.SharedRefs) == 0 {
		return
	}

	type delivery struct {
		sourceRoomID string
		wanted       []string
	}
	var deliveries []delivery
	union := make(map[string]struct{})
	for _, ref := range state.SharedRefs {
		if len(ref.ElementIDs) == 0 || !overlaps(changed, ref.ElementIDs) {
			continue
		}
		deliveries = append(deliveries, delivery{ref.SourceRoomID, ref.ElementIDs})
		for _, id := range ref.ElementIDs {
			union[id] = struct{}{}
		}
	}
	if len(deliveries) == 0 {
		return
	}

	values, ok := s.extract(ctx, update.RoomID, union)
	if !ok || values.IsEmpty() {
		return
	}

	fanout := make([]rsapi.FanoutTarget, 0, len(deliveries))
	for _, d := range deliveries {
		subtrees := filterElements(values, d.wanted)
		if subtrees.IsEmpty() {
			continue
		}
		fanout = append(fanout, rsapi.FanoutTarget{Request: &rsapi.ApplySubtreesRequest{
			RoomID:     d.sourceRoomID,
			Subtrees:   subtrees,
			Sender:     update.RoomID,
			OriginKind: rsapi.OriginKindConsumer,
			ResetEpoch: state.ResetEpoch,
		}})
	}
	s.sender.DeliverFanout(ctx, fanout)
}

// extract reads the current values of the given elements from the room.
func (s *OutputRoomUpdateConsumer) extract(ctx context.Context, roomID string, ids map[string]struct{}) (crdt.Subtrees, bool) {
	elementIDs := make([]string, 0, len(ids))
	for id := range ids {
		elementIDs = append(elementIDs, id)
	}
	sort.Strings(elementIDs)
	var res rsapi.QueryBridgeStateResponse
	if err := s.rsAPI.QueryBridgeState(ctx, &rsapi.QueryBridgeStateRequest{
		RoomID:     roomID,
		ElementIDs: elementIDs,
	}, &res); err != nil {
		sentry.CaptureException(err)
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to extract element values for mirroring")
		return nil, false
	}
	return res.Subtrees, true
}

func filterElements(s crdt.Subtrees, elementIDs []string) crdt.Subtrees {
	set := make(map[string]struct{}, len(elementIDs))
	for _, id := range elementIDs {
		set[id] = struct{}{}
	}
	return s.Filter(func(_, elementID string) bool {
		_, ok := set[elementID]
		return ok
	})
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
