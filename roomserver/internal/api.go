// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// RoomserverInternalAPI hosts the room actors. Rooms are loaded on first
// touch and stay resident; state for rooms nobody has touched lives only in
// the database, watched by storage-side prune timers.
type RoomserverInternalAPI struct {
	ProcessContext *process.ProcessContext
	Cfg            *config.PlaySync
	DB             storage.Database
	JetStream      nats.JetStreamContext
	NATSClient     *nats.Conn
	Resolver       *roomid.Resolver

	bridgeMu     sync.RWMutex
	bridgeSender api.BridgeSender

	roomsMu sync.RWMutex
	rooms   map[string]*room
	loader  singleflight.Group

	alarmsMu      sync.Mutex
	storageAlarms map[string]*time.Timer
}

func NewRoomserverAPI(
	processContext *process.ProcessContext, cfg *config.PlaySync,
	db storage.Database, js nats.JetStreamContext, nc *nats.Conn,
	enableMetrics bool,
) *RoomserverInternalAPI {
	if enableMetrics {
		registerMetrics()
	}
	r := &RoomserverInternalAPI{
		ProcessContext: processContext,
		Cfg:            cfg,
		DB:             db,
		JetStream:      js,
		NATSClient:     nc,
		Resolver:       roomid.NewResolver(db),
		rooms:          map[string]*room{},
		storageAlarms:  map[string]*time.Timer{},
	}
	r.rearmStoredAlarms()
	return r
}

func (r *RoomserverInternalAPI) SetBridgeSender(sender api.BridgeSender) {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	r.bridgeSender = sender
}

func (r *RoomserverInternalAPI) sender() api.BridgeSender {
	r.bridgeMu.RLock()
	defer r.bridgeMu.RUnlock()
	return r.bridgeSender
}

// QueryResolveRoom implements api.RoomResolverAPI.
func (r *RoomserverInternalAPI) QueryResolveRoom(
	ctx context.Context, req *api.ResolveRoomRequest, res *api.ResolveRoomResponse,
) error {
	resolved, err := r.Resolver.Resolve(ctx, req.RawName)
	if err != nil {
		return fmt.Errorf("r.Resolver.Resolve: %w", err)
	}
	normalized, err := roomid.NormalizeID(req.RawName)
	if err != nil {
		return fmt.Errorf("roomid.NormalizeID: %w", err)
	}
	res.RoomID = resolved
	res.RedirectFollowed = resolved != normalized
	return nil
}

// getOrLoadRoom returns the resident actor for a room, loading it from the
// database on first touch. Concurrent loads of the same room are collapsed,
// and the load runs under the process context so an abandoned request cannot
// poison the room every other caller receives.
func (r *RoomserverInternalAPI) getOrLoadRoom(roomID string) (*room, error) {
	r.roomsMu.RLock()
	rm := r.rooms[roomID]
	r.roomsMu.RUnlock()
	if rm != nil {
		return rm, nil
	}

	v, err, _ := r.loader.Do(roomID, func() (interface{}, error) {
		r.roomsMu.RLock()
		existing := r.rooms[roomID]
		r.roomsMu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		loaded, err := r.loadRoom(r.ProcessContext.Context(), roomID)
		if err != nil {
			return nil, err
		}
		r.roomsMu.Lock()
		r.rooms[roomID] = loaded
		r.roomsMu.Unlock()
		// The actor owns the prune alarm from here on.
		r.cancelStorageAlarm(roomID)
		roomsLoadedGauge.Inc()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*room), nil
}

// liveRoom returns the resident actor without loading, or nil.
func (r *RoomserverInternalAPI) liveRoom(roomID string) *room {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return r.rooms[roomID]
}

// evictRoom drops the resident actor, if any, and ends its autosave loop.
// The next touch of the room ID loads a fresh actor from the database.
func (r *RoomserverInternalAPI) evictRoom(roomID string) {
	r.roomsMu.Lock()
	rm := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.roomsMu.Unlock()
	if rm == nil {
		return
	}
	close(rm.stop)
	roomsLoadedGauge.Dec()
}

func (r *RoomserverInternalAPI) loadRoom(ctx context.Context, roomID string) (*room, error) {
	rm := &room{
		r:           r,
		roomID:      roomID,
		sessions:    map[string]api.ClientSession{},
		subscribers: map[string]api.Subscriber{},
		sharedRefs:  map[string]api.SharedRef{},
		permissions: map[string]api.Permission{},
		stop:        make(chan struct{}),
	}

	blob, found, err := r.DB.SelectDocument(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.SelectDocument: %w", err)
	}
	var doc *crdt.Doc
	if found {
		if doc, err = decodeDocument(blob); err != nil {
			return nil, fmt.Errorf("decoding stored document for %q: %w", roomID, err)
		}
	} else {
		doc = crdt.NewDoc()
	}

	subscribers, err := r.DB.SelectSubscribers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.SelectSubscribers: %w", err)
	}
	for _, sub := range subscribers {
		rm.subscribers[sub.ConsumerRoomID] = sub
	}
	sharedRefs, err := r.DB.SelectSharedRefs(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.SelectSharedRefs: %w", err)
	}
	for _, ref := range sharedRefs {
		rm.sharedRefs[ref.SourceRoomID] = ref
	}
	permissions, err := r.DB.SelectPermissions(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.SelectPermissions: %w", err)
	}
	for elementID, perm := range permissions {
		rm.permissions[elementID] = perm
	}

	meta, metaFound, err := r.DB.SelectRoomMeta(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.SelectRoomMeta: %w", err)
	}
	if metaFound {
		// The meta row is authoritative when an admin replaced the document
		// after the snapshot was written.
		doc.SetEpoch(meta.ResetEpoch)
	}
	rm.adoptDoc(doc)
	rm.resetEpoch = doc.Epoch()

	switch {
	case metaFound && meta.AlarmAt > 0:
		rm.alarmAt = meta.AlarmAt
		rm.armAlarmTimer(meta.AlarmAt)
	case len(rm.subscribers) > 0 || len(rm.sharedRefs) > 0:
		rm.ensureAlarm(ctx, time.Now().UnixMilli()+r.Cfg.RoomServer.PruneIntervalMS)
	}

	go rm.autosaveLoop(r.Cfg.RoomServer.AutosaveInterval())

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"found":       found,
		"subscribers": len(rm.subscribers),
		"shared_refs": len(rm.sharedRefs),
	}).Debug("Loaded room")
	return rm, nil
}

// publishRoomUpdate emits one committed transaction to the update stream.
// Publish failures are reported but never surfaced to the write path; the
// write has already committed and the observers heal on the next event.
func (r *RoomserverInternalAPI) publishRoomUpdate(update *api.OutputRoomUpdate) {
	if r.JetStream == nil {
		return
	}
	payload, err := json.Marshal(update)
	if err != nil {
		logrus.WithError(err).WithField("room_id", update.RoomID).Error("Failed to marshal room update")
		return
	}
	msg := nats.NewMsg(jetstream.OutputRoomUpdateSubj(r.Cfg.Global.JetStream.TopicPrefix, update.RoomID))
	msg.Header.Set(jetstream.RoomIDHeader, update.RoomID)
	msg.Header.Set(jetstream.OriginHeader, string(update.Origin))
	msg.Header.Set(jetstream.EpochHeader, strconv.FormatInt(update.ResetEpoch, 10))
	msg.Data = payload
	if _, err = r.JetStream.PublishMsg(msg); err != nil {
		logrus.WithError(err).WithField("room_id", update.RoomID).Error("Failed to publish room update")
		sentry.CaptureException(err)
	}
}

// PerformAttach implements api.SyncRoomserverAPI.
func (r *RoomserverInternalAPI) PerformAttach(ctx context.Context, req *api.AttachRequest) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	var subscribes []*api.SubscribeRequest
	phony.Block(rm, func() {
		subscribes = rm.attachSharing(ctx, req.SharedReferences, req.SharedElements)
		rm.attachSession(req.Session, req.ClientResetEpoch)
	})
	r.sendSubscribes(ctx, subscribes)
	return nil
}

// PerformDetach implements api.SyncRoomserverAPI.
func (r *RoomserverInternalAPI) PerformDetach(ctx context.Context, roomID, sessionID string) {
	rm := r.liveRoom(roomID)
	if rm == nil {
		return
	}
	rm.Act(nil, func() {
		rm.detachSession(sessionID)
	})
}

// OnSyncFrame implements api.SyncRoomserverAPI.
func (r *RoomserverInternalAPI) OnSyncFrame(ctx context.Context, roomID, sessionID string, frame []byte) error {
	rm := r.liveRoom(roomID)
	if rm == nil {
		return fmt.Errorf("room %q is not loaded", roomID)
	}
	var err error
	phony.Block(rm, func() {
		err = rm.handleSyncFrame(sessionID, frame)
	})
	return err
}

// OnControlFrame implements api.SyncRoomserverAPI.
func (r *RoomserverInternalAPI) OnControlFrame(ctx context.Context, roomID, sessionID string, frame []byte) error {
	rm := r.liveRoom(roomID)
	if rm == nil {
		return fmt.Errorf("room %q is not loaded", roomID)
	}
	var (
		result controlResult
		err    error
	)
	phony.Block(rm, func() {
		result, err = rm.handleControlFrame(ctx, sessionID, frame)
	})
	if err != nil {
		return err
	}
	r.sendSubscribes(ctx, result.subscribes)
	r.deliverFanout(ctx, result.fanout)
	return nil
}

// sendSubscribes delivers subscribe RPCs to source rooms on behalf of a
// consumer. Failures are logged and left to the client's next attach to
// retry; the reference itself is already persisted.
func (r *RoomserverInternalAPI) sendSubscribes(ctx context.Context, subscribes []*api.SubscribeRequest) {
	if len(subscribes) == 0 {
		return
	}
	sender := r.sender()
	if sender == nil {
		logrus.Warn("No bridge sender attached, dropping subscribe requests")
		return
	}
	for _, req := range subscribes {
		if _, err := sender.SendSubscribe(ctx, req); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"source_room": req.RoomID,
				"consumer":    req.ConsumerRoomID,
			}).Warn("Failed to subscribe to source room")
			sentry.CaptureException(err)
		}
	}
}

// deliverFanout pushes mirror deliveries to consumer rooms, bounded by the
// configured concurrency. Per-target failures are reported and swallowed;
// the next observer event re-extracts current values anyway.
func (r *RoomserverInternalAPI) deliverFanout(ctx context.Context, fanout []api.FanoutTarget) {
	if len(fanout) == 0 {
		return
	}
	sender := r.sender()
	if sender == nil {
		logrus.Warn("No bridge sender attached, dropping fanout deliveries")
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Cfg.Bridge.MaxFanoutConcurrency)
	for _, target := range fanout {
		req := target.Request
		g.Go(func() error {
			if err := sender.SendApplySubtrees(gctx, req); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"target_room": req.RoomID,
					"sender":      req.Sender,
				}).Warn("Failed to deliver mirrored update")
				sentry.CaptureException(err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
