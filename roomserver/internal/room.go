// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

// room owns one loaded document and everything attached to it: the live
// sessions, the bridge registrations and the prune alarm. It is a phony.Inbox
// actor, so every field below the inbox is only ever touched from inside an
// Act and no mutex is needed. Blocking inside an Act stalls this room and
// nothing else.
type room struct {
	phony.Inbox

	r      *RoomserverInternalAPI
	roomID string

	doc         *crdt.Doc
	sessions    map[string]api.ClientSession
	subscribers map[string]api.Subscriber
	sharedRefs  map[string]api.SharedRef
	permissions map[string]api.Permission
	resetEpoch  int64

	// dirty marks unsaved local writes.
	dirty bool

	// skipSave is the reset latch. It is the one field shared with the
	// autosave goroutine, which checks it before paying for an Act, so it
	// has to be atomic.
	skipSave atomic.Bool

	// stop ends the autosave goroutine when the room is purged. Closed at
	// most once, by the purge path.
	stop chan struct{}

	alarmAt    int64
	alarmTimer *time.Timer
}

// controlResult is the work a control frame produced that has to happen
// outside the actor, because bridge RPCs block on network I/O.
type controlResult struct {
	subscribes []*api.SubscribeRequest
	fanout     []api.FanoutTarget
}

// adoptDoc swaps in a document and hooks its observer up to the update
// stream. The observer runs inside the actor, so reading resetEpoch there is
// safe.
func (rm *room) adoptDoc(doc *crdt.Doc) {
	rm.doc = doc
	doc.Observe(func(changes []crdt.ChangedKey, origin crdt.Origin) {
		rm.r.publishRoomUpdate(&api.OutputRoomUpdate{
			RoomID:     rm.roomID,
			Origin:     origin,
			ResetEpoch: rm.resetEpoch,
			Changed:    changes,
		})
	})
}

// attachSharing applies the sharing declarations of an attach request and
// returns the subscribe RPCs the caller still owes the source rooms.
func (rm *room) attachSharing(ctx context.Context, refs []api.SharedRef, elements map[string]api.Permission) []*api.SubscribeRequest {
	now := time.Now().UnixMilli()
	if len(refs) > 0 || len(rm.sharedRefs) > 0 || len(rm.subscribers) > 0 {
		rm.ensureAlarm(ctx, now+rm.r.Cfg.RoomServer.PruneIntervalMS)
	}

	var subscribes []*api.SubscribeRequest
	for _, ref := range refs {
		entry, ok := rm.sharedRefs[ref.SourceRoomID]
		if !ok {
			entry = api.SharedRef{SourceRoomID: ref.SourceRoomID}
		}
		entry.ElementIDs = mergeElementIDs(entry.ElementIDs, ref.ElementIDs)
		entry.LastSeen = now
		rm.sharedRefs[ref.SourceRoomID] = entry
		if err := rm.r.DB.UpsertSharedRef(ctx, rm.roomID, entry); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id": rm.roomID,
				"source":  entry.SourceRoomID,
			}).Warn("Failed to persist shared reference")
		}
		subscribes = append(subscribes, &api.SubscribeRequest{
			RoomID:         entry.SourceRoomID,
			ConsumerRoomID: rm.roomID,
			ElementIDs:     entry.ElementIDs,
		})
	}

	if elements != nil {
		rm.permissions = make(map[string]api.Permission, len(elements))
		for elementID, perm := range elements {
			if !perm.Valid() {
				logrus.WithFields(logrus.Fields{
					"room_id":    rm.roomID,
					"element":    elementID,
					"permission": perm,
				}).Warn("Ignoring shared element with unknown permission")
				continue
			}
			rm.permissions[elementID] = perm
		}
		if err := rm.r.DB.ReplacePermissions(ctx, rm.roomID, rm.permissions); err != nil {
			logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to persist shared permissions")
		}
	}
	return subscribes
}

// attachSession registers the session and starts the sync handshake. A
// client whose last known reset epoch trails the room's gets the reset
// notice immediately after, so it discards its local state instead of
// merging stale history back in.
func (rm *room) attachSession(session api.ClientSession, clientResetEpoch *int64) {
	rm.sessions[session.SessionID()] = session
	session.Send(crdt.EncodeSyncStep1(rm.doc.StateVector()), true)
	if clientResetEpoch != nil && *clientResetEpoch < rm.resetEpoch {
		session.Send(resetNotice(rm.resetEpoch), false)
	}
}

func (rm *room) detachSession(sessionID string) {
	delete(rm.sessions, sessionID)
}

// handleSyncFrame processes one binary frame from a session. Replies go to
// the sender only; accepted updates are relayed to everyone else untouched,
// since receivers run the same last-writer-wins check anyway.
func (rm *room) handleSyncFrame(sessionID string, frame []byte) error {
	sess, ok := rm.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %q in room %q", sessionID, rm.roomID)
	}
	msg, err := crdt.DecodeSyncMessage(frame)
	if err != nil {
		return fmt.Errorf("crdt.DecodeSyncMessage: %w", err)
	}
	switch msg.Type {
	case crdt.MessageSyncStep1:
		sess.Send(crdt.EncodeSyncStep2(rm.doc.Diff(msg.StateVector)), true)
	case crdt.MessageSyncStep2, crdt.MessageUpdate:
		accepted := rm.doc.ApplyUpdate(msg.Update, crdt.OriginLocal)
		if accepted.IsEmpty() {
			return nil
		}
		rm.dirty = true
		rm.broadcast(frame, true, sessionID)
	}
	return nil
}

// handleControlFrame processes one text frame from a session. The sharing
// control messages are intercepted; everything else is treated as an
// application message and relayed to the room's other sessions verbatim.
func (rm *room) handleControlFrame(ctx context.Context, sessionID string, frame []byte) (controlResult, error) {
	var result controlResult
	sess, ok := rm.sessions[sessionID]
	if !ok {
		return result, fmt.Errorf("no session %q in room %q", sessionID, rm.roomID)
	}
	if !gjson.ValidBytes(frame) {
		rm.broadcast(frame, false, sessionID)
		return result, nil
	}

	switch gjson.GetBytes(frame, "type").Str {
	case "add-shared-reference":
		ref := gjson.GetBytes(frame, "reference")
		sourceRoomID, err := roomid.Normalize(ref.Get("domain").Str, ref.Get("path").Str)
		if err != nil {
			logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Dropping shared reference with invalid source")
			return result, nil
		}
		elementID := ref.Get("elementId").Str
		existing, known := rm.sharedRefs[sourceRoomID]
		subscribes := rm.attachSharing(ctx, []api.SharedRef{{
			SourceRoomID: sourceRoomID,
			ElementIDs:   []string{elementID},
		}}, nil)
		// Only a reference that actually grew needs a new subscription; the
		// regular attach path renews the existing ones.
		if !known || !containsID(existing.ElementIDs, elementID) {
			result.subscribes = subscribes
		}

	case "register-shared-element":
		element := gjson.GetBytes(frame, "element")
		result.fanout = rm.registerSharedElement(ctx, element.Get("elementId").Str, api.Permission(element.Get("permissions").Str))

	case "export-permissions":
		var elementIDs []string
		for _, id := range gjson.GetBytes(frame, "elementIds").Array() {
			elementIDs = append(elementIDs, id.Str)
		}
		sess.Send(permissionsNotice(rm.exportPermissions(elementIDs)), false)

	default:
		rm.broadcast(frame, false, sessionID)
	}
	return result, nil
}

// registerSharedElement upserts one element's permission and, when
// subscribers already listed the element, pushes its current value to them
// so they don't wait for the next local write.
func (rm *room) registerSharedElement(ctx context.Context, elementID string, perm api.Permission) []api.FanoutTarget {
	if elementID == "" || !perm.Valid() {
		logrus.WithFields(logrus.Fields{
			"room_id":    rm.roomID,
			"element":    elementID,
			"permission": perm,
		}).Warn("Dropping shared element registration")
		return nil
	}
	rm.permissions[elementID] = perm
	if err := rm.r.DB.UpsertPermission(ctx, rm.roomID, elementID, perm); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to persist shared permission")
	}

	subtrees := rm.doc.Extract([]string{elementID})
	if subtrees.IsEmpty() {
		return nil
	}
	var fanout []api.FanoutTarget
	for _, sub := range rm.subscribers {
		if !containsID(sub.ElementIDs, elementID) {
			continue
		}
		fanout = append(fanout, api.FanoutTarget{Request: &api.ApplySubtreesRequest{
			RoomID:     sub.ConsumerRoomID,
			Subtrees:   subtrees,
			Sender:     rm.roomID,
			OriginKind: api.OriginKindSource,
			ResetEpoch: rm.resetEpoch,
		}})
	}
	return fanout
}

func (rm *room) exportPermissions(elementIDs []string) map[string]api.Permission {
	if len(elementIDs) == 0 {
		elementIDs = sortedIDs(rm.permissions)
	}
	subset := make(map[string]api.Permission, len(elementIDs))
	for _, elementID := range elementIDs {
		if perm, ok := rm.permissions[elementID]; ok {
			subset[elementID] = perm
		}
	}
	return subset
}

// performSubscribe registers or renews one consumer room's interest. The
// element set is replaced, not merged: the consumer's latest declaration is
// authoritative, otherwise removed references would pin elements forever.
func (rm *room) performSubscribe(ctx context.Context, req *api.SubscribeRequest, res *api.SubscribeResponse) {
	now := time.Now().UnixMilli()
	sub, ok := rm.subscribers[req.ConsumerRoomID]
	if !ok {
		sub = api.Subscriber{
			ConsumerRoomID: req.ConsumerRoomID,
			CreatedAt:      now,
			LeaseMS:        rm.r.Cfg.RoomServer.DefaultLeaseMS,
		}
	}
	sub.ElementIDs = append([]string(nil), req.ElementIDs...)
	sub.LastSeen = now
	rm.subscribers[req.ConsumerRoomID] = sub
	if err := rm.r.DB.UpsertSubscriber(ctx, rm.roomID, sub); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  rm.roomID,
			"consumer": req.ConsumerRoomID,
		}).Warn("Failed to persist subscriber")
	}
	rm.ensureAlarm(ctx, now+rm.r.Cfg.RoomServer.PruneIntervalMS)

	res.OK = true
	res.Subscribed = true
	res.ElementIDs = sub.ElementIDs
}

// performApplySubtrees is the receiving half of the bridge. The sender's
// registration determines the role: writes from a registered consumer are
// gated on element existence and read-write permission, pushes from a
// referenced source are gated on the reference's element list. Updates
// carrying an epoch older than the room's stored one are dropped outright;
// they were produced against a document generation an admin has since
// retired.
func (rm *room) performApplySubtrees(ctx context.Context, req *api.ApplySubtreesRequest, res *api.ApplySubtreesResponse) {
	if req.ResetEpoch < rm.resetEpoch {
		staleUpdatesTotal.Inc()
		logrus.WithFields(logrus.Fields{
			"room_id":      rm.roomID,
			"sender":       req.Sender,
			"update_epoch": req.ResetEpoch,
			"stored_epoch": rm.resetEpoch,
		}).Warn("Dropping bridge update from a stale document generation")
		return
	}

	_, isSubscriber := rm.subscribers[req.Sender]
	ref, isReference := rm.sharedRefs[req.Sender]
	switch {
	case isSubscriber && req.OriginKind == api.OriginKindConsumer:
		// This room is the source; a consumer wrote one of our elements back.
		filtered := req.Subtrees.Filter(func(tag, elementID string) bool {
			return rm.doc.Has(tag, elementID) && rm.permissions[elementID] == api.PermissionReadWrite
		})
		if filtered.IsEmpty() {
			return
		}
		update := rm.doc.Transact(crdt.OriginFromConsumer, func(t *crdt.Txn) {
			t.Assign(filtered)
		})
		if update.IsEmpty() {
			return
		}
		rm.dirty = true
		rm.broadcast(crdt.EncodeUpdate(update), true, "")
		res.Applied = true
		rm.collectFanout(req.Sender, updateElementIDs(update), res)

	case isReference && req.OriginKind == api.OriginKindSource:
		// This room is a consumer; the source pushed fresh values.
		filtered := req.Subtrees.Filter(func(tag, elementID string) bool {
			return containsID(ref.ElementIDs, elementID)
		})
		if filtered.IsEmpty() {
			return
		}
		update := rm.doc.Transact(crdt.OriginFromSource, func(t *crdt.Txn) {
			t.Assign(filtered)
		})
		if update.IsEmpty() {
			return
		}
		rm.dirty = true
		rm.broadcast(crdt.EncodeUpdate(update), true, "")
		res.Applied = true

	default:
		logrus.WithFields(logrus.Fields{
			"room_id":     rm.roomID,
			"sender":      req.Sender,
			"origin_kind": req.OriginKind,
		}).Debug("Ignoring bridge update from unregistered sender")
	}
}

// collectFanout queues the mirror deliveries a consumer write owes the other
// subscribers. The values are extracted after the merge so everyone receives
// the document's actual state, not the sender's proposal.
func (rm *room) collectFanout(sender string, changedIDs []string, res *api.ApplySubtreesResponse) {
	for consumerID, other := range rm.subscribers {
		if consumerID == sender {
			continue
		}
		wanted := intersectIDs(changedIDs, other.ElementIDs)
		if len(wanted) == 0 {
			continue
		}
		subtrees := rm.doc.Extract(wanted)
		if subtrees.IsEmpty() {
			continue
		}
		res.Fanout = append(res.Fanout, api.FanoutTarget{Request: &api.ApplySubtreesRequest{
			RoomID:     consumerID,
			Subtrees:   subtrees,
			Sender:     rm.roomID,
			OriginKind: api.OriginKindSource,
			ResetEpoch: rm.resetEpoch,
		}})
	}
}

func (rm *room) queryBridgeState(req *api.QueryBridgeStateRequest, res *api.QueryBridgeStateResponse) {
	res.Subscribers = make([]api.Subscriber, 0, len(rm.subscribers))
	for _, id := range sortedIDs(rm.subscribers) {
		res.Subscribers = append(res.Subscribers, rm.subscribers[id])
	}
	res.SharedRefs = make([]api.SharedRef, 0, len(rm.sharedRefs))
	for _, id := range sortedIDs(rm.sharedRefs) {
		res.SharedRefs = append(res.SharedRefs, rm.sharedRefs[id])
	}
	res.Permissions = make(map[string]api.Permission, len(rm.permissions))
	for elementID, perm := range rm.permissions {
		res.Permissions[elementID] = perm
	}
	res.ResetEpoch = rm.resetEpoch
	if len(req.ElementIDs) > 0 {
		res.Subtrees = rm.doc.Extract(req.ElementIDs)
	}
}

// ensureAlarm arms the prune alarm, moving it only towards the present: a
// later request never postpones an earlier one.
func (rm *room) ensureAlarm(ctx context.Context, at int64) {
	if rm.alarmAt != 0 && rm.alarmAt <= at {
		return
	}
	rm.alarmAt = at
	if err := rm.r.DB.SetAlarm(ctx, rm.roomID, at); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to persist prune alarm")
	}
	rm.armAlarmTimer(at)
}

func (rm *room) armAlarmTimer(at int64) {
	if rm.alarmTimer != nil {
		rm.alarmTimer.Stop()
	}
	delay := time.Until(time.UnixMilli(at))
	if delay < 0 {
		delay = 0
	}
	rm.alarmTimer = time.AfterFunc(delay, func() {
		rm.Act(nil, rm.onAlarm)
	})
}

// onAlarm prunes bridge registrations whose lease ran out and re-arms the
// alarm while anything is left to watch.
func (rm *room) onAlarm() {
	ctx := rm.r.ProcessContext.Context()
	now := time.Now().UnixMilli()
	rm.alarmAt = 0
	defaultLease := rm.r.Cfg.RoomServer.DefaultLeaseMS

	prunedSubs := 0
	for id, sub := range rm.subscribers {
		lease := sub.LeaseMS
		if lease <= 0 {
			lease = defaultLease
		}
		if sub.LastSeen+lease < now {
			delete(rm.subscribers, id)
			prunedSubs++
		}
	}
	if _, err := rm.r.DB.PruneSubscribers(ctx, rm.roomID, now); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to prune subscribers")
	}

	prunedRefs := 0
	for id, ref := range rm.sharedRefs {
		if ref.LastSeen+defaultLease < now {
			delete(rm.sharedRefs, id)
			prunedRefs++
		}
	}
	if _, err := rm.r.DB.PruneSharedRefs(ctx, rm.roomID, now, defaultLease); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to prune shared references")
	}

	if prunedSubs > 0 || prunedRefs > 0 {
		prunedLeasesTotal.WithLabelValues("subscribers").Add(float64(prunedSubs))
		prunedLeasesTotal.WithLabelValues("shared_refs").Add(float64(prunedRefs))
		logrus.WithFields(logrus.Fields{
			"room_id":     rm.roomID,
			"subscribers": prunedSubs,
			"shared_refs": prunedRefs,
		}).Info("Pruned expired bridge registrations")
	}

	if len(rm.subscribers) > 0 || len(rm.sharedRefs) > 0 {
		rm.ensureAlarm(ctx, now+rm.r.Cfg.RoomServer.PruneIntervalMS)
	} else if err := rm.r.DB.SetAlarm(ctx, rm.roomID, 0); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to disarm prune alarm")
	}
}

// autosaveLoop persists dirty documents on a fixed cadence, plus once more on
// shutdown. It checks the reset latch before entering the actor so a latched
// room costs nothing per tick.
func (rm *room) autosaveLoop(interval time.Duration) {
	ctx := rm.r.ProcessContext.Context()
	rm.r.ProcessContext.ComponentStarted()
	defer rm.r.ProcessContext.ComponentFinished()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stop:
			return
		case <-ctx.Done():
			phony.Block(rm, func() {
				rm.saveIfDirty(context.Background())
			})
			return
		case <-ticker.C:
			if rm.skipSave.Load() {
				continue
			}
			phony.Block(rm, func() {
				rm.saveIfDirty(ctx)
			})
		}
	}
}

// saveIfDirty persists the document unless the reset latch is held or the
// stored epoch has moved past this document's generation, which means some
// other path replaced the room since we loaded it.
func (rm *room) saveIfDirty(ctx context.Context) {
	if !rm.dirty || rm.skipSave.Load() {
		return
	}
	stored, found, err := rm.r.DB.GetStoredResetEpoch(ctx, rm.roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Warn("Failed to read stored reset epoch, keeping document dirty")
		autosavesTotal.WithLabelValues("failed").Inc()
		return
	}
	if found && rm.doc.Epoch() < stored {
		logrus.WithFields(logrus.Fields{
			"room_id":      rm.roomID,
			"doc_epoch":    rm.doc.Epoch(),
			"stored_epoch": stored,
		}).Warn("Skipping autosave for a stale document generation")
		autosavesTotal.WithLabelValues("stale").Inc()
		return
	}
	snapshot := rm.doc.EncodeSnapshot()
	if err := rm.r.DB.UpsertDocument(ctx, rm.roomID, snapshot); err != nil {
		logrus.WithError(err).WithField("room_id", rm.roomID).Error("Failed to autosave document")
		autosavesTotal.WithLabelValues("failed").Inc()
		return
	}
	rm.dirty = false
	autosavesTotal.WithLabelValues("saved").Inc()
}

func (rm *room) forceSave(ctx context.Context) (int, error) {
	snapshot := rm.doc.EncodeSnapshot()
	if err := rm.r.DB.UpsertDocument(ctx, rm.roomID, snapshot); err != nil {
		return 0, fmt.Errorf("d.DB.UpsertDocument: %w", err)
	}
	rm.dirty = false
	return len(snapshot), nil
}

// forceReload folds the stored snapshot back into the live document under
// last-writer-wins rules. Live writes newer than the snapshot survive.
func (rm *room) forceReload(ctx context.Context) (*api.ForceReloadResponse, error) {
	res := &api.ForceReloadResponse{}
	blob, found, err := rm.r.DB.SelectDocument(ctx, rm.roomID)
	if err != nil {
		return nil, fmt.Errorf("d.DB.SelectDocument: %w", err)
	}
	if !found {
		return res, nil
	}
	stored, err := decodeDocument(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding stored document: %w", err)
	}
	update := rm.doc.Merge(stored, crdt.OriginLocal)
	res.Reloaded = true
	res.Accepted = len(update.Nodes)
	if !update.IsEmpty() {
		rm.dirty = true
		rm.broadcast(crdt.EncodeUpdate(update), true, "")
	}
	if stored.Epoch() > rm.resetEpoch {
		rm.resetEpoch = stored.Epoch()
	}
	return res, nil
}

// hardReset rebuilds the room's document without its CRDT history. The save
// latch is held for the whole operation plus a settle delay, so a stale
// autosave cannot resurrect the old generation, and it is released by the
// deferred finalizer even when the reset fails partway.
func (rm *room) hardReset(ctx context.Context) (*api.HardResetResponse, error) {
	rm.skipSave.Store(true)
	defer rm.settleAndRelease()

	newEpoch := time.Now().UnixMilli()
	fresh := crdt.NewFromPlain(rm.doc.ToPlain(), newEpoch)
	snapshot := fresh.EncodeSnapshot()
	if err := rm.r.DB.ReplaceDocument(ctx, rm.roomID, snapshot, newEpoch); err != nil {
		return nil, fmt.Errorf("d.DB.ReplaceDocument: %w", err)
	}

	rm.adoptDoc(fresh)
	rm.resetEpoch = newEpoch
	rm.dirty = false

	kicked := rm.noticeAndKickAll(newEpoch, api.CloseReasonReset)
	logrus.WithFields(logrus.Fields{
		"room_id":     rm.roomID,
		"reset_epoch": newEpoch,
		"connections": kicked,
	}).Info("Hard reset room document")

	return &api.HardResetResponse{
		ResetEpoch:  newEpoch,
		Size:        len(snapshot),
		Connections: kicked,
	}, nil
}

// restoreDocument replaces the room's document with an operator-supplied
// snapshot. BumpEpoch stamps a fresh epoch; without it the snapshot's own
// epoch is adopted, which deliberately allows an operator to roll a room
// back to an older generation.
func (rm *room) restoreDocument(ctx context.Context, snapshot []byte, bumpEpoch bool) (*api.RestoreDocumentResponse, error) {
	rm.skipSave.Store(true)
	defer rm.settleAndRelease()

	restored, err := crdt.DecodeSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("crdt.DecodeSnapshot: %w", err)
	}
	epoch := restored.Epoch()
	if bumpEpoch {
		epoch = time.Now().UnixMilli()
		restored.SetEpoch(epoch)
	}
	blob := restored.EncodeSnapshot()
	if err := rm.r.DB.ReplaceDocument(ctx, rm.roomID, blob, epoch); err != nil {
		return nil, fmt.Errorf("d.DB.ReplaceDocument: %w", err)
	}

	rm.adoptDoc(restored)
	rm.resetEpoch = epoch
	rm.dirty = false

	kicked := rm.noticeAndKickAll(epoch, api.CloseReasonRestored)
	logrus.WithFields(logrus.Fields{
		"room_id":     rm.roomID,
		"reset_epoch": epoch,
		"connections": kicked,
	}).Info("Restored room document from snapshot")

	return &api.RestoreDocumentResponse{ResetEpoch: epoch}, nil
}

// settleAndRelease holds the reset latch for the configured settle delay and
// then releases it. Sleeping here freezes the actor, which is the point:
// nothing touches the room until in-flight work has drained against the new
// generation.
func (rm *room) settleAndRelease() {
	time.Sleep(rm.r.Cfg.RoomServer.ResetSettleDelay())
	rm.skipSave.Store(false)
}

// shutdownForPurge stops the room's own activity: the save latch is taken
// for good, the prune alarm is stopped and every session is kicked. The
// caller removes the actor from the room table afterwards; the latch covers
// the window until then.
func (rm *room) shutdownForPurge() int {
	rm.skipSave.Store(true)
	rm.dirty = false
	if rm.alarmTimer != nil {
		rm.alarmTimer.Stop()
	}
	kicked := len(rm.sessions)
	for id, sess := range rm.sessions {
		sess.Kick(api.CloseRoomReset, api.CloseReasonPurged)
		delete(rm.sessions, id)
	}
	return kicked
}

// noticeAndKickAll tells every session the document was replaced, closes
// them, and empties the session table. Clients reconnect and resync against
// the new generation.
func (rm *room) noticeAndKickAll(epoch int64, reason string) int {
	notice := resetNotice(epoch)
	kicked := len(rm.sessions)
	for id, sess := range rm.sessions {
		sess.Send(notice, false)
		sess.Kick(api.CloseRoomReset, reason)
		delete(rm.sessions, id)
	}
	return kicked
}

// broadcast sends a frame to every session except the named one. Sessions
// that cannot keep up are dropped rather than allowed to stall the room.
func (rm *room) broadcast(data []byte, binary bool, except string) {
	for id, sess := range rm.sessions {
		if id == except {
			continue
		}
		if !sess.Send(data, binary) {
			delete(rm.sessions, id)
			sess.Kick(api.CloseSlowConsumer, api.CloseReasonSlowConsumer)
			logrus.WithFields(logrus.Fields{
				"room_id":    rm.roomID,
				"session_id": id,
			}).Warn("Dropped session with a full send queue")
		}
	}
}

func resetNotice(epoch int64) []byte {
	notice := []byte(`{"type":"room-reset"}`)
	notice, _ = sjson.SetBytes(notice, "timestamp", time.Now().UnixMilli())
	notice, _ = sjson.SetBytes(notice, "resetEpoch", epoch)
	return notice
}

func permissionsNotice(perms map[string]api.Permission) []byte {
	notice := []byte(`{"type":"permissions"}`)
	for _, elementID := range sortedIDs(perms) {
		notice, _ = sjson.SetBytes(notice, "permissions."+escapeJSONPath(elementID), string(perms[elementID]))
	}
	if len(perms) == 0 {
		notice, _ = sjson.SetRawBytes(notice, "permissions", []byte("{}"))
	}
	return notice
}
