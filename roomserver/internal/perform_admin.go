// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

// QueryRoomInspect implements api.AdminRoomserverAPI. The document side is
// read from storage rather than the live actor, so an operator sees what
// would survive a restart; the connection count is the only live-only datum.
func (r *RoomserverInternalAPI) QueryRoomInspect(
	ctx context.Context, req *api.InspectRequest, res *api.InspectResponse,
) error {
	blob, found, err := r.DB.SelectDocument(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectDocument: %w", err)
	}
	if found {
		doc, err := decodeDocument(blob)
		if err != nil {
			return fmt.Errorf("decoding stored document for %q: %w", req.RoomID, err)
		}
		res.Play = doc.ToPlain()
	}

	subscribers, err := r.DB.SelectSubscribers(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectSubscribers: %w", err)
	}
	sharedRefs, err := r.DB.SelectSharedRefs(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectSharedRefs: %w", err)
	}
	permissions, err := r.DB.SelectPermissions(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectPermissions: %w", err)
	}
	redirects, err := r.DB.SelectRedirectsTo(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectRedirectsTo: %w", err)
	}
	meta, _, err := r.DB.SelectRoomMeta(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectRoomMeta: %w", err)
	}

	res.Found = found || len(subscribers) > 0 || len(sharedRefs) > 0 || len(permissions) > 0
	res.Subscribers = subscribers
	res.SharedRefs = sharedRefs
	res.Permissions = permissions
	res.Redirects = redirects
	res.ResetEpoch = meta.ResetEpoch

	if rm := r.liveRoom(req.RoomID); rm != nil {
		phony.Block(rm, func() {
			res.Connections = len(rm.sessions)
			// The actor may be ahead of the meta row between autosaves.
			if rm.resetEpoch > res.ResetEpoch {
				res.ResetEpoch = rm.resetEpoch
			}
		})
	}
	return nil
}

// QueryRawDocument implements api.AdminRoomserverAPI. The stored column is
// returned verbatim so an operator can archive it and later feed it back to
// PerformRestoreDocument.
func (r *RoomserverInternalAPI) QueryRawDocument(
	ctx context.Context, req *api.RawDocumentRequest, res *api.RawDocumentResponse,
) error {
	document, createdAt, found, err := r.DB.SelectRawDocument(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectRawDocument: %w", err)
	}
	if !found {
		return nil
	}
	res.Found = true
	res.Document = document
	res.CreatedAt = createdAt
	res.Size = len(document)
	return nil
}

// QueryLiveCompare implements api.AdminRoomserverAPI. It diffs the stored
// snapshot against the resident document key by key, the cheap way to spot a
// room that stopped autosaving.
func (r *RoomserverInternalAPI) QueryLiveCompare(
	ctx context.Context, req *api.LiveCompareRequest, res *api.LiveCompareResponse,
) error {
	var storedPlay map[string]map[string]crdt.Value
	blob, found, err := r.DB.SelectDocument(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectDocument: %w", err)
	}
	if found {
		doc, err := decodeDocument(blob)
		if err != nil {
			return fmt.Errorf("decoding stored document for %q: %w", req.RoomID, err)
		}
		storedPlay = doc.ToPlain()
	}

	var livePlay map[string]map[string]crdt.Value
	if rm := r.liveRoom(req.RoomID); rm != nil {
		res.LiveLoaded = true
		phony.Block(rm, func() {
			livePlay = rm.doc.ToPlain()
		})
	}

	res.StoredKeys = plainKeys(storedPlay)
	res.LiveKeys = plainKeys(livePlay)
	res.MissingInLive = missingKeys(storedPlay, livePlay)
	res.MissingInStored = missingKeys(livePlay, storedPlay)
	res.Equal = res.LiveLoaded &&
		len(res.MissingInLive) == 0 && len(res.MissingInStored) == 0 &&
		plainValuesEqual(storedPlay, livePlay)
	return nil
}

func plainKeys(play map[string]map[string]crdt.Value) []string {
	keys := make([]string, 0, len(play))
	for tag, elements := range play {
		for elementID := range elements {
			keys = append(keys, tag+"/"+elementID)
		}
	}
	sort.Strings(keys)
	return keys
}

func missingKeys(from, in map[string]map[string]crdt.Value) []string {
	var missing []string
	for tag, elements := range from {
		for elementID := range elements {
			if _, ok := in[tag][elementID]; !ok {
				missing = append(missing, tag+"/"+elementID)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func plainValuesEqual(a, b map[string]map[string]crdt.Value) bool {
	for tag, elements := range a {
		for elementID, value := range elements {
			other, ok := b[tag][elementID]
			if !ok || !value.Equal(other) {
				return false
			}
		}
	}
	return true
}

// PerformRemoveSubscriber implements api.AdminRoomserverAPI.
func (r *RoomserverInternalAPI) PerformRemoveSubscriber(
	ctx context.Context, req *api.RemoveSubscriberRequest, res *api.RemoveSubscriberResponse,
) error {
	if rm := r.liveRoom(req.RoomID); rm != nil {
		phony.Block(rm, func() {
			delete(rm.subscribers, req.ConsumerRoomID)
		})
	}
	removed, err := r.DB.RemoveSubscriber(ctx, req.RoomID, req.ConsumerRoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RemoveSubscriber: %w", err)
	}
	res.Removed = int(removed)
	logrus.WithFields(logrus.Fields{
		"room_id":  req.RoomID,
		"consumer": req.ConsumerRoomID,
		"removed":  res.Removed,
	}).Info("Admin removed subscriber")
	return nil
}

// PerformForceSave implements api.AdminRoomserverAPI.
func (r *RoomserverInternalAPI) PerformForceSave(
	ctx context.Context, req *api.ForceSaveRequest, res *api.ForceSaveResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	var size int
	phony.Block(rm, func() {
		size, err = rm.forceSave(ctx)
	})
	if err != nil {
		return err
	}
	res.Saved = true
	res.Size = size
	return nil
}

// PerformForceReload implements api.AdminRoomserverAPI.
func (r *RoomserverInternalAPI) PerformForceReload(
	ctx context.Context, req *api.ForceReloadRequest, res *api.ForceReloadResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	var reloaded *api.ForceReloadResponse
	phony.Block(rm, func() {
		reloaded, err = rm.forceReload(ctx)
	})
	if err != nil {
		return err
	}
	*res = *reloaded
	return nil
}

// PerformHardReset implements api.AdminRoomserverAPI. The call returns only
// after the settle delay, so by the time the operator sees a response the
// room is saving again.
func (r *RoomserverInternalAPI) PerformHardReset(
	ctx context.Context, req *api.HardResetRequest, res *api.HardResetResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	var reset *api.HardResetResponse
	phony.Block(rm, func() {
		reset, err = rm.hardReset(ctx)
	})
	if err != nil {
		return err
	}
	*res = *reset
	return nil
}

// PerformRestoreDocument implements api.AdminRoomserverAPI.
func (r *RoomserverInternalAPI) PerformRestoreDocument(
	ctx context.Context, req *api.RestoreDocumentRequest, res *api.RestoreDocumentResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	var restored *api.RestoreDocumentResponse
	phony.Block(rm, func() {
		restored, err = rm.restoreDocument(ctx, req.Snapshot, req.BumpEpoch)
	})
	if err != nil {
		return err
	}
	*res = *restored
	return nil
}

// PerformSetRedirect implements api.AdminRoomserverAPI. The canonical target
// must have a stored document, so a redirect can never point into the void;
// force-save the room first if it only lives in memory. Sessions already on
// the old name keep their connection; only new lookups follow the redirect.
func (r *RoomserverInternalAPI) PerformSetRedirect(
	ctx context.Context, req *api.SetRedirectRequest, res *api.SetRedirectResponse,
) error {
	oldName, err := roomid.NormalizeID(req.FromRoomID)
	if err != nil {
		return fmt.Errorf("roomid.NormalizeID: %w", err)
	}
	if oldName == req.RoomID {
		return fmt.Errorf("%w: room %q cannot redirect to itself", roomid.ErrInvalidRoomID, oldName)
	}
	_, found, err := r.DB.SelectDocument(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectDocument: %w", err)
	}
	if !found {
		return nil
	}
	if err := r.DB.UpsertRoomRedirect(ctx, api.RoomRedirect{
		OldName:   oldName,
		NewName:   req.RoomID,
		CreatedAt: time.Now().UnixMilli(),
		Migrated:  req.Migrated,
	}); err != nil {
		return fmt.Errorf("r.DB.UpsertRoomRedirect: %w", err)
	}
	// Earlier lookups may have cached the old name resolving to itself.
	r.Resolver.Invalidate(oldName)

	res.Found = true
	res.OldName = oldName
	res.NewName = req.RoomID
	logrus.WithFields(logrus.Fields{
		"old_name": oldName,
		"new_name": req.RoomID,
	}).Info("Admin set room redirect")
	return nil
}

// PerformPurgeRoom implements api.AdminRoomserverAPI. The live actor, if any,
// is latched and kicked before the rows go, so a racing autosave cannot write
// the document back; redirects pointing at the room are deleted with it and
// their cached resolutions dropped.
func (r *RoomserverInternalAPI) PerformPurgeRoom(
	ctx context.Context, req *api.PurgeRoomRequest, res *api.PurgeRoomResponse,
) error {
	redirects, err := r.DB.SelectRedirectsTo(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectRedirectsTo: %w", err)
	}
	if rm := r.liveRoom(req.RoomID); rm != nil {
		phony.Block(rm, func() {
			res.Connections = rm.shutdownForPurge()
		})
	}
	res.DocumentDeleted, res.RedirectsDeleted, err = r.DB.PurgeRoom(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.PurgeRoom: %w", err)
	}
	r.evictRoom(req.RoomID)
	r.cancelStorageAlarm(req.RoomID)

	r.Resolver.Invalidate(req.RoomID)
	for _, redirect := range redirects {
		r.Resolver.Invalidate(redirect.OldName)
	}

	logrus.WithFields(logrus.Fields{
		"room_id":     req.RoomID,
		"document":    res.DocumentDeleted,
		"redirects":   res.RedirectsDeleted,
		"connections": res.Connections,
	}).Info("Purged room")
	return nil
}
