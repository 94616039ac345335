// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Prune alarms survive restarts through the room meta table. Rooms that are
// resident run their alarm inside the actor; for everyone else the
// coordinator keeps a plain timer here and prunes straight against the
// database, so leases expire even in rooms nobody visits anymore.

func (r *RoomserverInternalAPI) rearmStoredAlarms() {
	ctx := r.ProcessContext.Context()
	alarms, err := r.DB.SelectArmedAlarms(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to load armed prune alarms")
		return
	}
	for _, meta := range alarms {
		r.armStorageAlarm(meta.RoomID, meta.AlarmAt)
	}
	if len(alarms) > 0 {
		logrus.WithField("alarms", len(alarms)).Info("Re-armed stored prune alarms")
	}
}

func (r *RoomserverInternalAPI) armStorageAlarm(roomID string, at int64) {
	r.alarmsMu.Lock()
	defer r.alarmsMu.Unlock()
	if timer, ok := r.storageAlarms[roomID]; ok {
		timer.Stop()
	}
	delay := time.Until(time.UnixMilli(at))
	if delay < 0 {
		delay = 0
	}
	r.storageAlarms[roomID] = time.AfterFunc(delay, func() {
		r.fireStorageAlarm(roomID)
	})
}

func (r *RoomserverInternalAPI) cancelStorageAlarm(roomID string) {
	r.alarmsMu.Lock()
	defer r.alarmsMu.Unlock()
	if timer, ok := r.storageAlarms[roomID]; ok {
		timer.Stop()
		delete(r.storageAlarms, roomID)
	}
}

func (r *RoomserverInternalAPI) fireStorageAlarm(roomID string) {
	r.alarmsMu.Lock()
	delete(r.storageAlarms, roomID)
	r.alarmsMu.Unlock()

	// The room may have been loaded since the timer was armed; its actor
	// owns the alarm then.
	if rm := r.liveRoom(roomID); rm != nil {
		rm.Act(nil, rm.onAlarm)
		return
	}

	ctx := r.ProcessContext.Context()
	now := time.Now().UnixMilli()
	prunedSubs, err := r.DB.PruneSubscribers(ctx, roomID, now)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to prune subscribers")
	}
	prunedRefs, err := r.DB.PruneSharedRefs(ctx, roomID, now, r.Cfg.RoomServer.DefaultLeaseMS)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to prune shared references")
	}
	if prunedSubs > 0 || prunedRefs > 0 {
		prunedLeasesTotal.WithLabelValues("subscribers").Add(float64(prunedSubs))
		prunedLeasesTotal.WithLabelValues("shared_refs").Add(float64(prunedRefs))
		logrus.WithFields(logrus.Fields{
			"room_id":     roomID,
			"subscribers": prunedSubs,
			"shared_refs": prunedRefs,
		}).Info("Pruned expired bridge registrations of unloaded room")
	}

	subscribers, err := r.DB.SelectSubscribers(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to count remaining subscribers")
		return
	}
	sharedRefs, err := r.DB.SelectSharedRefs(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to count remaining shared references")
		return
	}
	if len(subscribers) > 0 || len(sharedRefs) > 0 {
		next := now + r.Cfg.RoomServer.PruneIntervalMS
		if err := r.DB.SetAlarm(ctx, roomID, next); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to persist prune alarm")
		}
		r.armStorageAlarm(roomID, next)
		return
	}
	if err := r.DB.SetAlarm(ctx, roomID, 0); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to disarm prune alarm")
	}
}
