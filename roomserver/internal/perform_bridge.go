// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"

	"github.com/Arceliar/phony"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

// PerformSubscribe implements api.BridgeRoomserverAPI.
func (r *RoomserverInternalAPI) PerformSubscribe(
	ctx context.Context, req *api.SubscribeRequest, res *api.SubscribeResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	phony.Block(rm, func() {
		rm.performSubscribe(ctx, req, res)
	})
	return nil
}

// QueryPermissions implements api.BridgeRoomserverAPI. A room that is not
// resident is answered straight from the database; reading permissions is
// not a reason to spin an actor up.
func (r *RoomserverInternalAPI) QueryPermissions(
	ctx context.Context, req *api.QueryPermissionsRequest, res *api.QueryPermissionsResponse,
) error {
	if rm := r.liveRoom(req.RoomID); rm != nil {
		phony.Block(rm, func() {
			res.Permissions = rm.exportPermissions(req.ElementIDs)
		})
		return nil
	}
	stored, err := r.DB.SelectPermissions(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.SelectPermissions: %w", err)
	}
	if len(req.ElementIDs) == 0 {
		res.Permissions = stored
		return nil
	}
	res.Permissions = make(map[string]api.Permission, len(req.ElementIDs))
	for _, elementID := range req.ElementIDs {
		if perm, ok := stored[elementID]; ok {
			res.Permissions[elementID] = perm
		}
	}
	return nil
}

// PerformApplySubtrees implements api.BridgeRoomserverAPI. The target room is
// loaded if needed: mirrored values must land even when nobody is connected,
// or the next visitor would see the pre-write state.
func (r *RoomserverInternalAPI) PerformApplySubtrees(
	ctx context.Context, req *api.ApplySubtreesRequest, res *api.ApplySubtreesResponse,
) error {
	timer := prometheus.NewTimer(applySubtreesDuration)
	defer timer.ObserveDuration()

	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	phony.Block(rm, func() {
		rm.performApplySubtrees(ctx, req, res)
	})
	return nil
}

// QueryBridgeState implements api.BridgeRoomserverAPI.
func (r *RoomserverInternalAPI) QueryBridgeState(
	ctx context.Context, req *api.QueryBridgeStateRequest, res *api.QueryBridgeStateResponse,
) error {
	rm, err := r.getOrLoadRoom(req.RoomID)
	if err != nil {
		return fmt.Errorf("loading room %q: %w", req.RoomID, err)
	}
	phony.Block(rm, func() {
		rm.queryBridgeState(req, res)
	})
	return nil
}
