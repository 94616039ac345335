// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing registers the room-to-room RPC endpoint. Peers, and the
// self-loop when two rooms share a process, POST JSON RPC bodies to
// /room/{roomID}; the action field selects the operation.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	bridgeapi "github.com/spencerc99/playhtml-sub002/bridgeapi/api"
	"github.com/spencerc99/playhtml-sub002/bridgeapi/internal"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// RPC bodies are small CRDT subtrees; anything bigger than this is a bug or
// abuse.
const maxRPCBodySize = 16 << 20

// RoomserverAPI is the part of the room coordinator the RPC endpoint drives.
type RoomserverAPI interface {
	rsapi.RoomResolverAPI
	rsapi.BridgeRoomserverAPI
}

// Setup registers the bridge RPC handler on the public room mux. The mux
// keeps paths encoded, so the {roomID} variable arrives still
// percent-encoded and resolution decodes it exactly once.
func Setup(roomMux *mux.Router, cfg *config.PlaySync, rsAPI RoomserverAPI, sender *internal.Sender) {
	rateLimits := httputil.NewRateLimits(&cfg.Global.RateLimiting)
	rpcHandler := httputil.MakeExternalAPI("bridge_rpc", func(req *http.Request) util.JSONResponse {
		if r := rateLimits.Limit(req); r != nil {
			return *r
		}
		vars := mux.Vars(req)
		return handleRPC(req, rsAPI, sender, vars["roomID"])
	})
	roomMux.Handle("/{roomID}", rpcHandler).Methods(http.MethodPost, http.MethodOptions)
}

func handleRPC(req *http.Request, rsAPI RoomserverAPI, sender *internal.Sender, rawRoomID string) util.JSONResponse {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRPCBodySize+1))
	if err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_request", "failed to read request body")
	}
	if len(body) > maxRPCBodySize {
		return httputil.ErrorResponse(http.StatusRequestEntityTooLarge, "too_large", "RPC body exceeds the size limit")
	}
	if !gjson.ValidBytes(body) {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", "request body is not valid JSON")
	}

	var resolved rsapi.ResolveRoomResponse
	if err := rsAPI.QueryResolveRoom(req.Context(), &rsapi.ResolveRoomRequest{RawName: rawRoomID}, &resolved); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "invalid_room", err.Error())
	}

	action := gjson.GetBytes(body, "action").Str
	switch action {
	case bridgeapi.ActionSubscribe:
		return handleSubscribe(req.Context(), rsAPI, resolved.RoomID, body)
	case bridgeapi.ActionExportPermissions:
		return handleExportPermissions(req.Context(), rsAPI, resolved.RoomID, body)
	case bridgeapi.ActionApplySubtrees:
		return handleApplySubtrees(req.Context(), rsAPI, sender, resolved.RoomID, body)
	default:
		return httputil.ErrorResponse(http.StatusBadRequest, "unknown_action", fmt.Sprintf("unknown RPC action %q", action))
	}
}

func handleSubscribe(ctx context.Context, rsAPI RoomserverAPI, roomID string, body []byte) util.JSONResponse {
	var rpc bridgeapi.SubscribeRPC
	if err := json.Unmarshal(body, &rpc); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", err.Error())
	}
	if rpc.ConsumerRoomID == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "consumerRoomId is required")
	}
	var res rsapi.SubscribeResponse
	if err := rsAPI.PerformSubscribe(ctx, &rsapi.SubscribeRequest{
		RoomID:         roomID,
		ConsumerRoomID: rpc.ConsumerRoomID,
		ElementIDs:     rpc.ElementIDs,
	}, &res); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("room_id", roomID).Error("PerformSubscribe failed")
		return httputil.ErrorResponse(http.StatusInternalServerError, "internal_error", "failed to register subscription")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: &res}
}

func handleExportPermissions(ctx context.Context, rsAPI RoomserverAPI, roomID string, body []byte) util.JSONResponse {
	var rpc bridgeapi.ExportPermissionsRPC
	if err := json.Unmarshal(body, &rpc); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", err.Error())
	}
	var res rsapi.QueryPermissionsResponse
	if err := rsAPI.QueryPermissions(ctx, &rsapi.QueryPermissionsRequest{
		RoomID:     roomID,
		ElementIDs: rpc.ElementIDs,
	}, &res); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("room_id", roomID).Error("QueryPermissions failed")
		return httputil.ErrorResponse(http.StatusInternalServerError, "internal_error", "failed to export permissions")
	}
	if res.Permissions == nil {
		res.Permissions = map[string]rsapi.Permission{}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: &bridgeapi.ExportPermissionsResponse{Permissions: res.Permissions}}
}

func handleApplySubtrees(ctx context.Context, rsAPI RoomserverAPI, sender *internal.Sender, roomID string, body []byte) util.JSONResponse {
	var rpc bridgeapi.ApplySubtreesRPC
	if err := json.Unmarshal(body, &rpc); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", err.Error())
	}
	if rpc.Sender == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "sender is required")
	}
	if rpc.OriginKind != rsapi.OriginKindSource && rpc.OriginKind != rsapi.OriginKindConsumer {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_origin_kind", fmt.Sprintf("unknown origin kind %q", rpc.OriginKind))
	}
	var res rsapi.ApplySubtreesResponse
	if err := rsAPI.PerformApplySubtrees(ctx, &rsapi.ApplySubtreesRequest{
		RoomID:     roomID,
		Subtrees:   rpc.Subtrees,
		Sender:     rpc.Sender,
		OriginKind: rpc.OriginKind,
		ResetEpoch: rpc.ResetEpoch,
	}, &res); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("room_id", roomID).Error("PerformApplySubtrees failed")
		return httputil.ErrorResponse(http.StatusInternalServerError, "internal_error", "failed to apply subtrees")
	}
	// A consumer write accepted by a source room owes the other subscribers
	// their mirror before the RPC returns.
	sender.DeliverFanout(ctx, res.Fanout)
	return util.JSONResponse{Code: http.StatusOK, JSON: &bridgeapi.ApplySubtreesResponse{
		OK:      true,
		Applied: res.Applied,
	}}
}
