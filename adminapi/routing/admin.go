// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/matrix-org/util"

	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
)

func inspectRoom(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.InspectResponse
	if err := rsAPI.QueryRoomInspect(req.Context(), &rsapi.InspectRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	if !res.Found {
		return httputil.ErrorResponse(http.StatusNotFound, "not_found", "no play data for room")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func rawDocument(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.RawDocumentResponse
	if err := rsAPI.QueryRawDocument(req.Context(), &rsapi.RawDocumentRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	if !res.Found {
		return httputil.ErrorResponse(http.StatusNotFound, "not_found", "no stored document for room")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func liveCompare(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.LiveCompareResponse
	if err := rsAPI.QueryLiveCompare(req.Context(), &rsapi.LiveCompareRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func removeSubscriber(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var body struct {
		ConsumerRoomID string `json:"consumerRoomId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", "The request body could not be decoded into valid JSON: "+err.Error())
	}
	if body.ConsumerRoomID == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "consumerRoomId is required")
	}
	var res rsapi.RemoveSubscriberResponse
	if err := rsAPI.PerformRemoveSubscriber(req.Context(), &rsapi.RemoveSubscriberRequest{
		RoomID:         roomID,
		ConsumerRoomID: body.ConsumerRoomID,
	}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func forceSaveLive(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.ForceSaveResponse
	if err := rsAPI.PerformForceSave(req.Context(), &rsapi.ForceSaveRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func forceReloadLive(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.ForceReloadResponse
	if err := rsAPI.PerformForceReload(req.Context(), &rsapi.ForceReloadRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func hardReset(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.HardResetResponse
	if err := rsAPI.PerformHardReset(req.Context(), &rsapi.HardResetRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func restoreRaw(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var body struct {
		Base64Snapshot string `json:"base64Snapshot"`
		BumpEpoch      bool   `json:"bumpEpoch"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", "The request body could not be decoded into valid JSON: "+err.Error())
	}
	if body.Base64Snapshot == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "base64Snapshot is required")
	}
	snapshot, err := base64.StdEncoding.DecodeString(body.Base64Snapshot)
	if err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_snapshot", "base64Snapshot is not valid base64: "+err.Error())
	}
	var res rsapi.RestoreDocumentResponse
	if err := rsAPI.PerformRestoreDocument(req.Context(), &rsapi.RestoreDocumentRequest{
		RoomID:    roomID,
		Snapshot:  snapshot,
		BumpEpoch: body.BumpEpoch,
	}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

// setRedirect points a legacy room name at the room the request path
// resolved to. The target has to be saved already; redirecting to a room the
// store has never seen is refused.
func setRedirect(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var body struct {
		FromRoomID string `json:"fromRoomId"`
		Migrated   bool   `json:"migrated"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return httputil.ErrorResponse(http.StatusBadRequest, "bad_json", "The request body could not be decoded into valid JSON: "+err.Error())
	}
	if body.FromRoomID == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "fromRoomId is required")
	}
	var res rsapi.SetRedirectResponse
	err := rsAPI.PerformSetRedirect(req.Context(), &rsapi.SetRedirectRequest{
		RoomID:     roomID,
		FromRoomID: body.FromRoomID,
		Migrated:   body.Migrated,
	}, &res)
	switch {
	case errors.Is(err, roomid.ErrInvalidRoomID):
		return httputil.ErrorResponse(http.StatusBadRequest, "invalid_room", err.Error())
	case err != nil:
		return internalError(req, err)
	case !res.Found:
		return httputil.ErrorResponse(http.StatusNotFound, "not_found", "no stored document for the target room; force-save it first")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

// purgeRoom deletes everything stored under a name. Purging a name the store
// never held succeeds with nothing to report.
func purgeRoom(req *http.Request, roomID string, rsAPI rsapi.AdminRoomserverAPI) util.JSONResponse {
	var res rsapi.PurgeRoomResponse
	if err := rsAPI.PerformPurgeRoom(req.Context(), &rsapi.PurgeRoomRequest{RoomID: roomID}, &res); err != nil {
		return internalError(req, err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

type searchHit struct {
	RoomID    string   `json:"roomId"`
	Tag       string   `json:"tag"`
	ElementID string   `json:"elementId"`
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
}

type searchResponse struct {
	Total   uint64      `json:"total"`
	Results []searchHit `json:"results"`
}

// searchElements looks the query term up across the whole index. The room
// the endpoint was addressed under scopes authentication, not results;
// operators search to find which rooms hold a value.
func searchElements(req *http.Request, fts *fulltext.Search) util.JSONResponse {
	if fts == nil {
		return httputil.ErrorResponse(http.StatusNotFound, "unrecognized", "Search has been disabled by the server administrator.")
	}
	query := req.URL.Query()
	term := query.Get("q")
	if term == "" {
		return httputil.ErrorResponse(http.StatusBadRequest, "missing_param", "q is required")
	}
	limit := intParam(query.Get("limit"), 10)
	if limit > 100 {
		limit = 100
	}
	from := intParam(query.Get("from"), 0)

	result, err := fts.Search(term, nil, limit, from)
	if err != nil {
		return internalError(req, err)
	}

	res := searchResponse{Total: result.Total, Results: []searchHit{}}
	for _, hit := range result.Hits {
		res.Results = append(res.Results, searchHit{
			RoomID:    fieldString(hit.Fields, "RoomID"),
			Tag:       fieldString(hit.Fields, "Tag"),
			ElementID: fieldString(hit.Fields, "ElementID"),
			Score:     hit.Score,
			Fragments: hit.Fragments["Content"],
		})
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func internalError(req *http.Request, err error) util.JSONResponse {
	util.GetLogger(req.Context()).WithError(err).Error("admin operation failed")
	return httputil.ErrorResponse(http.StatusInternalServerError, "internal_error", err.Error())
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func fieldString(fields map[string]interface{}, key string) string {
	s, _ := fields[key].(string)
	return s
}
