// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing registers the token-gated admin control plane under
// /room/{roomID}/admin/. Every operation resolves the encoded room ID the
// same way the sync and bridge endpoints do, so redirected legacy names hit
// the canonical room.
package routing

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/internal/tokenauth"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// Setup registers the admin endpoints on the public room mux. fts is nil
// when fulltext search is disabled; the search endpoint then reports itself
// unavailable.
func Setup(roomMux *mux.Router, cfg *config.PlaySync, rsAPI rsapi.AdminRoomserverAPI, fts *fulltext.Search) {
	verifier := tokenauth.NewVerifier(cfg.AdminAPI.Token, cfg.AdminAPI.TokenHash)
	rateLimits := httputil.NewRateLimits(&cfg.Global.RateLimiting)

	register := func(op string, methods []string, f func(*http.Request, string, rsapi.AdminRoomserverAPI) util.JSONResponse) {
		metricsName := "admin_" + strings.ReplaceAll(op, "-", "_")
		roomMux.Handle("/{roomID}/admin/"+op,
			httputil.MakeAdminAPI(metricsName, verifier, func(req *http.Request) util.JSONResponse {
				if r := rateLimits.Limit(req); r != nil {
					return *r
				}
				vars := mux.Vars(req)
				var resolved rsapi.ResolveRoomResponse
				if err := rsAPI.QueryResolveRoom(req.Context(), &rsapi.ResolveRoomRequest{RawName: vars["roomID"]}, &resolved); err != nil {
					return httputil.ErrorResponse(http.StatusBadRequest, "invalid_room", err.Error())
				}
				return f(req, resolved.RoomID, rsAPI)
			}),
		).Methods(append(methods, http.MethodOptions)...)
	}

	readWrite := []string{http.MethodGet, http.MethodPost}
	bodyOnly := []string{http.MethodPost}

	register("inspect", readWrite, inspectRoom)
	register("raw-data", readWrite, rawDocument)
	register("live-compare", readWrite, liveCompare)
	register("force-save-live", readWrite, forceSaveLive)
	register("force-reload-live", readWrite, forceReloadLive)
	register("hard-reset", readWrite, hardReset)
	register("remove-subscriber", bodyOnly, removeSubscriber)
	register("restore-raw", bodyOnly, restoreRaw)
	register("set-redirect", bodyOnly, setRedirect)

	// Purge addresses the name as stored, not the room it resolves to:
	// purging a legacy name removes its leftover rows without touching the
	// canonical room its redirect points at.
	roomMux.Handle("/{roomID}/admin/purge-room",
		httputil.MakeAdminAPI("admin_purge_room", verifier, func(req *http.Request) util.JSONResponse {
			if r := rateLimits.Limit(req); r != nil {
				return *r
			}
			roomID, err := roomid.NormalizeID(mux.Vars(req)["roomID"])
			if err != nil {
				return httputil.ErrorResponse(http.StatusBadRequest, "invalid_room", err.Error())
			}
			return purgeRoom(req, roomID, rsAPI)
		}),
	).Methods(http.MethodPost, http.MethodOptions)

	// Search spans rooms; the room in the path scopes auth, not results.
	roomMux.Handle("/{roomID}/admin/search",
		httputil.MakeAdminAPI("admin_search", verifier, func(req *http.Request) util.JSONResponse {
			if r := rateLimits.Limit(req); r != nil {
				return *r
			}
			return searchElements(req, fts)
		}),
	).Methods(http.MethodGet, http.MethodOptions)
}
