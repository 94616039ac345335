// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync serves the realtime side of a room: the websocket a playhtml
// client keeps open for CRDT sync frames and control messages.
package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/ip"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// Handler upgrades GET /room/{roomID} requests to sync websockets and
// attaches the resulting sessions to their rooms.
type Handler struct {
	processCtx *process.ProcessContext
	cfg        *config.SyncAPI
	rsAPI      api.SyncRoomserverAPI
	upgrader   websocket.Upgrader
	minVersion *semver.Constraints
}

func NewHandler(processCtx *process.ProcessContext, cfg *config.SyncAPI, rsAPI api.SyncRoomserverAPI) *Handler {
	registerMetrics()
	h := &Handler{
		processCtx: processCtx,
		cfg:        cfg,
		rsAPI:      rsAPI,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	if cfg.MinClientVersion != "" {
		constraint, err := semver.NewConstraint(cfg.MinClientVersion)
		if err != nil {
			// Verify() rejects this at startup; being here means the handler
			// was built from an unverified config, so just disable the gate.
			logrus.WithError(err).Warn("Ignoring unparseable sync_api.min_client_version")
		} else {
			h.minVersion = constraint
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	var resolved api.ResolveRoomResponse
	if err := h.rsAPI.QueryResolveRoom(req.Context(), &api.ResolveRoomRequest{RawName: vars["roomID"]}, &resolved); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room", err.Error())
		return
	}

	query := req.URL.Query()
	refs, err := parseSharedReferences(query.Get("sharedReferences"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_param", err.Error())
		return
	}
	elements, err := parseSharedElements(query.Get("sharedElements"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_param", err.Error())
		return
	}
	clientResetEpoch, err := parseClientResetEpoch(query.Get("clientResetEpoch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_param", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"room_id":   resolved.RoomID,
		"client_ip": ip.GetRemoteHeader(req, ""),
	})

	sess := newSession(h.processCtx.Context(), conn, resolved.RoomID, h.rsAPI, h.cfg.SendQueueSize, log)
	if err := h.rsAPI.PerformAttach(req.Context(), &api.AttachRequest{
		RoomID:           resolved.RoomID,
		Session:          sess,
		SharedReferences: refs,
		SharedElements:   elements,
		ClientResetEpoch: clientResetEpoch,
	}); err != nil {
		log.WithError(err).Error("Failed to attach session to room")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to attach"))
		_ = conn.Close()
		return
	}

	// The handshake frames are queued; an outdated client learns about it
	// right after them.
	if warning := h.versionWarning(query.Get("playhtmlVersion")); warning != nil {
		sess.Send(warning, false)
	}

	log.WithField("session_id", sess.SessionID()).Info("Client connected")
	activeConnections.Inc()
	defer activeConnections.Dec()
	sess.run()
}

// versionWarning returns the compatibility-warning frame for clients older
// than the configured constraint, nil when the client is fine or the gate is
// off. Unparseable client versions get the warning: they are either ancient
// or lying, and the frame is advisory either way.
func (h *Handler) versionWarning(clientVersion string) []byte {
	if h.minVersion == nil || clientVersion == "" {
		return nil
	}
	version, err := semver.NewVersion(clientVersion)
	if err == nil && h.minVersion.Check(version) {
		return nil
	}
	frame, _ := json.Marshal(map[string]string{
		"type":          "compatibility-warning",
		"minVersion":    h.cfg.MinClientVersion,
		"clientVersion": clientVersion,
	})
	return frame
}

type sharedReferenceParam struct {
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	ElementID string `json:"elementId"`
}

// parseSharedReferences groups the consumer-side interest declarations by
// their derived source room ID, preserving the order sources first appear.
func parseSharedReferences(raw string) ([]api.SharedRef, error) {
	if raw == "" {
		return nil, nil
	}
	var params []sharedReferenceParam
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("sharedReferences is not a JSON array: %w", err)
	}
	grouped := map[string][]string{}
	var order []string
	for _, param := range params {
		if param.ElementID == "" {
			continue
		}
		sourceRoomID, err := roomid.Normalize(param.Domain, param.Path)
		if err != nil {
			return nil, fmt.Errorf("shared reference names an invalid room %q %q: %w", param.Domain, param.Path, err)
		}
		if _, seen := grouped[sourceRoomID]; !seen {
			order = append(order, sourceRoomID)
		}
		grouped[sourceRoomID] = appendUnique(grouped[sourceRoomID], param.ElementID)
	}
	refs := make([]api.SharedRef, 0, len(order))
	for _, sourceRoomID := range order {
		refs = append(refs, api.SharedRef{
			SourceRoomID: sourceRoomID,
			ElementIDs:   grouped[sourceRoomID],
		})
	}
	return refs, nil
}

type sharedElementParam struct {
	ElementID   string         `json:"elementId"`
	Permissions api.Permission `json:"permissions"`
}

// parseSharedElements returns nil for an absent parameter. A present
// parameter, even an empty array, yields a non-nil map: connecting sources
// replace their room's stored permissions outright.
func parseSharedElements(raw string) (map[string]api.Permission, error) {
	if raw == "" {
		return nil, nil
	}
	var params []sharedElementParam
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("sharedElements is not a JSON array: %w", err)
	}
	perms := make(map[string]api.Permission, len(params))
	for _, param := range params {
		if param.ElementID == "" {
			continue
		}
		permission := param.Permissions
		if permission == "" {
			permission = api.PermissionReadOnly
		}
		if !permission.Valid() {
			return nil, fmt.Errorf("invalid permission %q for element %q", param.Permissions, param.ElementID)
		}
		perms[param.ElementID] = permission
	}
	return perms, nil
}

func parseClientResetEpoch(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("clientResetEpoch is not an integer")
	}
	return &epoch, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients don't send an Origin; the browser
			// same-origin machinery is what this check exists for.
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(httputil.ErrorBody{Error: errCode, Message: message})
}
