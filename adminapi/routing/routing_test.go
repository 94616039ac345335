// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/spencerc99/playhtml-sub002/adminapi/routing"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/internal/tokenauth"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

type fakeRoomserver struct {
	inspects  map[string]*rsapi.InspectResponse
	raws      map[string]*rsapi.RawDocumentResponse
	resolveTo map[string]string
	removed   []rsapi.RemoveSubscriberRequest
	saved     []string
	reloaded  []string
	resets    []string
	restores  []rsapi.RestoreDocumentRequest
	redirects []rsapi.SetRedirectRequest
	purged    []string

	redirectTargetMissing bool
	failWith              error
}

func (f *fakeRoomserver) QueryResolveRoom(_ context.Context, req *rsapi.ResolveRoomRequest, res *rsapi.ResolveRoomResponse) error {
	roomID, err := roomid.NormalizeID(req.RawName)
	if err != nil {
		return err
	}
	if target, ok := f.resolveTo[roomID]; ok {
		res.RoomID = target
		res.RedirectFollowed = true
		return nil
	}
	res.RoomID = roomID
	return nil
}

func (f *fakeRoomserver) QueryRoomInspect(_ context.Context, req *rsapi.InspectRequest, res *rsapi.InspectResponse) error {
	if f.failWith != nil {
		return f.failWith
	}
	if state, ok := f.inspects[req.RoomID]; ok {
		*res = *state
	}
	return nil
}

func (f *fakeRoomserver) QueryRawDocument(_ context.Context, req *rsapi.RawDocumentRequest, res *rsapi.RawDocumentResponse) error {
	if state, ok := f.raws[req.RoomID]; ok {
		*res = *state
	}
	return nil
}

func (f *fakeRoomserver) QueryLiveCompare(_ context.Context, _ *rsapi.LiveCompareRequest, res *rsapi.LiveCompareResponse) error {
	res.LiveLoaded = true
	res.Equal = true
	res.StoredKeys = []string{"can-play/lamp"}
	res.LiveKeys = []string{"can-play/lamp"}
	return nil
}

func (f *fakeRoomserver) PerformRemoveSubscriber(_ context.Context, req *rsapi.RemoveSubscriberRequest, res *rsapi.RemoveSubscriberResponse) error {
	f.removed = append(f.removed, *req)
	res.Removed = 1
	return nil
}

func (f *fakeRoomserver) PerformForceSave(_ context.Context, req *rsapi.ForceSaveRequest, res *rsapi.ForceSaveResponse) error {
	f.saved = append(f.saved, req.RoomID)
	res.Saved = true
	res.Size = 64
	return nil
}

func (f *fakeRoomserver) PerformForceReload(_ context.Context, req *rsapi.ForceReloadRequest, res *rsapi.ForceReloadResponse) error {
	f.reloaded = append(f.reloaded, req.RoomID)
	res.Reloaded = true
	return nil
}

func (f *fakeRoomserver) PerformHardReset(_ context.Context, req *rsapi.HardResetRequest, res *rsapi.HardResetResponse) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.resets = append(f.resets, req.RoomID)
	res.ResetEpoch = 1700000000000
	res.Size = 32
	res.Connections = 2
	return nil
}

func (f *fakeRoomserver) PerformRestoreDocument(_ context.Context, req *rsapi.RestoreDocumentRequest, res *rsapi.RestoreDocumentResponse) error {
	f.restores = append(f.restores, *req)
	res.ResetEpoch = 1700000000001
	return nil
}

func (f *fakeRoomserver) PerformSetRedirect(_ context.Context, req *rsapi.SetRedirectRequest, res *rsapi.SetRedirectResponse) error {
	if f.failWith != nil {
		return f.failWith
	}
	oldName, err := roomid.NormalizeID(req.FromRoomID)
	if err != nil {
		return err
	}
	if f.redirectTargetMissing {
		return nil
	}
	f.redirects = append(f.redirects, *req)
	res.Found = true
	res.OldName = oldName
	res.NewName = req.RoomID
	return nil
}

func (f *fakeRoomserver) PerformPurgeRoom(_ context.Context, req *rsapi.PurgeRoomRequest, res *rsapi.PurgeRoomResponse) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.purged = append(f.purged, req.RoomID)
	res.DocumentDeleted = true
	res.RedirectsDeleted = 1
	res.Connections = 2
	return nil
}

func newAdminServer(t *testing.T, rs rsapi.AdminRoomserverAPI, cfg *config.PlaySync, fts *fulltext.Search) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.PlaySync{}
		cfg.AdminAPI.Token = "hunter2"
	}
	routers := httputil.NewRouters()
	routing.Setup(routers.Room, cfg, rs, fts)
	root := mux.NewRouter().SkipClean(true).UseEncodedPath()
	root.PathPrefix(httputil.PublicRoomPathPrefix).Handler(routers.Room)
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string, header http.Header) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for key, values := range header {
		req.Header[key] = values
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestAdminAuth(t *testing.T) {
	rs := &fakeRoomserver{inspects: map[string]*rsapi.InspectResponse{
		"example.com-%2Fgarden": {Found: true, ResetEpoch: 3},
	}}
	srv := newAdminServer(t, rs, nil, nil)
	target := srv.URL + "/room/example.com-%2Fgarden/admin/inspect"

	code, body := doRequest(t, http.MethodGet, target, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", gjson.GetBytes(body, "error").String())

	code, _ = doRequest(t, http.MethodGet, target+"?token=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doRequest(t, http.MethodGet, target+"?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doRequest(t, http.MethodGet, target, "", http.Header{"Authorization": {"Bearer hunter2"}})
	assert.Equal(t, http.StatusOK, code)
}

func TestAdminAuthTokenHash(t *testing.T) {
	hash, err := tokenauth.Hash("hunter2")
	require.NoError(t, err)
	cfg := &config.PlaySync{}
	cfg.AdminAPI.TokenHash = hash

	rs := &fakeRoomserver{inspects: map[string]*rsapi.InspectResponse{
		"example.com-%2F": {Found: true},
	}}
	srv := newAdminServer(t, rs, cfg, nil)
	target := srv.URL + "/room/example.com-%2F/admin/inspect"

	code, _ := doRequest(t, http.MethodGet, target+"?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doRequest(t, http.MethodGet, target+"?token=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdminInspect(t *testing.T) {
	rs := &fakeRoomserver{inspects: map[string]*rsapi.InspectResponse{
		"example.com-%2Fgarden": {
			Found:       true,
			ResetEpoch:  5,
			Connections: 2,
			Permissions: map[string]rsapi.Permission{"lamp": rsapi.PermissionReadWrite},
		},
	}}
	srv := newAdminServer(t, rs, nil, nil)

	// The raw name resolves before the lookup, so legacy spellings reach the
	// canonical room.
	code, body := doRequest(t, http.MethodGet,
		srv.URL+"/room/WWW.Example.com-%2Fgarden/admin/inspect?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "found").Bool())
	assert.EqualValues(t, 5, gjson.GetBytes(body, "resetEpoch").Int())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "connections").Int())
	assert.Equal(t, "read-write", gjson.GetBytes(body, "sharedPermissions.lamp").String())

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/empty.example-%2F/admin/inspect?token=hunter2", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "error").String())

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/undefined/admin/inspect?token=hunter2", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_room", gjson.GetBytes(body, "error").String())
}

func TestAdminRawData(t *testing.T) {
	rs := &fakeRoomserver{raws: map[string]*rsapi.RawDocumentResponse{
		"example.com-%2F": {Found: true, Document: "AQID", Size: 3, CreatedAt: 1700000000000},
	}}
	srv := newAdminServer(t, rs, nil, nil)

	code, body := doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/raw-data?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AQID", gjson.GetBytes(body, "document").String())
	assert.EqualValues(t, 3, gjson.GetBytes(body, "size").Int())

	code, _ = doRequest(t, http.MethodGet,
		srv.URL+"/room/other.example-%2F/admin/raw-data?token=hunter2", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminMutations(t *testing.T) {
	rs := &fakeRoomserver{}
	srv := newAdminServer(t, rs, nil, nil)

	code, body := doRequest(t, http.MethodPost,
		srv.URL+"/room/example.com-%2F/admin/remove-subscriber?token=hunter2",
		`{"consumerRoomId": "mirror.example-%2F"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, gjson.GetBytes(body, "removed").Int())
	require.Len(t, rs.removed, 1)
	assert.Equal(t, "mirror.example-%2F", rs.removed[0].ConsumerRoomID)

	code, body = doRequest(t, http.MethodPost,
		srv.URL+"/room/example.com-%2F/admin/remove-subscriber?token=hunter2", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_param", gjson.GetBytes(body, "error").String())

	// Mutations that carry a body reject GET outright.
	code, _ = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/remove-subscriber?token=hunter2", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/force-save-live?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "saved").Bool())
	assert.Equal(t, []string{"example.com-%2F"}, rs.saved)

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/force-reload-live?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "reloaded").Bool())

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/live-compare?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "equal").Bool())

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/hard-reset?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1700000000000, gjson.GetBytes(body, "resetEpoch").Int())
	assert.Equal(t, []string{"example.com-%2F"}, rs.resets)
}

func TestAdminRestoreRaw(t *testing.T) {
	rs := &fakeRoomserver{}
	srv := newAdminServer(t, rs, nil, nil)
	target := srv.URL + "/room/example.com-%2F/admin/restore-raw?token=hunter2"

	snapshot := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	code, body := doRequest(t, http.MethodPost, target,
		`{"base64Snapshot": "`+snapshot+`", "bumpEpoch": true}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1700000000001, gjson.GetBytes(body, "resetEpoch").Int())
	require.Len(t, rs.restores, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, rs.restores[0].Snapshot)
	assert.True(t, rs.restores[0].BumpEpoch)

	code, body = doRequest(t, http.MethodPost, target, `{"base64Snapshot": "!!!"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_snapshot", gjson.GetBytes(body, "error").String())

	code, body = doRequest(t, http.MethodPost, target, `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_param", gjson.GetBytes(body, "error").String())
}

func TestAdminSetRedirect(t *testing.T) {
	rs := &fakeRoomserver{}
	srv := newAdminServer(t, rs, nil, nil)
	target := srv.URL + "/room/example.com-%2Fnew/admin/set-redirect?token=hunter2"

	code, body := doRequest(t, http.MethodPost, target,
		`{"fromRoomId": "WWW.Example.com-/old/", "migrated": true}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "found").Bool())
	expected, err := roomid.NormalizeID("WWW.Example.com-/old/")
	require.NoError(t, err)
	assert.Equal(t, expected, gjson.GetBytes(body, "oldName").String())
	assert.Equal(t, "example.com-%2Fnew", gjson.GetBytes(body, "newName").String())
	require.Len(t, rs.redirects, 1)
	assert.Equal(t, "example.com-%2Fnew", rs.redirects[0].RoomID)
	assert.True(t, rs.redirects[0].Migrated)

	code, body = doRequest(t, http.MethodPost, target, `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_param", gjson.GetBytes(body, "error").String())

	code, body = doRequest(t, http.MethodPost, target, `{"fromRoomId": "undefined"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_room", gjson.GetBytes(body, "error").String())

	// Redirecting to a room the store does not hold is a 404, not a write.
	rs.redirectTargetMissing = true
	code, body = doRequest(t, http.MethodPost, target, `{"fromRoomId": "old.example-%2F"}`, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "error").String())
	assert.Len(t, rs.redirects, 1)
}

func TestAdminPurgeRoom(t *testing.T) {
	rs := &fakeRoomserver{
		resolveTo: map[string]string{"old.example-%2F": "new.example-%2F"},
		inspects: map[string]*rsapi.InspectResponse{
			"new.example-%2F": {Found: true},
		},
	}
	srv := newAdminServer(t, rs, nil, nil)

	// Inspect follows the redirect to the canonical room.
	code, _ := doRequest(t, http.MethodGet,
		srv.URL+"/room/old.example-%2F/admin/inspect?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)

	// Purge addresses the legacy name itself, normalized but unresolved.
	code, body := doRequest(t, http.MethodPost,
		srv.URL+"/room/OLD.Example-%2F/admin/purge-room?token=hunter2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "documentDeleted").Bool())
	assert.EqualValues(t, 1, gjson.GetBytes(body, "redirectsDeleted").Int())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "connections").Int())
	assert.Equal(t, []string{"old.example-%2F"}, rs.purged)

	code, body = doRequest(t, http.MethodPost,
		srv.URL+"/room/undefined/admin/purge-room?token=hunter2", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_room", gjson.GetBytes(body, "error").String())

	code, _ = doRequest(t, http.MethodGet,
		srv.URL+"/room/old.example-%2F/admin/purge-room?token=hunter2", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestAdminErrorsSurfaceAsJSON(t *testing.T) {
	rs := &fakeRoomserver{failWith: errors.New("storage offline")}
	srv := newAdminServer(t, rs, nil, nil)

	code, body := doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/hard-reset?token=hunter2", "", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal_error", gjson.GetBytes(body, "error").String())
	assert.Equal(t, "storage offline", gjson.GetBytes(body, "message").String())
}

func TestAdminRateLimited(t *testing.T) {
	cfg := &config.PlaySync{}
	cfg.AdminAPI.Token = "hunter2"
	cfg.Global.RateLimiting.Enabled = true
	cfg.Global.RateLimiting.Threshold = 2
	cfg.Global.RateLimiting.CooloffMS = 60_000

	rs := &fakeRoomserver{inspects: map[string]*rsapi.InspectResponse{
		"example.com-%2Fgarden": {Found: true},
	}}
	srv := newAdminServer(t, rs, cfg, nil)
	target := srv.URL + "/room/example.com-%2Fgarden/admin/inspect?token=hunter2"

	code, _ := doRequest(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = doRequest(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := doRequest(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", gjson.GetBytes(body, "error").String())

	// The default bucket is keyed on the caller alone, so a different admin
	// operation from the same address is throttled too.
	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2Fgarden/admin/raw-data?token=hunter2", "", nil)
	require.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", gjson.GetBytes(body, "error").String())
}

func TestAdminSearch(t *testing.T) {
	fts, err := fulltext.New(process.NewProcessContext(), config.Fulltext{
		Enabled:  true,
		InMemory: true,
		Language: "en",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fts.Close() })
	require.NoError(t, fts.Index(
		fulltext.IndexElement{RoomID: "example.com-%2Fgarden", Tag: "can-play", ElementID: "guestbook", Content: "hello moon"},
		fulltext.IndexElement{RoomID: "other.example-%2F", Tag: "can-play", ElementID: "sign", Content: "hello sun"},
	))

	srv := newAdminServer(t, &fakeRoomserver{}, nil, fts)

	// Results span rooms; the room in the URL only carries the request.
	code, body := doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2Fgarden/admin/search?token=hunter2&q=hello", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, gjson.GetBytes(body, "total").Int())
	rooms := []string{}
	for _, hit := range gjson.GetBytes(body, "results.#.roomId").Array() {
		rooms = append(rooms, hit.String())
	}
	assert.ElementsMatch(t, []string{"example.com-%2Fgarden", "other.example-%2F"}, rooms)

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2Fgarden/admin/search?token=hunter2&q=moon", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, gjson.GetBytes(body, "total").Int())
	assert.Equal(t, "guestbook", gjson.GetBytes(body, "results.0.elementId").String())

	code, body = doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2Fgarden/admin/search?token=hunter2", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_param", gjson.GetBytes(body, "error").String())
}

func TestAdminSearchDisabled(t *testing.T) {
	srv := newAdminServer(t, &fakeRoomserver{}, nil, nil)

	code, body := doRequest(t, http.MethodGet,
		srv.URL+"/room/example.com-%2F/admin/search?token=hunter2&q=hello", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unrecognized", gjson.GetBytes(body, "error").String())
}
