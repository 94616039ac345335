// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	bridgeapi "github.com/spencerc99/playhtml-sub002/bridgeapi/api"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

type fakeRoomserver struct {
	mu         sync.Mutex
	subscribes []rsapi.SubscribeRequest
	applies    []rsapi.ApplySubtreesRequest
	fanoutOnce []rsapi.FanoutTarget
	perms      map[string]rsapi.Permission
	failRooms  map[string]struct{}
}

func (f *fakeRoomserver) PerformSubscribe(_ context.Context, req *rsapi.SubscribeRequest, res *rsapi.SubscribeResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, *req)
	res.OK = true
	res.Subscribed = true
	res.ElementIDs = req.ElementIDs
	return nil
}

func (f *fakeRoomserver) QueryPermissions(_ context.Context, _ *rsapi.QueryPermissionsRequest, res *rsapi.QueryPermissionsResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res.Permissions = f.perms
	return nil
}

func (f *fakeRoomserver) PerformApplySubtrees(_ context.Context, req *rsapi.ApplySubtreesRequest, res *rsapi.ApplySubtreesResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, fail := f.failRooms[req.RoomID]; fail {
		return fmt.Errorf("room %q is broken", req.RoomID)
	}
	f.applies = append(f.applies, *req)
	res.Applied = true
	res.Fanout = f.fanoutOnce
	f.fanoutOnce = nil
	return nil
}

func (f *fakeRoomserver) QueryBridgeState(_ context.Context, _ *rsapi.QueryBridgeStateRequest, _ *rsapi.QueryBridgeStateResponse) error {
	return nil
}

func (f *fakeRoomserver) appliedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms := make([]string, 0, len(f.applies))
	for _, req := range f.applies {
		rooms = append(rooms, req.RoomID)
	}
	return rooms
}

func localBridgeConfig() *config.Bridge {
	return &config.Bridge{
		RPCTimeoutMS:         (2 * time.Second).Milliseconds(),
		MaxFanoutConcurrency: 2,
	}
}

func TestSenderLocalSubscribe(t *testing.T) {
	rs := &fakeRoomserver{}
	sender := NewSender(localBridgeConfig(), rs, &http.Client{}, false)

	res, err := sender.SendSubscribe(context.Background(), &rsapi.SubscribeRequest{
		RoomID:         "example.com-%2Fgarden",
		ConsumerRoomID: "example.com-%2Fstudio",
		ElementIDs:     []string{"lamp"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Subscribed)
	assert.Equal(t, []string{"lamp"}, res.ElementIDs)

	require.Len(t, rs.subscribes, 1)
	assert.Equal(t, "example.com-%2Fgarden", rs.subscribes[0].RoomID)
	assert.Equal(t, "example.com-%2Fstudio", rs.subscribes[0].ConsumerRoomID)
}

func TestSenderLocalExportPermissions(t *testing.T) {
	rs := &fakeRoomserver{perms: map[string]rsapi.Permission{
		"lamp": rsapi.PermissionReadWrite,
	}}
	sender := NewSender(localBridgeConfig(), rs, &http.Client{}, false)

	perms, err := sender.SendExportPermissions(context.Background(), "example.com-%2Fgarden", []string{"lamp"})
	require.NoError(t, err)
	assert.Equal(t, rsapi.PermissionReadWrite, perms["lamp"])
}

// A locally applied consumer write must also deliver the fanout the room
// actor hands back, and the fanned-out deliveries, being source-origin, must
// not recurse further.
func TestSenderLocalApplyDeliversFanout(t *testing.T) {
	nested := &rsapi.ApplySubtreesRequest{
		RoomID:     "example.com-%2Fmirror2",
		Sender:     "example.com-%2Fgarden",
		OriginKind: rsapi.OriginKindSource,
	}
	rs := &fakeRoomserver{fanoutOnce: []rsapi.FanoutTarget{{Request: nested}}}
	sender := NewSender(localBridgeConfig(), rs, &http.Client{}, false)

	err := sender.SendApplySubtrees(context.Background(), &rsapi.ApplySubtreesRequest{
		RoomID:     "example.com-%2Fgarden",
		Sender:     "example.com-%2Fstudio",
		OriginKind: rsapi.OriginKindConsumer,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com-%2Fgarden", "example.com-%2Fmirror2"}, rs.appliedRooms())
}

func TestSenderFanoutSwallowsPerTargetErrors(t *testing.T) {
	rs := &fakeRoomserver{failRooms: map[string]struct{}{"example.com-%2Fbroken": {}}}
	sender := NewSender(localBridgeConfig(), rs, &http.Client{}, false)

	fanout := []rsapi.FanoutTarget{
		{Request: &rsapi.ApplySubtreesRequest{RoomID: "example.com-%2Fbroken", Sender: "x", OriginKind: rsapi.OriginKindSource}},
		{Request: &rsapi.ApplySubtreesRequest{RoomID: "example.com-%2Fok", Sender: "x", OriginKind: rsapi.OriginKindSource}},
	}
	sender.DeliverFanout(context.Background(), fanout)
	assert.Equal(t, []string{"example.com-%2Fok"}, rs.appliedRooms())
}

func TestSenderRemoteRPCs(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		paths = append(paths, r.URL.EscapedPath())
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch gjson.GetBytes(body, "action").Str {
		case bridgeapi.ActionSubscribe:
			_ = json.NewEncoder(w).Encode(rsapi.SubscribeResponse{OK: true, Subscribed: true, ElementIDs: []string{"lamp"}})
		case bridgeapi.ActionExportPermissions:
			_ = json.NewEncoder(w).Encode(bridgeapi.ExportPermissionsResponse{
				Permissions: map[string]rsapi.Permission{"lamp": rsapi.PermissionReadOnly},
			})
		case bridgeapi.ActionApplySubtrees:
			_ = json.NewEncoder(w).Encode(bridgeapi.ApplySubtreesResponse{OK: true, Applied: true})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	cfg := localBridgeConfig()
	cfg.PeerBaseURL = srv.URL
	sender := NewSender(cfg, nil, srv.Client(), false)

	res, err := sender.SendSubscribe(context.Background(), &rsapi.SubscribeRequest{
		RoomID:         "example.com-%2Fhub",
		ConsumerRoomID: "example.com-%2Fstudio",
		ElementIDs:     []string{"lamp"},
	})
	require.NoError(t, err)
	assert.True(t, res.Subscribed)

	perms, err := sender.SendExportPermissions(context.Background(), "example.com-%2Fhub", []string{"lamp"})
	require.NoError(t, err)
	assert.Equal(t, rsapi.PermissionReadOnly, perms["lamp"])

	err = sender.SendApplySubtrees(context.Background(), &rsapi.ApplySubtreesRequest{
		RoomID:     "example.com-%2Fhub",
		Sender:     "example.com-%2Fstudio",
		OriginKind: rsapi.OriginKindConsumer,
		ResetEpoch: 3,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 3)
	// The canonical, still percent-encoded room ID travels in the path
	// verbatim: the peer decodes it exactly once.
	for _, path := range paths {
		assert.Equal(t, "/room/example.com-%2Fhub", path)
	}
	assert.Equal(t, bridgeapi.ActionSubscribe, gjson.GetBytes(bodies[0], "action").Str)
	assert.Equal(t, "example.com-%2Fstudio", gjson.GetBytes(bodies[0], "consumerRoomId").Str)
	assert.Equal(t, bridgeapi.ActionApplySubtrees, gjson.GetBytes(bodies[2], "action").Str)
	assert.EqualValues(t, 3, gjson.GetBytes(bodies[2], "resetEpoch").Int())
}

func TestSenderPeerBackoff(t *testing.T) {
	var hits atomic.Int32
	failing := atomic.NewBool(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Inc()
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(bridgeapi.ApplySubtreesResponse{OK: true, Applied: true})
	}))
	defer srv.Close()

	cfg := localBridgeConfig()
	cfg.PeerBaseURL = srv.URL
	sender := NewSender(cfg, nil, srv.Client(), false)

	req := &rsapi.ApplySubtreesRequest{
		RoomID:     "example.com-%2Fhub",
		Sender:     "example.com-%2Fstudio",
		OriginKind: rsapi.OriginKindConsumer,
	}

	err := sender.SendApplySubtrees(context.Background(), req)
	require.ErrorContains(t, err, "HTTP 502")
	assert.EqualValues(t, 1, hits.Load())

	// The second delivery fails fast inside the backoff window without
	// touching the peer.
	err = sender.SendApplySubtrees(context.Background(), req)
	require.ErrorContains(t, err, "backing off")
	assert.EqualValues(t, 1, hits.Load())

	failing.Store(false)
	sender.noteSuccess()
	require.NoError(t, sender.SendApplySubtrees(context.Background(), req))
	assert.EqualValues(t, 2, hits.Load())
}

func TestSenderBackoffWindowGrowsAndResets(t *testing.T) {
	sender := &Sender{cfg: localBridgeConfig()}

	sender.noteFailure()
	first := sender.retryUntil
	sender.noteFailure()
	assert.EqualValues(t, 2, sender.failureCount)
	assert.True(t, sender.retryUntil.After(first))

	sender.failureCount = 31
	sender.noteFailure()
	assert.EqualValues(t, 31, sender.failureCount)
	assert.LessOrEqual(t, time.Until(sender.retryUntil), backoffMaxWait+time.Second)

	sender.noteSuccess()
	assert.Zero(t, sender.failureCount)
	assert.True(t, sender.retryUntil.IsZero())
}
