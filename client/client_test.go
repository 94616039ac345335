// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client_test

import (
	"context"
	"net/http/httptest"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/spencerc99/playhtml-sub002/client"
	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
	"github.com/spencerc99/playhtml-sub002/syncapi/routing"
	"github.com/spencerc99/playhtml-sub002/syncapi/sync"
)

// fakeCoordinator speaks just enough of the room protocol to exercise the
// client: one document per room, sync frames answered and relayed to the
// room's other sessions, control frames recorded and the sharing ones acted
// on.
type fakeCoordinator struct {
	mu       gosync.Mutex
	docs     map[string]*crdt.Doc
	sessions map[string]map[string]api.ClientSession
	perms    map[string]map[string]api.Permission
	attached []api.AttachRequest
	controls []string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		docs:     map[string]*crdt.Doc{},
		sessions: map[string]map[string]api.ClientSession{},
		perms:    map[string]map[string]api.Permission{},
	}
}

// room returns the document for roomID, creating it on first use. Callers
// hold f.mu.
func (f *fakeCoordinator) room(roomID string) *crdt.Doc {
	doc, ok := f.docs[roomID]
	if !ok {
		doc = crdt.NewDoc()
		f.docs[roomID] = doc
	}
	return doc
}

func (f *fakeCoordinator) seed(roomID string, epoch int64, fn func(*crdt.Txn)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.room(roomID)
	doc.SetEpoch(epoch)
	if fn != nil {
		doc.Transact(crdt.OriginLocal, fn)
	}
}

func (f *fakeCoordinator) play(roomID string) map[string]map[string]crdt.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room(roomID).ToPlain()
}

func (f *fakeCoordinator) attachAt(i int) api.AttachRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[i]
}

func (f *fakeCoordinator) controlFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.controls...)
}

func (f *fakeCoordinator) kickAll(roomID string, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions[roomID] {
		sess.Kick(code, reason)
	}
}

func (f *fakeCoordinator) QueryResolveRoom(_ context.Context, req *api.ResolveRoomRequest, res *api.ResolveRoomResponse) error {
	roomID, err := roomid.NormalizeID(req.RawName)
	if err != nil {
		return err
	}
	res.RoomID = roomID
	return nil
}

func (f *fakeCoordinator) PerformAttach(_ context.Context, req *api.AttachRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.room(req.RoomID)
	if f.sessions[req.RoomID] == nil {
		f.sessions[req.RoomID] = map[string]api.ClientSession{}
	}
	f.sessions[req.RoomID][req.Session.SessionID()] = req.Session
	f.attached = append(f.attached, *req)

	req.Session.Send(crdt.EncodeSyncStep1(doc.StateVector()), true)
	if req.ClientResetEpoch != nil && *req.ClientResetEpoch < doc.Epoch() {
		notice := []byte(`{"type":"room-reset"}`)
		notice, _ = sjson.SetBytes(notice, "resetEpoch", doc.Epoch())
		req.Session.Send(notice, false)
	}
	return nil
}

func (f *fakeCoordinator) PerformDetach(_ context.Context, roomID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions[roomID], sessionID)
}

func (f *fakeCoordinator) OnSyncFrame(_ context.Context, roomID, sessionID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, err := crdt.DecodeSyncMessage(frame)
	if err != nil {
		return err
	}
	doc := f.room(roomID)
	switch msg.Type {
	case crdt.MessageSyncStep1:
		if sess, ok := f.sessions[roomID][sessionID]; ok {
			sess.Send(crdt.EncodeSyncStep2(doc.Diff(msg.StateVector)), true)
		}
	case crdt.MessageSyncStep2, crdt.MessageUpdate:
		if accepted := doc.ApplyUpdate(msg.Update, crdt.OriginLocal); !accepted.IsEmpty() {
			f.relay(roomID, sessionID, frame, true)
		}
	}
	return nil
}

func (f *fakeCoordinator) OnControlFrame(_ context.Context, roomID, sessionID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, string(frame))
	if !gjson.ValidBytes(frame) {
		f.relay(roomID, sessionID, frame, false)
		return nil
	}
	switch gjson.GetBytes(frame, "type").Str {
	case "register-shared-element":
		if f.perms[roomID] == nil {
			f.perms[roomID] = map[string]api.Permission{}
		}
		element := gjson.GetBytes(frame, "element")
		f.perms[roomID][element.Get("elementId").Str] = api.Permission(element.Get("permissions").Str)
	case "export-permissions":
		var ids []string
		for _, id := range gjson.GetBytes(frame, "elementIds").Array() {
			ids = append(ids, id.Str)
		}
		if len(ids) == 0 {
			for id := range f.perms[roomID] {
				ids = append(ids, id)
			}
			sort.Strings(ids)
		}
		notice := []byte(`{"type":"permissions"}`)
		exported := 0
		for _, id := range ids {
			if perm, ok := f.perms[roomID][id]; ok {
				notice, _ = sjson.SetBytes(notice, "permissions."+id, string(perm))
				exported++
			}
		}
		if exported == 0 {
			notice, _ = sjson.SetRawBytes(notice, "permissions", []byte("{}"))
		}
		if sess, ok := f.sessions[roomID][sessionID]; ok {
			sess.Send(notice, false)
		}
	case "add-shared-reference":
		// Recorded only; subscriptions are the real coordinator's business.
	default:
		f.relay(roomID, sessionID, frame, false)
	}
	return nil
}

// relay forwards a frame to the room's other sessions. Callers hold f.mu.
func (f *fakeCoordinator) relay(roomID, from string, frame []byte, binary bool) {
	for id, sess := range f.sessions[roomID] {
		if id != from {
			sess.Send(frame, binary)
		}
	}
}

func newClientServer(t *testing.T, f *fakeCoordinator, cfg *config.SyncAPI) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.SyncAPI{SendQueueSize: 16}
	}
	processCtx := process.NewProcessContext()
	handler := sync.NewHandler(processCtx, cfg, f)
	routers := httputil.NewRouters()
	routing.Setup(routers.Room, handler, false)
	root := mux.NewRouter().SkipClean(true).UseEncodedPath()
	root.PathPrefix(httputil.PublicRoomPathPrefix).Handler(routers.Room)
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	t.Cleanup(processCtx.ShutdownPlaysync)
	return srv
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func awaitSynced(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case <-c.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync")
	}
}

func mustValue(t *testing.T, in interface{}) crdt.Value {
	t.Helper()
	v, err := crdt.FromInterface(in)
	require.NoError(t, err)
	return v
}

func TestDialSyncsRoomState(t *testing.T) {
	f := newFakeCoordinator()
	f.seed("example.com-%2Fgarden", 0, func(txn *crdt.Txn) {
		txn.Set("can-play", "lamp", mustValue(t, map[string]interface{}{"on": true}))
		txn.Set("can-move", "couch", mustValue(t, map[string]interface{}{"x": 12, "y": 3}))
	})
	srv := newClientServer(t, f, nil)

	updates := make(chan []crdt.ChangedKey, 8)
	c, err := client.Dial(context.Background(), client.Options{
		BaseURL:          srv.URL,
		Room:             "WWW.Example.com-%2Fgarden",
		SharedReferences: []client.SharedReference{{Domain: "example.com", Path: "/hub", ElementID: "lamp"}},
		SharedElements:   []client.SharedElement{{ElementID: "door", Permissions: api.PermissionReadWrite}},
		Handlers: client.Handlers{
			OnUpdate: func(changed []crdt.ChangedKey) { updates <- changed },
		},
	})
	require.NoError(t, err)
	defer c.Close()
	awaitSynced(t, c)

	play := c.Play()
	on, ok := play["can-play"]["lamp"].Field("on")
	require.True(t, ok)
	assert.True(t, on.Bool())
	x, ok := play["can-move"]["couch"].Field("x")
	require.True(t, ok)
	assert.EqualValues(t, 12, x.Number())

	changed := recv(t, updates, "initial update")
	assert.ElementsMatch(t, []crdt.ChangedKey{
		{Tag: "can-move", Element: "couch"},
		{Tag: "can-play", Element: "lamp"},
	}, changed)

	// The handshake parameters survived the trip through the URL: the legacy
	// room spelling normalized, references and elements parsed.
	attach := f.attachAt(0)
	assert.Equal(t, "example.com-%2Fgarden", attach.RoomID)
	require.Len(t, attach.SharedReferences, 1)
	assert.Equal(t, "example.com-%2Fhub", attach.SharedReferences[0].SourceRoomID)
	assert.Equal(t, []string{"lamp"}, attach.SharedReferences[0].ElementIDs)
	assert.Equal(t, map[string]api.Permission{"door": api.PermissionReadWrite}, attach.SharedElements)
}

func TestTransactFlowsBetweenClients(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, nil)
	ctx := context.Background()
	const room = "example.com-%2Fgarden"

	c1, err := client.Dial(ctx, client.Options{BaseURL: srv.URL, Room: room})
	require.NoError(t, err)
	defer c1.Close()

	updates := make(chan []crdt.ChangedKey, 8)
	c2, err := client.Dial(ctx, client.Options{
		BaseURL:  srv.URL,
		Room:     room,
		Handlers: client.Handlers{OnUpdate: func(changed []crdt.ChangedKey) { updates <- changed }},
	})
	require.NoError(t, err)
	defer c2.Close()
	awaitSynced(t, c1)
	awaitSynced(t, c2)

	require.NoError(t, c1.Transact(ctx, func(txn *crdt.Txn) {
		txn.Set("can-toggle", "lamp", crdt.Bool(true))
	}))
	changed := recv(t, updates, "relayed update")
	assert.Equal(t, []crdt.ChangedKey{{Tag: "can-toggle", Element: "lamp"}}, changed)
	lamp := c2.Play()["can-toggle"]["lamp"]
	assert.True(t, lamp.Bool())

	// The room's document converged too, not just the peers.
	serverLamp := f.play(room)["can-toggle"]["lamp"]
	assert.True(t, serverLamp.Bool())

	require.NoError(t, c1.Transact(ctx, func(txn *crdt.Txn) {
		txn.Delete("can-toggle", "lamp")
	}))
	changed = recv(t, updates, "relayed delete")
	assert.Equal(t, []crdt.ChangedKey{{Tag: "can-toggle", Element: "lamp", Deleted: true}}, changed)
	_, ok := c2.Play()["can-toggle"]
	assert.False(t, ok)
}

func TestStaleEpochTriggersRoomReset(t *testing.T) {
	f := newFakeCoordinator()
	const room = "example.com-%2Fgarden"
	f.seed(room, 7, func(txn *crdt.Txn) {
		txn.Set("can-play", "lamp", crdt.Bool(true))
	})
	srv := newClientServer(t, f, nil)

	stale := int64(3)
	resets := make(chan int64, 1)
	c, err := client.Dial(context.Background(), client.Options{
		BaseURL:    srv.URL,
		Room:       room,
		ResetEpoch: &stale,
		Handlers:   client.Handlers{OnRoomReset: func(epoch int64) { resets <- epoch }},
	})
	require.NoError(t, err)
	defer c.Close()

	assert.EqualValues(t, 7, recv(t, resets, "room-reset notice"))
	awaitSynced(t, c)
	assert.EqualValues(t, 7, c.ResetEpoch())

	// A client that already saw the current generation gets no notice; the
	// attach frames precede the sync answer, so after Synced there is
	// nothing left in flight.
	current := int64(7)
	resets2 := make(chan int64, 1)
	c2, err := client.Dial(context.Background(), client.Options{
		BaseURL:    srv.URL,
		Room:       room,
		ResetEpoch: &current,
		Handlers:   client.Handlers{OnRoomReset: func(epoch int64) { resets2 <- epoch }},
	})
	require.NoError(t, err)
	defer c2.Close()
	awaitSynced(t, c2)
	select {
	case epoch := <-resets2:
		t.Fatalf("unexpected room-reset notice for epoch %d", epoch)
	default:
	}
}

func TestSharingControlsRoundTrip(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, nil)
	ctx := context.Background()
	const room = "example.com-%2Fgarden"

	perms := make(chan map[string]api.Permission, 1)
	c, err := client.Dial(ctx, client.Options{
		BaseURL:  srv.URL,
		Room:     room,
		Handlers: client.Handlers{OnPermissions: func(p map[string]api.Permission) { perms <- p }},
	})
	require.NoError(t, err)
	defer c.Close()
	awaitSynced(t, c)

	require.NoError(t, c.RegisterSharedElement(ctx, client.SharedElement{
		ElementID: "door", Permissions: api.PermissionReadOnly,
	}))
	require.NoError(t, c.AddSharedReference(ctx, client.SharedReference{
		Domain: "example.com", Path: "/hub", ElementID: "lamp",
	}))
	require.NoError(t, c.ExportPermissions(ctx, nil))

	exported := recv(t, perms, "permissions notice")
	assert.Equal(t, map[string]api.Permission{"door": api.PermissionReadOnly}, exported)

	frames := f.controlFrames()
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"type":"register-shared-element","element":{"elementId":"door","permissions":"read-only"}}`, frames[0])
	assert.JSONEq(t, `{"type":"add-shared-reference","reference":{"domain":"example.com","path":"/hub","elementId":"lamp"}}`, frames[1])
	assert.JSONEq(t, `{"type":"export-permissions","elementIds":null}`, frames[2])
}

func TestBroadcastPassthrough(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, nil)
	ctx := context.Background()
	const room = "example.com-%2Fgarden"

	c1, err := client.Dial(ctx, client.Options{BaseURL: srv.URL, Room: room})
	require.NoError(t, err)
	defer c1.Close()

	broadcasts := make(chan []byte, 4)
	c2, err := client.Dial(ctx, client.Options{
		BaseURL:  srv.URL,
		Room:     room,
		Handlers: client.Handlers{OnBroadcast: func(frame []byte) { broadcasts <- frame }},
	})
	require.NoError(t, err)
	defer c2.Close()
	awaitSynced(t, c1)
	awaitSynced(t, c2)

	require.NoError(t, c1.Broadcast(ctx, []byte(`{"type":"cursor","x":4}`)))
	assert.JSONEq(t, `{"type":"cursor","x":4}`, string(recv(t, broadcasts, "cursor broadcast")))

	// Non-JSON application frames relay just the same.
	require.NoError(t, c1.Broadcast(ctx, []byte("ping!")))
	assert.Equal(t, "ping!", string(recv(t, broadcasts, "raw broadcast")))
}

func TestServerKickSurfacesCloseStatus(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, nil)
	const room = "example.com-%2Fgarden"

	c, err := client.Dial(context.Background(), client.Options{BaseURL: srv.URL, Room: room})
	require.NoError(t, err)
	awaitSynced(t, c)

	f.kickAll(room, api.CloseRoomReset, api.CloseReasonReset)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the kick")
	}
	err = c.Err()
	require.Error(t, err)
	code, reason := client.CloseStatus(err)
	assert.Equal(t, api.CloseRoomReset, code)
	assert.Equal(t, api.CloseReasonReset, reason)
}

func TestLocalCloseIsClean(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, nil)

	c, err := client.Dial(context.Background(), client.Options{BaseURL: srv.URL, Room: "example.com-%2F"})
	require.NoError(t, err)
	awaitSynced(t, c)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	assert.NoError(t, c.Err())

	code, reason := client.CloseStatus(c.Err())
	assert.Equal(t, -1, code)
	assert.Empty(t, reason)
}

func TestCompatibilityWarning(t *testing.T) {
	f := newFakeCoordinator()
	srv := newClientServer(t, f, &config.SyncAPI{SendQueueSize: 16, MinClientVersion: ">= 2.0.0"})

	warnings := make(chan [2]string, 1)
	c, err := client.Dial(context.Background(), client.Options{
		BaseURL: srv.URL,
		Room:    "example.com-%2F",
		Version: "1.9.0",
		Handlers: client.Handlers{
			OnWarning: func(minVersion, clientVersion string) {
				warnings <- [2]string{minVersion, clientVersion}
			},
		},
	})
	require.NoError(t, err)
	defer c.Close()

	warning := recv(t, warnings, "compatibility warning")
	assert.Equal(t, ">= 2.0.0", warning[0])
	assert.Equal(t, "1.9.0", warning[1])
}

func TestDialValidatesOptions(t *testing.T) {
	ctx := context.Background()
	for name, opts := range map[string]client.Options{
		"missing base URL": {Room: "example.com-%2F"},
		"missing room":     {BaseURL: "http://localhost:0"},
		"room with slash":  {BaseURL: "http://localhost:0", Room: "example.com/garden"},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := client.Dial(ctx, opts)
			require.Error(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestRoomIDHelper(t *testing.T) {
	roomID, err := client.RoomID("WWW.Example.com", "/garden.html")
	require.NoError(t, err)
	assert.Equal(t, "example.com-%2Fgarden", roomID)

	_, err = client.RoomID("", "/garden")
	require.Error(t, err)
}
