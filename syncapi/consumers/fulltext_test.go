// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
)

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []fulltext.IndexElement
	deleted []string
}

func (f *fakeIndexer) Index(elements ...fulltext.IndexElement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, elements...)
	return nil
}

func (f *fakeIndexer) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeRoomserver struct {
	docs map[string]*crdt.Doc
}

func (f *fakeRoomserver) PerformSubscribe(_ context.Context, _ *rsapi.SubscribeRequest, _ *rsapi.SubscribeResponse) error {
	return nil
}

func (f *fakeRoomserver) QueryPermissions(_ context.Context, _ *rsapi.QueryPermissionsRequest, _ *rsapi.QueryPermissionsResponse) error {
	return nil
}

func (f *fakeRoomserver) PerformApplySubtrees(_ context.Context, _ *rsapi.ApplySubtreesRequest, _ *rsapi.ApplySubtreesResponse) error {
	return nil
}

func (f *fakeRoomserver) QueryBridgeState(_ context.Context, req *rsapi.QueryBridgeStateRequest, res *rsapi.QueryBridgeStateResponse) error {
	doc, ok := f.docs[req.RoomID]
	if !ok {
		return nil
	}
	if len(req.ElementIDs) > 0 {
		res.Subtrees = doc.Extract(req.ElementIDs)
	}
	return nil
}

func docWith(t *testing.T, elements map[string]interface{}) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc()
	doc.Transact(crdt.OriginLocal, func(txn *crdt.Txn) {
		for elementID, raw := range elements {
			value, err := crdt.FromInterface(raw)
			require.NoError(t, err)
			txn.Set("can-play", elementID, value)
		}
	})
	return doc
}

func updateMsg(t *testing.T, roomID string, changed ...crdt.ChangedKey) []*nats.Msg {
	t.Helper()
	data, err := json.Marshal(rsapi.OutputRoomUpdate{
		RoomID:  roomID,
		Changed: changed,
	})
	require.NoError(t, err)
	return []*nats.Msg{{Subject: "test", Data: data}}
}

func TestIndexesChangedElements(t *testing.T) {
	rs := &fakeRoomserver{docs: map[string]*crdt.Doc{
		"example.com-%2Fgarden": docWith(t, map[string]interface{}{
			"guestbook": map[string]interface{}{"message": "hello world", "visits": 3},
			"lamp":      true,
		}),
	}}
	idx := &fakeIndexer{}
	consumer := &OutputRoomUpdateConsumer{ctx: context.Background(), rsAPI: rs, fts: idx}

	ok := consumer.onMessage(context.Background(), updateMsg(t, "example.com-%2Fgarden",
		crdt.ChangedKey{Tag: "can-play", Element: "guestbook"},
	))
	require.True(t, ok)

	require.Len(t, idx.indexed, 1)
	assert.Equal(t, fulltext.IndexElement{
		RoomID:    "example.com-%2Fgarden",
		Tag:       "can-play",
		ElementID: "guestbook",
		Content:   "hello world 3",
	}, idx.indexed[0])
	assert.Empty(t, idx.deleted)
}

func TestDeletedElementsLeaveTheIndex(t *testing.T) {
	rs := &fakeRoomserver{docs: map[string]*crdt.Doc{
		"example.com-%2Fgarden": docWith(t, map[string]interface{}{"lamp": true}),
	}}
	idx := &fakeIndexer{}
	consumer := &OutputRoomUpdateConsumer{ctx: context.Background(), rsAPI: rs, fts: idx}

	ok := consumer.onMessage(context.Background(), updateMsg(t, "example.com-%2Fgarden",
		crdt.ChangedKey{Tag: "can-play", Element: "guestbook", Deleted: true},
		crdt.ChangedKey{Tag: "can-play", Element: "lamp"},
	))
	require.True(t, ok)

	wantID := fulltext.IndexElement{RoomID: "example.com-%2Fgarden", Tag: "can-play", ElementID: "guestbook"}.ID()
	assert.Equal(t, []string{wantID}, idx.deleted)
	require.Len(t, idx.indexed, 1)
	assert.Equal(t, "lamp", idx.indexed[0].ElementID)
}

// An element named by the update but already gone from the room is removed
// from the index rather than indexed empty.
func TestVanishedElementTreatedAsDelete(t *testing.T) {
	rs := &fakeRoomserver{docs: map[string]*crdt.Doc{
		"example.com-%2Fgarden": docWith(t, map[string]interface{}{"lamp": true}),
	}}
	idx := &fakeIndexer{}
	consumer := &OutputRoomUpdateConsumer{ctx: context.Background(), rsAPI: rs, fts: idx}

	ok := consumer.onMessage(context.Background(), updateMsg(t, "example.com-%2Fgarden",
		crdt.ChangedKey{Tag: "can-play", Element: "ghost"},
	))
	require.True(t, ok)

	wantID := fulltext.IndexElement{RoomID: "example.com-%2Fgarden", Tag: "can-play", ElementID: "ghost"}.ID()
	assert.Equal(t, []string{wantID}, idx.deleted)
	assert.Empty(t, idx.indexed)
}

func TestUnparseableUpdateIsAcked(t *testing.T) {
	idx := &fakeIndexer{}
	consumer := &OutputRoomUpdateConsumer{ctx: context.Background(), rsAPI: &fakeRoomserver{}, fts: idx}

	ok := consumer.onMessage(context.Background(), []*nats.Msg{{Subject: "test", Data: []byte("not json")}})
	assert.True(t, ok)
	assert.Empty(t, idx.indexed)
	assert.Empty(t, idx.deleted)
}
