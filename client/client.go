// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client connects to a room's sync websocket and keeps a local
// replica of its document: remote updates are merged as they arrive, local
// transactions are shipped back as update frames, and server notices
// (room resets, permission exports, compatibility warnings) surface through
// callbacks. It exists for the admin CLI's live watch and for exercising a
// running coordinator from Go.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/spencerc99/playhtml-sub002/crdt"
	"github.com/spencerc99/playhtml-sub002/internal/roomid"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

// Matches the server's inbound cap.
const maxFrameSize = 4 << 20

// SharedReference names an element another room shares, to mirror into the
// room this client joins.
type SharedReference struct {
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	ElementID string `json:"elementId"`
}

// SharedElement offers one of the joined room's elements to subscribers.
type SharedElement struct {
	ElementID   string         `json:"elementId"`
	Permissions api.Permission `json:"permissions,omitempty"`
}

// Handlers receive server-initiated traffic. All callbacks are optional and
// run on the connection's read loop, so they must not block; the next frame
// is not read until the callback returns.
type Handlers struct {
	// OnUpdate runs after remote changes were merged into the local
	// document, with the keys that actually changed.
	OnUpdate func(changed []crdt.ChangedKey)
	// OnRoomReset fires when the server announces that the room was reset
	// to a new generation. The local replica already reflects the
	// post-reset state by the time this runs; the handler's job is to
	// invalidate whatever the application cached from earlier generations.
	OnRoomReset func(resetEpoch int64)
	// OnPermissions answers an earlier ExportPermissions call.
	OnPermissions func(perms map[string]api.Permission)
	// OnWarning receives the server's compatibility warning, if the
	// coordinator considers the announced client version too old.
	OnWarning func(minVersion, clientVersion string)
	// OnBroadcast receives application text frames relayed verbatim from
	// the room's other sessions.
	OnBroadcast func(frame []byte)
}

// Options configure one room connection.
type Options struct {
	// BaseURL is the coordinator's root, e.g. "https://playsync.example.com".
	// http and https schemes are accepted and upgraded.
	BaseURL string
	// Room is the room to join, either a canonical room ID or a legacy
	// spelling; the server normalizes it. Derive one from a page location
	// with RoomID.
	Room string

	// SharedReferences to mirror in, registered during the handshake.
	SharedReferences []SharedReference
	// SharedElements replaces the room's shared-element permission set when
	// non-nil. An empty non-nil slice withdraws every offer, so leave it
	// nil to keep the server's current set.
	SharedElements []SharedElement
	// ResetEpoch is the room generation this application last saw, nil on
	// first contact. A stale value makes the server send a room-reset
	// notice right after the handshake.
	ResetEpoch *int64
	// Version is announced to the server's compatibility gate as the
	// playhtml client version. Empty skips the gate.
	Version string

	// HTTPClient and HTTPHeader are handed to the websocket dialer.
	HTTPClient *http.Client
	HTTPHeader http.Header

	Handlers Handlers
}

// Client is one live connection to a room. Its document starts empty and
// fills as the server streams the room's state; Synced is closed once the
// first full exchange lands.
type Client struct {
	opts Options
	conn *websocket.Conn

	mu  sync.Mutex // guards doc
	doc *crdt.Doc

	writeMu sync.Mutex

	synced     chan struct{}
	syncedOnce sync.Once

	done       chan struct{}
	finishOnce sync.Once
	localClose atomic.Bool
	err        error
}

// Dial connects to a room and starts the sync handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	target, err := connectURL(opts)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.HTTPHeader,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to room %q: %w (HTTP %d)", opts.Room, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connecting to room %q: %w", opts.Room, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Client{
		opts:   opts,
		conn:   conn,
		doc:    crdt.NewDoc(),
		synced: make(chan struct{}),
		done:   make(chan struct{}),
	}
	// The handshake is symmetric: the server sent its state vector when the
	// session attached, and expects ours so it can push the diff.
	if err := c.writeBinary(ctx, crdt.EncodeSyncStep1(c.doc.StateVector())); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake write failed")
		return nil, fmt.Errorf("sending state vector to room %q: %w", opts.Room, err)
	}
	go c.readLoop()
	return c, nil
}

// RoomID derives the canonical room ID for a page location, using the same
// normalization the server applies.
func RoomID(domain, path string) (string, error) {
	return roomid.Normalize(domain, path)
}

func connectURL(opts Options) (string, error) {
	if opts.BaseURL == "" {
		return "", errors.New("client: BaseURL is required")
	}
	if opts.Room == "" {
		return "", errors.New("client: Room is required")
	}
	// The room travels as one path segment; a slash would split it. Room
	// IDs from RoomID are already percent-encoded and pass through as-is.
	if strings.ContainsAny(opts.Room, "/?#") {
		return "", fmt.Errorf("client: room %q is not a valid room ID", opts.Room)
	}

	query := url.Values{}
	if len(opts.SharedReferences) > 0 {
		refs, err := json.Marshal(opts.SharedReferences)
		if err != nil {
			return "", fmt.Errorf("client: encoding shared references: %w", err)
		}
		query.Set("sharedReferences", string(refs))
	}
	if opts.SharedElements != nil {
		elements, err := json.Marshal(opts.SharedElements)
		if err != nil {
			return "", fmt.Errorf("client: encoding shared elements: %w", err)
		}
		query.Set("sharedElements", string(elements))
	}
	if opts.ResetEpoch != nil {
		query.Set("clientResetEpoch", strconv.FormatInt(*opts.ResetEpoch, 10))
	}
	if opts.Version != "" {
		query.Set("playhtmlVersion", opts.Version)
	}

	target := strings.TrimSuffix(opts.BaseURL, "/") + "/room/" + opts.Room
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target, nil
}

// Synced is closed after the first sync exchange completes and the local
// document holds the room's state as of connecting.
func (c *Client) Synced() <-chan struct{} { return c.synced }

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close. It is only
// meaningful once Done is closed. Inspect server-initiated closes with
// CloseStatus.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// CloseStatus unpacks the websocket close code and reason carried by an
// error from Err, returning -1 when the connection did not end with a close
// frame. Admin kicks use api.CloseRoomReset and api.CloseSlowConsumer.
func CloseStatus(err error) (code int, reason string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return -1, ""
}

// Close ends the connection. Handlers already in flight may still finish
// after it returns.
func (c *Client) Close() error {
	c.localClose.Store(true)
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.finish(nil)
	return err
}

// Play returns a deep copy of the local document's play map.
func (c *Client) Play() map[string]map[string]crdt.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.ToPlain()
}

// ResetEpoch returns the room generation the local replica has seen.
func (c *Client) ResetEpoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Epoch()
}

// Transact applies fn to the local document and sends whatever it changed
// to the room. A transaction that changes nothing sends nothing.
func (c *Client) Transact(ctx context.Context, fn func(*crdt.Txn)) error {
	c.mu.Lock()
	update := c.doc.Transact(crdt.OriginLocal, fn)
	c.mu.Unlock()
	if update.IsEmpty() {
		return nil
	}
	return c.writeBinary(ctx, crdt.EncodeUpdate(update))
}

// AddSharedReference asks the room to mirror an element from another room,
// on top of the references announced at connect time.
func (c *Client) AddSharedReference(ctx context.Context, ref SharedReference) error {
	frame, _ := sjson.SetBytes([]byte(`{"type":"add-shared-reference"}`), "reference", ref)
	return c.writeText(ctx, frame)
}

// RegisterSharedElement offers an element of the joined room to subscribers,
// or updates its permission level.
func (c *Client) RegisterSharedElement(ctx context.Context, element SharedElement) error {
	frame, _ := sjson.SetBytes([]byte(`{"type":"register-shared-element"}`), "element", element)
	return c.writeText(ctx, frame)
}

// ExportPermissions asks the server for the permission levels of the given
// elements, or of every shared element when elementIDs is empty; the answer
// arrives via Handlers.OnPermissions.
func (c *Client) ExportPermissions(ctx context.Context, elementIDs []string) error {
	frame, _ := sjson.SetBytes([]byte(`{"type":"export-permissions"}`), "elementIds", elementIDs)
	return c.writeText(ctx, frame)
}

// Broadcast relays an application text frame to the room's other sessions.
// The server forwards it verbatim without touching the document.
func (c *Client) Broadcast(ctx context.Context, frame []byte) error {
	return c.writeText(ctx, frame)
}

func (c *Client) writeBinary(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *Client) writeText(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		kind, data, err := c.conn.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		switch kind {
		case websocket.MessageBinary:
			c.handleSyncFrame(ctx, data)
		case websocket.MessageText:
			c.handleNotice(data)
		}
	}
}

func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		if c.localClose.Load() {
			err = nil
		}
		c.err = err
		close(c.done)
	})
}

func (c *Client) handleSyncFrame(ctx context.Context, frame []byte) {
	msg, err := crdt.DecodeSyncMessage(frame)
	if err != nil {
		logrus.WithError(err).Warn("Dropping unparseable sync frame from server")
		return
	}
	switch msg.Type {
	case crdt.MessageSyncStep1:
		c.mu.Lock()
		diff := c.doc.Diff(msg.StateVector)
		c.mu.Unlock()
		if err := c.writeBinary(ctx, crdt.EncodeSyncStep2(diff)); err != nil {
			logrus.WithError(err).Warn("Failed to answer sync request")
		}
	case crdt.MessageSyncStep2, crdt.MessageUpdate:
		c.mu.Lock()
		accepted := c.doc.ApplyUpdate(msg.Update, crdt.OriginLocal)
		c.mu.Unlock()
		if msg.Type == crdt.MessageSyncStep2 {
			c.syncedOnce.Do(func() { close(c.synced) })
		}
		if accepted.IsEmpty() {
			return
		}
		if h := c.opts.Handlers.OnUpdate; h != nil {
			h(changedKeys(accepted))
		}
	}
}

// handleNotice dispatches a text frame: server notices are JSON objects with
// a type the client knows, everything else is an application broadcast from
// another session.
func (c *Client) handleNotice(frame []byte) {
	if !gjson.ValidBytes(frame) {
		c.deliverBroadcast(frame)
		return
	}
	switch gjson.GetBytes(frame, "type").Str {
	case "room-reset":
		epoch := gjson.GetBytes(frame, "resetEpoch").Int()
		c.mu.Lock()
		c.doc.SetEpoch(epoch)
		c.mu.Unlock()
		if h := c.opts.Handlers.OnRoomReset; h != nil {
			h(epoch)
		}
	case "permissions":
		perms := map[string]api.Permission{}
		gjson.GetBytes(frame, "permissions").ForEach(func(key, value gjson.Result) bool {
			perms[key.Str] = api.Permission(value.Str)
			return true
		})
		if h := c.opts.Handlers.OnPermissions; h != nil {
			h(perms)
		}
	case "compatibility-warning":
		if h := c.opts.Handlers.OnWarning; h != nil {
			h(gjson.GetBytes(frame, "minVersion").Str, gjson.GetBytes(frame, "clientVersion").Str)
		}
	default:
		c.deliverBroadcast(frame)
	}
}

func (c *Client) deliverBroadcast(frame []byte) {
	if h := c.opts.Handlers.OnBroadcast; h != nil {
		h(frame)
	}
}

func changedKeys(u crdt.Update) []crdt.ChangedKey {
	keys := make([]crdt.ChangedKey, 0, len(u.Nodes))
	for _, n := range u.Nodes {
		keys = append(keys, crdt.ChangedKey{Tag: n.Tag, Element: n.Element, Deleted: n.Deleted})
	}
	return keys
}
