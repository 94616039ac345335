// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/roomserver/api"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Sync frames are CRDT deltas and control
	// frames are small JSON; anything larger is abuse.
	maxFrameSize = 4 << 20
)

type outFrame struct {
	data   []byte
	binary bool
}

type closeNotice struct {
	code   int
	reason string
}

// session is one live websocket connection attached to a room. The room
// talks to it through the api.ClientSession methods and never blocks on the
// network: Send enqueues onto a bounded channel drained by the write pump,
// and Kick asks the write pump to flush and close.
type session struct {
	id     string
	roomID string
	conn   *websocket.Conn
	rsAPI  api.SyncRoomserverAPI
	log    *logrus.Entry

	sendCh chan outFrame
	kickCh chan closeNotice

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ctx context.Context, conn *websocket.Conn, roomID string, rsAPI api.SyncRoomserverAPI, queueSize int, log *logrus.Entry) *session {
	sessionCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &session{
		id:     id,
		roomID: roomID,
		conn:   conn,
		rsAPI:  rsAPI,
		log:    log.WithField("session_id", id),
		sendCh: make(chan outFrame, queueSize),
		kickCh: make(chan closeNotice, 1),
		ctx:    sessionCtx,
		cancel: cancel,
	}
}

func (s *session) SessionID() string { return s.id }

// Send implements api.ClientSession. It never blocks: a full queue reports
// false so the room can drop the session instead of stalling on it.
func (s *session) Send(data []byte, binary bool) bool {
	select {
	case s.sendCh <- outFrame{data: data, binary: binary}:
		return true
	default:
		return false
	}
}

// Kick implements api.ClientSession. Frames already queued are flushed
// before the close frame goes out. The first kick wins.
func (s *session) Kick(code int, reason string) {
	select {
	case s.kickCh <- closeNotice{code: code, reason: reason}:
	default:
	}
}

// run services the connection until either pump stops, then detaches the
// session from its room. The caller's handler can return immediately; the
// connection is hijacked and lives on these two goroutines.
func (s *session) run() {
	go s.writePump()
	go s.readPump()
}

func (s *session) readPump() {
	defer func() {
		s.cancel()
		s.rsAPI.PerformDetach(context.Background(), s.roomID, s.id)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.WithError(err).Debug("Websocket closed unexpectedly")
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := s.rsAPI.OnSyncFrame(s.ctx, s.roomID, s.id, data); err != nil {
				s.log.WithError(err).Warn("Failed to process sync frame")
			}
		case websocket.TextMessage:
			if err := s.rsAPI.OnControlFrame(s.ctx, s.roomID, s.id, data); err != nil {
				s.log.WithError(err).Warn("Failed to process control frame")
			}
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cancel()
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame := <-s.sendCh:
			if !s.writeFrame(frame) {
				return
			}
		case notice := <-s.kickCh:
			// Deliver what the room queued before it decided to close,
			// e.g. the reset notice that precedes a reset kick.
			for {
				select {
				case frame := <-s.sendCh:
					if !s.writeFrame(frame) {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(notice.code, notice.reason))
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeFrame(frame outFrame) bool {
	messageType := websocket.TextMessage
	if frame.binary {
		messageType = websocket.BinaryMessage
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, frame.data); err != nil {
		s.log.WithError(err).Debug("Failed to write frame")
		return false
	}
	return true
}
