// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	bridgeapi "github.com/spencerc99/playhtml-sub002/bridgeapi/api"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

const (
	backoffBaseWait = time.Second
	backoffMaxWait  = 5 * time.Minute
)

// Sender delivers room-to-room RPCs. Without a peer base URL every target
// room is assumed to live in this process and the RPC collapses to a direct
// call on the room coordinator; with one, RPCs are POSTed to the peer.
//
// Peer failures are tracked like a federation destination: consecutive
// failures double a backoff window during which further deliveries fail fast
// instead of queueing behind a dead connection. Mirrors are best effort and
// heal on the next observer event, so nothing is retried from here.
type Sender struct {
	cfg    *config.Bridge
	rsAPI  rsapi.BridgeRoomserverAPI
	client *http.Client

	backoffMu    sync.Mutex
	failureCount uint32
	retryUntil   time.Time
}

// NewSender builds the delivery side of the bridge. The client comes from
// base.CreateClient so peer dials honour the configured network filters.
func NewSender(cfg *config.Bridge, rsAPI rsapi.BridgeRoomserverAPI, client *http.Client, enableMetrics bool) *Sender {
	if enableMetrics {
		registerMetrics()
	}
	return &Sender{
		cfg:    cfg,
		rsAPI:  rsAPI,
		client: client,
	}
}

func (s *Sender) local() bool { return s.cfg.PeerBaseURL == "" }

// SendSubscribe implements api.BridgeSender.
func (s *Sender) SendSubscribe(ctx context.Context, req *rsapi.SubscribeRequest) (*rsapi.SubscribeResponse, error) {
	var res rsapi.SubscribeResponse
	if s.local() {
		if err := s.rsAPI.PerformSubscribe(ctx, req, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
	if err := s.postRPC(ctx, req.RoomID, &bridgeapi.SubscribeRPC{
		Action:         bridgeapi.ActionSubscribe,
		ConsumerRoomID: req.ConsumerRoomID,
		ElementIDs:     req.ElementIDs,
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendApplySubtrees implements api.BridgeSender.
func (s *Sender) SendApplySubtrees(ctx context.Context, req *rsapi.ApplySubtreesRequest) error {
	err := s.sendApplySubtrees(ctx, req)
	if err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	deliveriesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Sender) sendApplySubtrees(ctx context.Context, req *rsapi.ApplySubtreesRequest) error {
	if s.local() {
		var res rsapi.ApplySubtreesResponse
		if err := s.rsAPI.PerformApplySubtrees(ctx, req, &res); err != nil {
			return err
		}
		// A source that applied a consumer's write owes the remaining
		// subscribers their mirror. Recursion terminates: those deliveries
		// carry the source origin kind and never produce further fanout.
		s.DeliverFanout(ctx, res.Fanout)
		return nil
	}
	return s.postRPC(ctx, req.RoomID, &bridgeapi.ApplySubtreesRPC{
		Action:     bridgeapi.ActionApplySubtrees,
		Subtrees:   req.Subtrees,
		Sender:     req.Sender,
		OriginKind: req.OriginKind,
		ResetEpoch: req.ResetEpoch,
	}, nil)
}

// SendExportPermissions implements api.BridgeSender.
func (s *Sender) SendExportPermissions(ctx context.Context, sourceRoomID string, elementIDs []string) (map[string]rsapi.Permission, error) {
	if s.local() {
		var res rsapi.QueryPermissionsResponse
		if err := s.rsAPI.QueryPermissions(ctx, &rsapi.QueryPermissionsRequest{
			RoomID:     sourceRoomID,
			ElementIDs: elementIDs,
		}, &res); err != nil {
			return nil, err
		}
		return res.Permissions, nil
	}
	var res bridgeapi.ExportPermissionsResponse
	if err := s.postRPC(ctx, sourceRoomID, &bridgeapi.ExportPermissionsRPC{
		Action:     bridgeapi.ActionExportPermissions,
		ElementIDs: elementIDs,
	}, &res); err != nil {
		return nil, err
	}
	return res.Permissions, nil
}

// DeliverFanout pushes a batch of mirror deliveries, bounded by the
// configured concurrency. Per-target failures are logged and swallowed.
func (s *Sender) DeliverFanout(ctx context.Context, fanout []rsapi.FanoutTarget) {
	if len(fanout) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxFanoutConcurrency)
	for _, target := range fanout {
		req := target.Request
		g.Go(func() error {
			if err := s.SendApplySubtrees(gctx, req); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"target_room": req.RoomID,
					"sender":      req.Sender,
				}).Warn("Failed to deliver mirrored update")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// postRPC sends one RPC body to the peer coordinator and decodes the reply
// into out when non-nil. The canonical room ID is already percent-encoded and
// is used in the path verbatim.
func (s *Sender) postRPC(ctx context.Context, roomID string, body interface{}, out interface{}) error {
	if err := s.peerAvailable(); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	endpoint := strings.TrimSuffix(s.cfg.PeerBaseURL, "/") + "/room/" + roomID

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.noteFailure()
		return fmt.Errorf("posting to peer: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.noteFailure()
		return fmt.Errorf("peer replied with HTTP %d for room %q", resp.StatusCode, roomID)
	}
	s.noteSuccess()

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding peer response: %w", err)
	}
	return nil
}

func (s *Sender) peerAvailable() error {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	if time.Now().Before(s.retryUntil) {
		return fmt.Errorf("peer %q is backing off until %s", s.cfg.PeerBaseURL, s.retryUntil.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Sender) noteFailure() {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	if s.failureCount < 31 {
		s.failureCount++
	}
	wait := backoffBaseWait << (s.failureCount - 1)
	if wait <= 0 || wait > backoffMaxWait {
		wait = backoffMaxWait
	}
	s.retryUntil = time.Now().Add(wait)
}

func (s *Sender) noteSuccess() {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	s.failureCount = 0
	s.retryUntil = time.Time{}
}

