// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bridgeapi

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/bridgeapi/consumers"
	"github.com/spencerc99/playhtml-sub002/bridgeapi/internal"
	"github.com/spencerc99/playhtml-sub002/bridgeapi/routing"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// Sender aliases the internal sender type so that packages outside this
// subtree (the monolith wiring) can name it without importing the internal
// package.
type Sender = internal.Sender

// NewBridgeSender builds the transport the room coordinator uses for
// room-to-room deliveries. The client comes from base.CreateClient. Attach
// the result with rsAPI.SetBridgeSender before any traffic flows.
func NewBridgeSender(cfg *config.PlaySync, rsAPI rsapi.BridgeRoomserverAPI, client *http.Client, enableMetrics bool) *internal.Sender {
	return internal.NewSender(&cfg.Bridge, rsAPI, client, enableMetrics)
}

// AddPublicRoutes registers the room-to-room RPC endpoint and starts the
// observer loop that watches committed room updates for elements that need
// mirroring.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.PlaySync,
	natsInstance *jetstream.NATSInstance,
	rsAPI routing.RoomserverAPI,
	sender *internal.Sender,
	enableMetrics bool,
) {
	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	consumer := consumers.NewOutputRoomUpdateConsumer(processContext, cfg, js, rsAPI, sender)
	if err := consumer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start bridge room update consumer")
	}

	routing.Setup(routers.Room, cfg, rsAPI, sender)
}
