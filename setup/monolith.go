// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package setup

import (
	"net/http"

	"github.com/spencerc99/playhtml-sub002/adminapi"
	"github.com/spencerc99/playhtml-sub002/bridgeapi"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	roomserverAPI "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
	"github.com/spencerc99/playhtml-sub002/syncapi"
)

// Monolith represents an instantiation of all dependencies required to build
// the coordinator's public surface.
type Monolith struct {
	Config *config.PlaySync
	Client *http.Client

	RoomserverAPI roomserverAPI.RoomserverInternalAPI
	BridgeSender  *bridgeapi.Sender

	// Optional, nil when sync_api.search is disabled.
	Fulltext *fulltext.Search
}

// AddAllPublicRoutes attaches all public paths to the given routers: the
// sync websocket, the bridge RPC endpoint and the admin operations, all
// under the room prefix.
func (m *Monolith) AddAllPublicRoutes(
	processCtx *process.ProcessContext,
	cfg *config.PlaySync,
	routers httputil.Routers,
	natsInstance *jetstream.NATSInstance,
	enableMetrics bool,
) {
	syncapi.AddPublicRoutes(processCtx, routers, cfg, natsInstance, m.RoomserverAPI, m.Fulltext, enableMetrics)
	bridgeapi.AddPublicRoutes(processCtx, routers, cfg, natsInstance, m.RoomserverAPI, m.BridgeSender, enableMetrics)
	adminapi.AddPublicRoutes(routers, cfg, m.RoomserverAPI, m.Fulltext)
}
