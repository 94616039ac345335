// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
	"github.com/spencerc99/playhtml-sub002/syncapi/consumers"
	"github.com/spencerc99/playhtml-sub002/syncapi/routing"
	"github.com/spencerc99/playhtml-sub002/syncapi/sync"
)

// RoomserverAPI is the roomserver surface the sync API uses: attach/detach
// and frame delivery for the websocket handler, state reads for the fulltext
// indexing consumer.
type RoomserverAPI interface {
	api.SyncRoomserverAPI
	api.BridgeRoomserverAPI
}

// AddPublicRoutes sets up and registers the websocket sync endpoint for the
// public room mux. When fulltext search is enabled it also starts the
// indexing consumer; fts may be nil otherwise.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.PlaySync,
	natsInstance *jetstream.NATSInstance,
	rsAPI RoomserverAPI,
	fts *fulltext.Search,
	enableMetrics bool,
) {
	handler := sync.NewHandler(processContext, &cfg.SyncAPI, rsAPI)

	if cfg.SyncAPI.Fulltext.Enabled {
		js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)
		indexer := consumers.NewOutputRoomUpdateConsumer(processContext, cfg, js, rsAPI, fts)
		if err := indexer.Start(); err != nil {
			logrus.WithError(err).Panic("failed to start fulltext index consumer")
		}
	}

	routing.Setup(routers.Room, handler, enableMetrics)
}
