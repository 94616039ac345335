// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/internal"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// NewInternalAPI returns a concrete implementation of the room coordinator.
// The bridge sender must be attached with SetBridgeSender before any room
// declares a shared reference.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.PlaySync,
	cm *sqlutil.Connections,
	natsInstance *jetstream.NATSInstance,
	caches *caching.Caches,
	enableMetrics bool,
) api.RoomserverInternalAPI {
	js, nc := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	roomserverDB, err := storage.Open(cm, &cfg.RoomServer.Database, caches)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to room server db")
	}

	return internal.NewRoomserverAPI(processContext, cfg, roomserverDB, js, nc, enableMetrics)
}
