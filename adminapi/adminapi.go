// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package adminapi

import (
	"github.com/spencerc99/playhtml-sub002/adminapi/routing"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	rsapi "github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// AddPublicRoutes sets up and registers the admin control plane. fts may be
// nil when fulltext search is disabled.
func AddPublicRoutes(
	routers httputil.Routers,
	cfg *config.PlaySync,
	rsAPI rsapi.AdminRoomserverAPI,
	fts *fulltext.Search,
) {
	routing.Setup(routers.Room, cfg, rsAPI, fts)
}
