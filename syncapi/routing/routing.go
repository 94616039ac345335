// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/syncapi/sync"
)

// Setup registers the websocket sync endpoint on the public room mux. The
// same path also serves the bridge RPC endpoint; the method keeps them apart.
func Setup(roomMux *mux.Router, handler *sync.Handler, enableMetrics bool) {
	roomMux.Handle("/{roomID}",
		httputil.MakeHTTPAPI("sync_ws", enableMetrics, handler.ServeHTTP),
	).Methods(http.MethodGet)
}
