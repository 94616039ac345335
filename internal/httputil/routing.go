// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

const (
	// PublicRoomPathPrefix is the prefix all room traffic is served under: the
	// websocket sync endpoint, the room-to-room RPCs and the admin operations.
	PublicRoomPathPrefix = "/room/"

	// MonitorPathPrefix carries the liveness and readiness probes.
	MonitorPathPrefix = "/_playsync/monitor/"
)

// Routers holds the path prefix routers the server serves. Room IDs are
// percent-encoded and may contain encoded slashes, so the room router must
// match on the encoded path and never clean it.
type Routers struct {
	Room    *mux.Router
	Monitor *mux.Router
}

// NewRouters makes new Routers.
func NewRouters() Routers {
	r := Routers{
		Room:    mux.NewRouter().SkipClean(true).PathPrefix(PublicRoomPathPrefix).Subrouter().UseEncodedPath(),
		Monitor: mux.NewRouter().SkipClean(true).PathPrefix(MonitorPathPrefix).Subrouter().UseEncodedPath(),
	}
	r.configureHTTPErrors()
	return r
}

var NotAllowedHandler = WrapHandlerInCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	unrecognizedErr, _ := json.Marshal(ErrorBody{Error: "unrecognized", Message: "Unrecognized request"}) // nolint:misspell
	_, _ = w.Write(unrecognizedErr)
}))

var NotFoundCORSHandler = WrapHandlerInCORS(http.NotFoundHandler())

func (r *Routers) configureHTTPErrors() {
	for _, router := range []*mux.Router{
		r.Room, r.Monitor,
	} {
		router.NotFoundHandler = NotFoundCORSHandler
		router.MethodNotAllowedHandler = NotAllowedHandler
	}
}

// WrapHandlerInCORS adds CORS headers to all responses, including all error
// responses. Handles OPTIONS requests directly.
func WrapHandlerInCORS(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			// Its easiest just to always return a 200 OK for everything. Whether
			// this is technically correct or not is a question, but in the end this
			// is what a lot of other people do and the clients are perfectly happy
			// with it.
			w.WriteHeader(http.StatusOK)
		} else {
			h.ServeHTTP(w, r)
		}
	}
}
