// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/tokenauth"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var apiRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "playsync",
		Name:      "http_requests_duration_seconds",
		Help:      "How long it took to process an HTTP request",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"handler", "method", "code"},
)

func init() {
	prometheus.MustRegister(apiRequestDuration)
}

// ErrorBody is the JSON error shape used across the HTTP surface.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse builds a util.JSONResponse carrying the standard error body.
func ErrorResponse(code int, errCode, message string) util.JSONResponse {
	return util.JSONResponse{
		Code: code,
		JSON: ErrorBody{Error: errCode, Message: message},
	}
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an
// http.Handler. This is used for APIs that are called from the internet.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			util.SetCORSHeaders(w)
			w.WriteHeader(http.StatusOK)
			return
		}
		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)
		h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
		h.ServeHTTP(w, req)
	}

	return http.HandlerFunc(withSpan)
}

// MakeAdminAPI is a wrapper around MakeExternalAPI which only invokes the
// handler when the caller presented the configured admin token, either as a
// "token" query parameter or as an Authorization bearer token.
func MakeAdminAPI(metricsName string, verifier *tokenauth.Verifier, f func(*http.Request) util.JSONResponse) http.Handler {
	return MakeExternalAPI(metricsName, func(req *http.Request) util.JSONResponse {
		if !verifier.Verify(tokenauth.FromRequest(req)) {
			return ErrorResponse(http.StatusUnauthorized, "unauthorized", "A valid admin token is required.")
		}
		return f(req)
	})
}

// MakeHTTPAPI adds tracing and duration metrics to a raw HTTP handler. This
// is used for handlers that don't speak JSON, e.g. the websocket upgrade.
func MakeHTTPAPI(metricsName string, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		trace, ctx := internal.StartTask(req.Context(), metricsName)
		defer trace.EndTask()
		req = req.WithContext(ctx)
		f(w, req)
	}

	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}

	return promhttp.InstrumentHandlerDuration(
		apiRequestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		http.HandlerFunc(withSpan),
	)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if h == nil {
		logrus.Panic("Housekeeping: Handler is nil")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b.Username != "" && b.Password != "" { // only check if basic auth is set
			user, pass, ok := r.BasicAuth() // pull the basic auth from the request
			if !ok || user != b.Username || pass != b.Password {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}
		h.ServeHTTP(w, r)
	}
}
