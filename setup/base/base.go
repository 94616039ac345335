// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kardianos/minwinsvc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// HTTPServerTimeout is the server write timeout. Websocket connections are
// hijacked on upgrade and outlive it.
const HTTPServerTimeout = time.Minute * 5

// CreateClient creates the HTTP client used for room-to-room RPCs to peer
// coordinators. The dialer enforces the bridge allow/deny network lists so a
// hostile peer URL cannot reach link-local or otherwise filtered ranges.
func CreateClient(cfg *config.PlaySync) *http.Client {
	transport := &http.Transport{
		DialContext: internal.GetDialer(
			cfg.Bridge.AllowNetworks,
			cfg.Bridge.DenyNetworks,
			time.Second*5,
		).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout:   cfg.Bridge.RPCTimeout(),
		Transport: transport,
	}
}

// ConfigureMonitorEndpoints attaches the liveness and readiness probes.
func ConfigureMonitorEndpoints(processContext *process.ProcessContext, routers httputil.Routers) {
	routers.Monitor.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	routers.Monitor.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if isDegraded, reasons := processContext.IsDegraded(); isDegraded {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","reasons":["` + strings.Join(reasons, `","`) + `"]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// SetupAndServeHTTP sets up the HTTP server to serve room traffic, the
// monitor probes and, if enabled, the Prometheus metrics endpoint. It blocks
// until the process context is done, then drains the server.
func SetupAndServeHTTP(
	processContext *process.ProcessContext,
	cfg *config.PlaySync,
	routers httputil.Routers,
) {
	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()

	externalServ := &http.Server{
		Addr:         cfg.Global.ListenAddress,
		WriteTimeout: HTTPServerTimeout,
		Handler:      externalRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return processContext.Context()
		},
	}

	if cfg.Global.Metrics.Enabled {
		externalRouter.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}

	externalRouter.PathPrefix(httputil.MonitorPathPrefix).Handler(routers.Monitor)
	externalRouter.PathPrefix(httputil.PublicRoomPathPrefix).Handler(routers.Room)

	externalRouter.NotFoundHandler = httputil.NotFoundCORSHandler
	externalRouter.MethodNotAllowedHandler = httputil.NotAllowedHandler

	externalListener, err := net.Listen("tcp", externalServ.Addr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to bind the HTTP listener")
	}

	// When run as a Windows service, stop the process context on service stop
	// so components drain the same way they do on SIGTERM.
	minwinsvc.SetOnExit(processContext.ShutdownPlaysync)

	processContext.ComponentStarted()
	go func() {
		defer processContext.ComponentFinished()
		logrus.Infof("Starting external listener on %s", externalServ.Addr)
		if err := externalServ.Serve(externalListener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
		logrus.Infof("Stopped external listener on %s", externalServ.Addr)
	}()

	<-processContext.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	_ = externalServ.Shutdown(ctx)
	logrus.Infof("Stopped HTTP listener")
}

// WaitForShutdown blocks until a SIGINT or SIGTERM arrives or until something
// else shuts the process context down, then waits for every registered
// component to finish.
func WaitForShutdown(processCtx *process.ProcessContext) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.ShutdownPlaysync()
	processCtx.WaitForComponentsToFinish()

	logrus.Warnf("playsync is exiting now")
}
