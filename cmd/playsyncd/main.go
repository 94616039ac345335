// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/bridgeapi"
	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver"
	"github.com/spencerc99/playhtml-sub002/setup"
	"github.com/spencerc99/playhtml-sub002/setup/base"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

func main() {
	cfg := setup.ParseFlags()

	processCtx := process.NewProcessContext()
	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)
	internal.SetupPprof()

	logrus.Infof("PlaySync version %s", internal.VersionString())

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       cfg.Global.InstanceName,
			Release:          "playsync@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		go func() {
			<-processCtx.WaitForShutdown()
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	httpClient := base.CreateClient(cfg)

	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	routers := httputil.NewRouters()
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge(), caching.EnableMetrics)
	natsInstance := jetstream.NATSInstance{}

	rsAPI := roomserver.NewInternalAPI(processCtx, cfg, cm, &natsInstance, caches, caching.EnableMetrics)
	bridgeSender := bridgeapi.NewBridgeSender(cfg, rsAPI, httpClient, caching.EnableMetrics)
	rsAPI.SetBridgeSender(bridgeSender)

	var fts *fulltext.Search
	if cfg.SyncAPI.Fulltext.Enabled {
		fts, err = fulltext.New(processCtx, cfg.SyncAPI.Fulltext)
		if err != nil {
			logrus.WithError(err).Panic("failed to open full text database")
		}
	}

	monolith := setup.Monolith{
		Config: cfg,
		Client: httpClient,

		RoomserverAPI: rsAPI,
		BridgeSender:  bridgeSender,
		Fulltext:      fts,
	}
	monolith.AddAllPublicRoutes(processCtx, cfg, routers, &natsInstance, caching.EnableMetrics)

	base.ConfigureMonitorEndpoints(processCtx, routers)

	go func() {
		base.SetupAndServeHTTP(processCtx, cfg, routers)
	}()

	base.WaitForShutdown(processCtx)
}
