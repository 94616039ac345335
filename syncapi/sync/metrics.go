// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	gosync "sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerMetricsOnce gosync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(activeConnections)
	})
}

var activeConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "playsync",
		Subsystem: "syncapi",
		Name:      "active_connections",
		Help:      "Number of sync websockets currently open.",
	},
)
