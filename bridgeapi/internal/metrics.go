// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(deliveriesTotal)
	})
}

var deliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "playsync",
		Subsystem: "bridgeapi",
		Name:      "deliveries_total",
		Help:      "Total number of mirrored subtree deliveries by outcome.",
	},
	[]string{"outcome"},
)
