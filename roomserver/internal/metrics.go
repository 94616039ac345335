// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	roomsLoadedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "playsync",
			Subsystem: "roomserver",
			Name:      "rooms_loaded",
			Help:      "Number of rooms currently resident in memory",
		},
	)
	staleUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "playsync",
			Subsystem: "roomserver",
			Name:      "stale_bridge_updates_total",
			Help:      "Total number of bridge updates dropped for carrying an outdated reset epoch",
		},
	)
	applySubtreesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "playsync",
			Subsystem: "roomserver",
			Name:      "apply_subtrees_duration_seconds",
			Help:      "Time taken to filter and merge one bridge delivery",
			Buckets:   prometheus.DefBuckets,
		},
	)
	autosavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playsync",
			Subsystem: "roomserver",
			Name:      "autosaves_total",
			Help:      "Document save outcomes, labelled saved, stale or failed",
		},
		[]string{"outcome"},
	)
	prunedLeasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playsync",
			Subsystem: "roomserver",
			Name:      "pruned_leases_total",
			Help:      "Bridge registrations dropped after their lease ran out",
		},
		[]string{"kind"},
	)
)

var registerRoomserverMetrics sync.Once

func registerMetrics() {
	registerRoomserverMetrics.Do(func() {
		prometheus.MustRegister(
			roomsLoadedGauge, staleUpdatesTotal, applySubtreesDuration,
			autosavesTotal, prunedLeasesTotal,
		)
	})
}
