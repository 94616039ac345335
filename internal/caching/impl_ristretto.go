// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

const (
	snapshotsCache byte = iota + 1
	roomEpochsCache
)

// NewRistrettoCache creates a new in-memory cache of the given maximum size,
// with all partitions sharing the cost budget. Keys are prefixed per
// partition so the same room ID can appear in more than one partition.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data
		BufferItems: 64,                           // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),
		Metrics:     true,
		KeyToHash:   z.KeyToHash,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "playsync",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "playsync",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		Snapshots: &RistrettoCachePartition[string, []byte]{ // room ID -> serialized snapshot
			cache:   cache,
			Prefix:  snapshotsCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
		RoomEpochs: &RistrettoCachePartition[string, int64]{ // room ID -> stored reset epoch
			cache:   cache,
			Prefix:  roomEpochsCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
	}
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to mutate existing value of %q", key))
		}
	}
	c.cache.SetWithTTL(bkey, value, cost+int64(len(bkey)), c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	cost := int64(1)
	if cv, ok := any(value).(string); ok {
		cost = int64(len(cv))
	} else if cv, ok := any(value).([]byte); ok {
		cost = int64(len(cv))
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %q", key))
	}
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return value, ok
}
