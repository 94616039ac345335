// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

// Caches contains a set of references to caches. They may be wired up to
// different implementations.
type Caches struct {
	Snapshots  CachePartition[string, []byte] // room ID -> serialized snapshot
	RoomEpochs CachePartition[string, int64]  // room ID -> stored reset epoch
}

// CachePartition defines the required methods for a single cache partition.
type CachePartition[K keyable, V any] interface {
	Set(key K, value V)
	Unset(key K)
	Get(key K) (value V, ok bool)
}

// keyable is the type constraint for cache keys.
type keyable interface {
	~string | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

const (
	DisableMetrics = false
	EnableMetrics  = true
)
