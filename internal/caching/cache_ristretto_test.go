// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// createTestCache creates a new Ristretto cache for testing
func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

// createDefaultTestCache creates a cache with sensible defaults
func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour) // 1MB cache, 1 hour TTL
}

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond) // Ristretto uses async operations
}

func TestRistrettoCachePartition_Set_StoresValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.Snapshots.Set("example.com-home", []byte("snapshot-blob"))
	waitForCacheProcessing(t)

	blob, ok := cache.Snapshots.Get("example.com-home")

	assert.True(t, ok, "Expected value to be found in cache")
	assert.Equal(t, []byte("snapshot-blob"), blob)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	blob, ok := cache.Snapshots.Get("example.com-nonexistent")

	assert.False(t, ok)
	assert.Nil(t, blob)
}

func TestRistrettoCachePartition_Set_OverwritesMutableValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.Snapshots.Set("example.com-home", []byte("old"))
	waitForCacheProcessing(t)
	cache.Snapshots.Set("example.com-home", []byte("new"))
	waitForCacheProcessing(t)

	blob, ok := cache.Snapshots.Get("example.com-home")

	require.True(t, ok)
	assert.Equal(t, []byte("new"), blob)
}

func TestRistrettoCachePartition_Unset_RemovesValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.Snapshots.Set("example.com-home", []byte("snapshot-blob"))
	waitForCacheProcessing(t)

	cache.Snapshots.Unset("example.com-home")
	waitForCacheProcessing(t)

	_, ok := cache.Snapshots.Get("example.com-home")
	assert.False(t, ok)
}

func TestRistrettoCachePartition_Set_ExpiresAfterMaxAge(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 50*time.Millisecond)

	cache.Snapshots.Set("example.com-home", []byte("snapshot-blob"))
	waitForCacheProcessing(t)

	_, ok := cache.Snapshots.Get("example.com-home")
	require.True(t, ok, "value should be present before the TTL elapses")

	time.Sleep(100 * time.Millisecond)

	_, ok = cache.Snapshots.Get("example.com-home")
	assert.False(t, ok, "value should have expired")
}

func TestRistrettoCachePartition_PartitionsDoNotCollide(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	// The same room ID is a valid key in both partitions.
	cache.Snapshots.Set("example.com-home", []byte("snapshot-blob"))
	cache.RoomEpochs.Set("example.com-home", 3)
	waitForCacheProcessing(t)

	blob, ok := cache.Snapshots.Get("example.com-home")
	require.True(t, ok)
	assert.Equal(t, []byte("snapshot-blob"), blob)

	epoch, ok := cache.RoomEpochs.Get("example.com-home")
	require.True(t, ok)
	assert.Equal(t, int64(3), epoch)
}

func TestRistrettoCachePartition_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			roomID := fmt.Sprintf("example.com-room%d", n)
			cache.Snapshots.Set(roomID, []byte(roomID))
			cache.Snapshots.Get(roomID)
			cache.RoomEpochs.Set(roomID, int64(n))
		}(i)
	}
	wg.Wait()
	waitForCacheProcessing(t)

	// No assertion on presence: ristretto may drop entries under pressure.
	// The test exists to fail under the race detector if access isn't safe.
}

func TestCaches_RoomSnapshot_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomSnapshot("example.com-home", []byte("snapshot-blob"))
	waitForCacheProcessing(t)

	blob, ok := cache.GetRoomSnapshot("example.com-home")

	assert.True(t, ok)
	assert.Equal(t, []byte("snapshot-blob"), blob)
}

func TestCaches_RoomSnapshot_EvictRemoves(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomSnapshot("example.com-home", []byte("snapshot-blob"))
	waitForCacheProcessing(t)

	_, ok := cache.GetRoomSnapshot("example.com-home")
	require.True(t, ok)

	cache.EvictRoomSnapshot("example.com-home")
	waitForCacheProcessing(t)

	_, ok = cache.GetRoomSnapshot("example.com-home")
	assert.False(t, ok)
}

func TestCaches_RoomEpoch_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomEpoch("example.com-home", 7)
	waitForCacheProcessing(t)

	epoch, ok := cache.GetRoomEpoch("example.com-home")

	assert.True(t, ok)
	assert.Equal(t, int64(7), epoch)

	cache.EvictRoomEpoch("example.com-home")
	waitForCacheProcessing(t)

	_, ok = cache.GetRoomEpoch("example.com-home")
	assert.False(t, ok)
}
