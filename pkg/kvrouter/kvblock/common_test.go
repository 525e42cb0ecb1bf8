/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvblock_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// testCommonIndexBehavior runs a shared behavior suite over any Index
// implementation. indexFactory should return a fresh index per test for
// isolation.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) kvblock.Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		testBasicAddAndLookup(t, ctx, indexFactory(t))
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		testEmptyQuery(t, ctx, indexFactory(t))
	})

	t.Run("PrefixChainEarlyStop", func(t *testing.T) {
		testPrefixChainEarlyStop(t, ctx, indexFactory(t))
	})

	t.Run("FilteredLookup", func(t *testing.T) {
		testFilteredLookup(t, ctx, indexFactory(t))
	})

	t.Run("EvictBasic", func(t *testing.T) {
		testEvictBasic(t, ctx, indexFactory(t))
	})

	t.Run("EvictPrunesHash", func(t *testing.T) {
		testEvictPrunesHash(t, ctx, indexFactory(t))
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(t, ctx, indexFactory(t))
	})
}

func testBasicAddAndLookup(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	hash := protocols.LocalBlockHash(12345)
	entries := []kvblock.WorkerEntry{
		{WorkerID: 1, DeviceTier: "gpu"},
		{WorkerID: 2, DeviceTier: "gpu"},
	}

	err := index.Add(ctx, []protocols.LocalBlockHash{hash}, entries)
	require.NoError(t, err)

	workersPerHash, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
	assert.Len(t, workersPerHash, 1)
	assert.Contains(t, workersPerHash, hash)
	assert.ElementsMatch(t, workersPerHash[hash], []protocols.WorkerID{1, 2})
}

func testEmptyQuery(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()

	workersPerHash, err := index.Lookup(ctx, nil, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
	assert.Empty(t, workersPerHash)
}

// testPrefixChainEarlyStop verifies that lookup cuts the scan at the first
// hash no worker holds: hashes past the break must not appear in the result
// even when they are present in the index.
func testPrefixChainEarlyStop(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	entries := []kvblock.WorkerEntry{{WorkerID: 7, DeviceTier: "gpu"}}

	held := []protocols.LocalBlockHash{100, 101}
	orphan := protocols.LocalBlockHash(103)
	require.NoError(t, index.Add(ctx, held, entries))
	require.NoError(t, index.Add(ctx, []protocols.LocalBlockHash{orphan}, entries))

	// 102 was never stored; the chain breaks there.
	query := []protocols.LocalBlockHash{100, 101, 102, 103}
	workersPerHash, err := index.Lookup(ctx, query, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
	assert.Len(t, workersPerHash, 2)
	assert.Contains(t, workersPerHash, protocols.LocalBlockHash(100))
	assert.Contains(t, workersPerHash, protocols.LocalBlockHash(101))
	assert.NotContains(t, workersPerHash, orphan)
}

func testFilteredLookup(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	hash := protocols.LocalBlockHash(98765)
	entries := []kvblock.WorkerEntry{
		{WorkerID: 1, DeviceTier: "gpu"},
		{WorkerID: 2, DeviceTier: "gpu"},
		{WorkerID: 3, DeviceTier: "gpu"},
	}

	require.NoError(t, index.Add(ctx, []protocols.LocalBlockHash{hash}, entries))

	// Filter to a single worker
	workersPerHash, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.New[protocols.WorkerID](1))
	require.NoError(t, err)
	assert.Len(t, workersPerHash, 1)
	assert.Equal(t, []protocols.WorkerID{1}, workersPerHash[hash])

	// Filter to multiple workers
	workersPerHash, err = index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.New[protocols.WorkerID](1, 3))
	require.NoError(t, err)
	assert.ElementsMatch(t, workersPerHash[hash], []protocols.WorkerID{1, 3})

	// Filter to an unknown worker cuts the chain at the first hash
	workersPerHash, err = index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.New[protocols.WorkerID](999))
	require.NoError(t, err)
	assert.Empty(t, workersPerHash)
}

func testEvictBasic(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	hash := protocols.LocalBlockHash(11111)
	entries := []kvblock.WorkerEntry{
		{WorkerID: 1, DeviceTier: "gpu"},
		{WorkerID: 2, DeviceTier: "gpu"},
		{WorkerID: 3, DeviceTier: "gpu"},
	}

	require.NoError(t, index.Add(ctx, []protocols.LocalBlockHash{hash}, entries))

	err := index.Evict(ctx, hash, []kvblock.WorkerEntry{{WorkerID: 1, DeviceTier: "gpu"}})
	require.NoError(t, err)

	workersPerHash, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
	assert.Len(t, workersPerHash, 1)
	assert.ElementsMatch(t, []protocols.WorkerID{2, 3}, workersPerHash[hash])
}

func testEvictPrunesHash(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	hash := protocols.LocalBlockHash(22222)
	entry := kvblock.WorkerEntry{WorkerID: 4, DeviceTier: "gpu"}

	require.NoError(t, index.Add(ctx, []protocols.LocalBlockHash{hash}, []kvblock.WorkerEntry{entry}))
	require.NoError(t, index.Evict(ctx, hash, []kvblock.WorkerEntry{entry}))

	workersPerHash, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
	assert.Empty(t, workersPerHash)

	// Evicting the pruned hash again is a no-op, not an error
	require.NoError(t, index.Evict(ctx, hash, []kvblock.WorkerEntry{entry}))
}

func testConcurrentOperations(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	hash := protocols.LocalBlockHash(1000)

	var wg sync.WaitGroup
	errChan := make(chan error, 1000)

	for goroutineID := 0; goroutineID < 50; goroutineID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for operationIndex := 0; operationIndex < 10; operationIndex++ {
				workerID := protocols.WorkerID(id*100 + operationIndex) //nolint:gosec // test ids are tiny
				switch operationIndex % 3 {
				case 0:
					entries := []kvblock.WorkerEntry{{WorkerID: workerID, DeviceTier: "gpu"}}
					if err := index.Add(ctx, []protocols.LocalBlockHash{hash}, entries); err != nil {
						errChan <- fmt.Errorf("add: %w", err)
					}
				case 1:
					if _, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash},
						sets.Set[protocols.WorkerID]{}); err != nil {
						errChan <- fmt.Errorf("lookup: %w", err)
					}
				case 2:
					entries := []kvblock.WorkerEntry{{WorkerID: workerID - 2, DeviceTier: "gpu"}}
					if err := index.Evict(ctx, hash, entries); err != nil {
						errChan <- fmt.Errorf("evict: %w", err)
					}
				}
			}
		}(goroutineID)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	_, err := index.Lookup(ctx, []protocols.LocalBlockHash{hash}, sets.Set[protocols.WorkerID]{})
	require.NoError(t, err)
}
