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

package kvblock

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	defaultInMemoryIndexSize = 1e8 // TODO: change to memory-size based configuration
	defaultWorkersPerHash    = 10
)

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of block hashes that can be stored in the index.
	Size int `json:"size"`
	// WorkerCacheSize is the maximum number of worker entries per hash.
	WorkerCacheSize int `json:"workerCacheSize"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:            defaultInMemoryIndexSize,
		WorkerCacheSize: defaultWorkersPerHash,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[protocols.LocalBlockHash, *WorkerCache](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{
		data:            cache,
		workerCacheSize: cfg.WorkerCacheSize,
	}, nil
}

// InMemoryIndex is an in-memory implementation of the Index interface.
type InMemoryIndex struct {
	// data holds the mapping of block hashes to sets of worker entries.
	data *lru.Cache[protocols.LocalBlockHash, *WorkerCache]
	// workerCacheSize is the maximum number of worker entries per hash.
	workerCacheSize int
}

var _ Index = &InMemoryIndex{}

// WorkerCache represents a cache for worker entries.
type WorkerCache struct {
	// cache is an LRU cache of WorkerEntry. thread-safe.
	cache *lru.Cache[WorkerEntry, struct{}]
	// mu protects the cache from concurrent access during check-and-set operations.
	mu sync.Mutex
}

// Lookup receives an ordered sequence of block hashes and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// hashes. If the workerSet is empty, all workers are returned.
// Lookup stops at the first hash whose worker set is empty, since the
// prefix-chain breaks there.
func (m *InMemoryIndex) Lookup(ctx context.Context, hashes []protocols.LocalBlockHash,
	workerSet sets.Set[protocols.WorkerID],
) (map[protocols.LocalBlockHash][]protocols.WorkerID, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Lookup")

	workersPerHash := make(map[protocols.LocalBlockHash][]protocols.WorkerID)
	highestHitIdx := 0

	for idx, hash := range hashes {
		workers, found := m.data.Get(hash)
		if !found {
			traceLogger.Info("hash not found in index, cutting search", "hash", hash)
			return workersPerHash, nil // early stop since prefix-chain breaks here
		}

		if workers == nil || workers.cache.Len() == 0 {
			traceLogger.Info("no workers found for hash, cutting search", "hash", hash)
			return workersPerHash, nil
		}

		highestHitIdx = idx

		if workerSet.Len() == 0 {
			// If no worker identifiers are provided, return all workers
			workersPerHash[hash] = append(workersPerHash[hash],
				utils.SliceMap(workers.cache.Keys(), func(w WorkerEntry) protocols.WorkerID {
					return w.WorkerID
				})...)
		} else {
			// Filter workers based on the provided identifiers
			for _, w := range workers.cache.Keys() {
				if workerSet.Has(w.WorkerID) {
					workersPerHash[hash] = append(workersPerHash[hash], w.WorkerID)
				}
			}
		}
	}

	traceLogger.Info("lookup completed", "highest-hit-index", highestHitIdx,
		"workers-per-hash", workersPerHashPrintHelper(workersPerHash))

	return workersPerHash, nil
}

// Add adds a set of block hashes and their associated worker entries to the
// index backend.
func (m *InMemoryIndex) Add(ctx context.Context, hashes []protocols.LocalBlockHash, entries []WorkerEntry) error {
	if len(hashes) == 0 || len(entries) == 0 {
		return fmt.Errorf("no hashes or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Add")

	for _, hash := range hashes {
		var workerCache *WorkerCache
		var found bool

		workerCache, found = m.data.Get(hash)
		//nolint:nestif // double-checked locking pattern
		if !found {
			cache, err := lru.New[WorkerEntry, struct{}](m.workerCacheSize)
			if err != nil {
				return fmt.Errorf("failed to create worker cache for hash %d: %w", hash, err)
			}

			newWorkerCache := &WorkerCache{
				cache: cache,
			}

			// Try to add, but use existing if another goroutine added it first.
			// This is a bounded retry (1) - not perfectly safe but sufficient
			// for practical workloads.
			contains, _ := m.data.ContainsOrAdd(hash, newWorkerCache)
			if contains {
				workerCache, found = m.data.Get(hash)
				if !found { // Extremely irregular workload pattern - hash evicted
					m.data.Add(hash, newWorkerCache)
					workerCache = newWorkerCache
				}
			} else {
				// We successfully added our cache
				workerCache = newWorkerCache
			}
		}

		workerCache.mu.Lock()
		for _, entry := range entries {
			workerCache.cache.Add(entry, struct{}{})
		}
		workerCache.mu.Unlock()

		traceLogger.Info("added workers to hash", "hash", hash, "workers", entries)
	}

	return nil
}

// Evict removes a block hash and its associated worker entries from the
// index backend.
func (m *InMemoryIndex) Evict(ctx context.Context, hash protocols.LocalBlockHash, entries []WorkerEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Evict")

	workerCache, found := m.data.Get(hash)
	if !found || workerCache == nil {
		traceLogger.Info("hash not found in index, nothing to evict", "hash", hash)
		return nil
	}

	workerCache.mu.Lock()
	for _, entry := range entries {
		workerCache.cache.Remove(entry)
	}

	isEmpty := workerCache.cache.Len() == 0
	workerCache.mu.Unlock()

	traceLogger.Info("evicted workers from hash", "hash", hash, "workers", entries)

	// Remove hash from main cache if empty
	if isEmpty {
		// Double-check after getting the cache again to MINIMIZE race window.
		// Worst case, we leave an empty cache behind which would be cleaned up
		// by LRU if needed.
		if currentCache, stillExists := m.data.Get(hash); stillExists && currentCache != nil {
			currentCache.mu.Lock()
			stillEmpty := currentCache.cache.Len() == 0
			currentCache.mu.Unlock()

			if stillEmpty {
				m.data.Remove(hash)
				traceLogger.Info("evicted hash from index as no workers remain", "hash", hash)
			}
		}
	}

	return nil
}
