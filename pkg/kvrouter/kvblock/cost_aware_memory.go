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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e8 // 100M keys
	defaultBufferItems = 64  // default buffer size for ristretto
)

// CostAwareMemoryIndexConfig holds the configuration for the CostAwareMemoryIndex.
type CostAwareMemoryIndexConfig struct {
	// Size is the maximum memory size that can be used by the index.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryIndexConfig returns a default configuration for the
// CostAwareMemoryIndex.
func DefaultCostAwareMemoryIndexConfig() *CostAwareMemoryIndexConfig {
	return &CostAwareMemoryIndexConfig{
		Size: "2GiB",
	}
}

// NewCostAwareMemoryIndex creates a new CostAwareMemoryIndex instance.
func NewCostAwareMemoryIndex(cfg *CostAwareMemoryIndexConfig) (*CostAwareMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware index: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *CostWorkerCache]{
		NumCounters: defaultNumCounters, // number of keys to track.
		MaxCost:     int64(sizeBytes),   // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems, // number of keys per Get buffer.
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware index: %w", err)
	}

	return &CostAwareMemoryIndex{
		data: cache,
	}, nil
}

// CostAwareMemoryIndex implements the Index interface using a Ristretto
// cache for cost-aware memory management.
type CostAwareMemoryIndex struct {
	// data holds the mapping of block-hash keys to sets of worker entries.
	data *ristretto.Cache[string, *CostWorkerCache]
	// mu protects concurrent access to the index operations
	mu sync.RWMutex
}

// MaxCost returns the configured maximum byte budget.
func (m *CostAwareMemoryIndex) MaxCost() int64 {
	return m.data.MaxCost()
}

// CostWorkerCache wraps a sync.Map of WorkerEntry and provides cost
// calculation for memory usage estimation.
type CostWorkerCache struct {
	cache sync.Map // map[WorkerEntry]struct{}
}

// Add adds a WorkerEntry to the cache.
func (c *CostWorkerCache) Add(entry WorkerEntry) {
	c.cache.Store(entry, struct{}{})
}

// Len returns the number of entries in the cache.
func (c *CostWorkerCache) Len() int {
	count := 0
	c.cache.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// CalculateByteSize estimates memory usage for ristretto cost calculation.
// This is an approximation used for cache eviction decisions.
func (c *CostWorkerCache) CalculateByteSize(keyStr string) int64 {
	var totalBytes int64
	var entryCount int64

	// Key string memory usage
	totalBytes += int64(len(keyStr))

	// CostWorkerCache struct overhead (sync.Map overhead)
	totalBytes += 64 // approximate sync.Map overhead

	// Count entries and calculate their size
	c.cache.Range(func(key, value interface{}) bool {
		entry, ok := key.(WorkerEntry)
		if !ok {
			return true
		}

		entryCount++
		totalBytes += 8                            // WorkerID
		totalBytes += int64(len(entry.DeviceTier)) // DeviceTier string content
		totalBytes += 16                           // string header
		totalBytes += 8                            // struct padding/alignment
		return true
	})

	// sync.Map overhead estimation
	if entryCount > 0 {
		// Map overhead: assuming 24 bytes per entry (key+value+metadata in sync.Map)
		totalBytes += entryCount * 24
	}

	return totalBytes
}

var _ Index = &CostAwareMemoryIndex{}

// Add adds a set of block hashes and their associated worker entries to the
// index backend.
func (m *CostAwareMemoryIndex) Add(ctx context.Context, hashes []protocols.LocalBlockHash, entries []WorkerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(hashes) == 0 || len(entries) == 0 {
		return fmt.Errorf("no hashes or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Add")

	for _, hash := range hashes {
		keyStr := hashKeyString(hash)
		workerCache, found := m.data.Get(keyStr)
		if !found {
			workerCache = &CostWorkerCache{}
		}

		for _, entry := range entries {
			workerCache.cache.Store(entry, struct{}{})
		}

		// Calculate the actual cost for this cache entry
		cost := workerCache.CalculateByteSize(keyStr)
		m.data.Set(keyStr, workerCache, cost)
		traceLogger.Info("added workers to hash", "hash", hash, "workers", entries, "cost-bytes", cost)
	}
	m.data.Wait()
	return nil
}

// Lookup receives an ordered sequence of block hashes and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// hashes.
func (m *CostAwareMemoryIndex) Lookup(ctx context.Context, hashes []protocols.LocalBlockHash,
	workerSet sets.Set[protocols.WorkerID],
) (map[protocols.LocalBlockHash][]protocols.WorkerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Lookup")

	workersPerHash := make(map[protocols.LocalBlockHash][]protocols.WorkerID)
	highestHitIdx := 0

	for idx, hash := range hashes {
		keyStr := hashKeyString(hash)
		workers, found := m.data.Get(keyStr)
		if !found || workers == nil || workers.Len() == 0 {
			traceLogger.Info("no workers found for hash, cutting search", "hash", hash)
			return workersPerHash, nil // early stop since prefix-chain breaks here
		}

		highestHitIdx = idx

		filterWorkers := workerSet.Len() > 0
		workers.cache.Range(func(k, value interface{}) bool {
			if w, ok := k.(WorkerEntry); ok {
				if !filterWorkers || workerSet.Has(w.WorkerID) {
					workersPerHash[hash] = append(workersPerHash[hash], w.WorkerID)
				}
			}
			return true
		})
	}

	traceLogger.Info("lookup completed", "highest-hit-index", highestHitIdx,
		"workers-per-hash", workersPerHashPrintHelper(workersPerHash))

	return workersPerHash, nil
}

// Evict removes a block hash and its associated worker entries from the
// index backend.
func (m *CostAwareMemoryIndex) Evict(ctx context.Context, hash protocols.LocalBlockHash, entries []WorkerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Evict")
	keyStr := hashKeyString(hash)
	workerCache, found := m.data.Get(keyStr)
	if !found || workerCache == nil {
		traceLogger.Info("hash not found in index, nothing to evict", "hash", hash)
		return nil
	}

	lenBefore := workerCache.Len()

	for _, entry := range entries {
		workerCache.cache.Delete(entry)
	}

	if workerCache.Len() == 0 {
		m.data.Del(keyStr)
		traceLogger.Info("evicted hash from index as no workers remain", "hash", hash)
	} else if lenBefore != workerCache.Len() {
		m.data.Set(keyStr, workerCache, workerCache.CalculateByteSize(keyStr))
		traceLogger.Info("evicted workers from hash", "hash", hash, "workers", entries)
	}
	m.data.Wait()
	return nil
}
