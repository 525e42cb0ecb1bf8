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
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// IndexConfig holds the configuration for the KV-block index.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware memory index.
	CostAwareMemoryConfig *CostAwareMemoryIndexConfig `json:"costAwareMemoryConfig"`

	// EnableMetrics toggles whether admissions/evictions/hits/misses are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultIndexConfig returns a default configuration for the KV-block index.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
		EnableMetrics:  false,
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		idx, err = NewCostAwareMemoryIndex(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory index: %w", err)
		}
	case cfg.RedisConfig != nil:
		idx, err = NewRedisIndex(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return idx, nil
}

// Index defines the interface for a backend that manages KV-block indexing.
//
// An index backend aggregates a possibly fleet-wide view of which workers
// hold which KV blocks, and retrieves worker localities for a given ordered
// sequence of block hashes that constitute a prefix-cache hit. The hit may
// not necessarily be on all hashes, but of the longest prefix match.
//
// The index is an eventually-consistent approximation of true cache state
// built from observed events; it is never a source of truth.
//
// Index operations are thread-safe and can be performed concurrently.
type Index interface {
	// Lookup receives an ordered sequence of block hashes and a set of
	// worker identifiers, and retrieves the filtered workers associated
	// with those hashes. If the workerSet is empty, all workers are
	// returned.
	//
	// Lookup stops at the first hash with no matching workers, since the
	// prefix-chain breaks there. An empty query yields an empty result,
	// not an error.
	Lookup(ctx context.Context, hashes []protocols.LocalBlockHash,
		workerSet sets.Set[protocols.WorkerID]) (map[protocols.LocalBlockHash][]protocols.WorkerID, error)
	// Add associates a set of block hashes with the given worker entries.
	Add(ctx context.Context, hashes []protocols.LocalBlockHash, entries []WorkerEntry) error
	// Evict removes the given worker entries from a block hash, pruning
	// the hash once no workers remain.
	Evict(ctx context.Context, hash protocols.LocalBlockHash, entries []WorkerEntry) error
}

// WorkerEntry represents a worker entry in the KV-block index.
type WorkerEntry struct {
	// WorkerID is the unique identifier for the worker.
	WorkerID protocols.WorkerID
	// DeviceTier is the tier of the device where the KV-block is stored.
	DeviceTier string
}

// String returns a string representation of the WorkerEntry.
func (e *WorkerEntry) String() string {
	return fmt.Sprintf("%d@%s", e.WorkerID, e.DeviceTier)
}

// hashKeyString formats a block hash as a storage key for string-keyed
// backends.
func hashKeyString(hash protocols.LocalBlockHash) string {
	return fmt.Sprintf("kvblock@%d", uint64(hash))
}

// workersPerHashPrintHelper formats a map of hashes to worker ids for printing.
func workersPerHashPrintHelper(m map[protocols.LocalBlockHash][]protocols.WorkerID) string {
	flattened := ""
	for h, v := range m {
		flattened += fmt.Sprintf("%d: %v\n", h, v)
	}

	return flattened
}
