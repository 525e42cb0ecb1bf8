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

package kvrouter

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// defaultEventChannelSize bounds the indexer's ingestion channel.
const defaultEventChannelSize = 1024

// KvIndexerConfig holds the configuration for the KvIndexer.
type KvIndexerConfig struct {
	TokenProcessorConfig *kvblock.TokenProcessorConfig `json:"tokenProcessorConfig"`
	KVBlockIndexConfig   *kvblock.IndexConfig          `json:"kvBlockIndexConfig"`
	// EventChannelSize is the capacity of the ingestion channel.
	EventChannelSize int `json:"eventChannelSize"`
}

// DefaultKvIndexerConfig returns a default configuration for the KvIndexer.
func DefaultKvIndexerConfig() *KvIndexerConfig {
	return &KvIndexerConfig{
		TokenProcessorConfig: kvblock.DefaultTokenProcessorConfig(),
		KVBlockIndexConfig:   kvblock.DefaultIndexConfig(),
		EventChannelSize:     defaultEventChannelSize,
	}
}

// KvIndexer maintains the global (approximate) block-to-workers index and
// answers overlap queries. A single background task owns all index
// mutations, draining the ingestion channel until cancellation; queries are
// served from the backend's thread-safe structures and never block behind
// event processing.
type KvIndexer struct {
	config *KvIndexerConfig

	tokensProcessor kvblock.TokenProcessor
	kvBlockIndex    kvblock.Index

	events chan protocols.RouterEvent
}

// NewKvIndexer creates a KvIndexer given a config.
func NewKvIndexer(ctx context.Context, config *KvIndexerConfig) (*KvIndexer, error) {
	if config == nil {
		config = DefaultKvIndexerConfig()
	}
	if config.EventChannelSize <= 0 {
		config.EventChannelSize = defaultEventChannelSize
	}

	tokensProcessor, err := kvblock.NewTokenProcessor(config.TokenProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kvblock.TokenProcessor: %w", err)
	}

	kvBlockIndex, err := kvblock.NewIndex(ctx, config.KVBlockIndexConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kvblock.Index: %w", err)
	}

	return &KvIndexer{
		config:          config,
		tokensProcessor: tokensProcessor,
		kvBlockIndex:    kvBlockIndex,
		events:          make(chan protocols.RouterEvent, config.EventChannelSize),
	}, nil
}

// EventSender exposes the ingestion channel. The indexer drains it
// indefinitely once Run is started.
func (k *KvIndexer) EventSender() chan<- protocols.RouterEvent {
	return k.events
}

// KVBlockIndex returns the kvblock.Index used by the KvIndexer.
func (k *KvIndexer) KVBlockIndex() kvblock.Index {
	return k.kvBlockIndex
}

// BlockSize returns the block size the indexer was configured with.
func (k *KvIndexer) BlockSize() int {
	return k.tokensProcessor.BlockSize()
}

// TokensToBlockHashes hashes a token sequence into its ordered complete-block
// hashes using the shared block size and seed.
func (k *KvIndexer) TokensToBlockHashes(tokens []uint32) []protocols.LocalBlockHash {
	return k.tokensProcessor.TokensToBlockHashes(tokens)
}

// Run drains the ingestion channel, applying each event to the index, until
// the context is canceled. Event application failures are logged and never
// surfaced to query callers; one misbehaving worker's stream must not blind
// the router to the rest of the fleet.
func (k *KvIndexer) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvindexer")
	logger.Info("KV indexer ingestion started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("KV indexer ingestion stopped")
			return
		case routerEvent := <-k.events:
			k.applyEvent(ctx, routerEvent)
		}
	}
}

// applyEvent applies one cache mutation to the index.
func (k *KvIndexer) applyEvent(ctx context.Context, routerEvent protocols.RouterEvent) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvindexer")
	entries := []kvblock.WorkerEntry{{WorkerID: routerEvent.WorkerID, DeviceTier: "gpu"}}

	switch routerEvent.Op {
	case protocols.EventOpStore:
		if err := k.kvBlockIndex.Add(ctx, routerEvent.BlockHashes, entries); err != nil {
			debugLogger.Error(err, "Failed to add blocks to index",
				"workerID", routerEvent.WorkerID, "blocks", len(routerEvent.BlockHashes))
		}
	case protocols.EventOpRemove:
		for _, hash := range routerEvent.BlockHashes {
			if err := k.kvBlockIndex.Evict(ctx, hash, entries); err != nil {
				debugLogger.Error(err, "Failed to remove block from index",
					"workerID", routerEvent.WorkerID, "hash", hash)
				continue // Continue processing other hashes even if one fails
			}
		}
	default:
		debugLogger.Info("Unknown event op, skipping", "op", routerEvent.Op,
			"workerID", routerEvent.WorkerID)
	}
}

// FindMatches counts, per worker, how many leading hashes of the ordered
// query are present in that worker's cache. The match run stops at the
// first hash a worker does not have: KV caches are prefix-structured, so a
// worker missing block k cannot serve block k+1 from cache.
// An empty query yields an empty map, never an error.
func (k *KvIndexer) FindMatches(ctx context.Context,
	hashes []protocols.LocalBlockHash,
) (protocols.OverlapScores, error) {
	scores := make(protocols.OverlapScores)
	if len(hashes) == 0 {
		return scores, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("overlap query canceled: %w", err)
	}

	workersPerHash, err := k.kvBlockIndex.Lookup(ctx, hashes, sets.Set[protocols.WorkerID]{})
	if err != nil {
		return nil, fmt.Errorf("failed to query kvblock index: %w", err)
	}

	// Walk the prefix chain, narrowing the active worker set at each hash.
	activeWorkers := sets.New(workersPerHash[hashes[0]]...)
	for workerID := range activeWorkers {
		scores[workerID] = 1
	}

	for i := 1; i < len(hashes); i++ {
		if activeWorkers.Len() == 0 {
			break
		}

		activeWorkers = activeWorkers.Intersection(sets.New(workersPerHash[hashes[i]]...))
		for workerID := range activeWorkers {
			scores[workerID]++
		}
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvindexer.FindMatches").
		Info("scored overlap", "query-blocks", len(hashes), "scores", scores)

	return scores, nil
}

// FindMatchesForRequest hashes the raw token ids internally and delegates to
// FindMatches.
func (k *KvIndexer) FindMatchesForRequest(ctx context.Context, tokens []uint32) (protocols.OverlapScores, error) {
	return k.FindMatches(ctx, k.tokensProcessor.TokensToBlockHashes(tokens))
}
