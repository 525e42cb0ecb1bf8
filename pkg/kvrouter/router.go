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

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvevents"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// KvRouter is the cache-aware placement façade. It composes the indexer, the
// metrics aggregator, the event pool, and the scheduler into a single
// decision surface: token ids in, worker id out.
type KvRouter struct {
	config *Config

	indexer    *KvIndexer
	aggregator *KvMetricsAggregator
	scheduler  *KvScheduler
	eventsPool *kvevents.Pool

	// hitRatePublisher is nil when publication is disabled.
	hitRatePublisher *kvevents.Publisher
}

// NewKvRouter creates a KvRouter given a config and a worker selector.
// A nil selector gets the default weighted selector with the configured
// weights.
func NewKvRouter(ctx context.Context, config *Config, selector WorkerSelector) (*KvRouter, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	indexer, err := NewKvIndexer(ctx, config.IndexerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create KvIndexer: %w", err)
	}

	aggregator := NewKvMetricsAggregator(config.MetricsConfig)

	if selector == nil {
		selector, err = NewDefaultWorkerSelector(config.RouterConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create default worker selector: %w", err)
		}
	}

	scheduler, err := NewKvScheduler(selector, aggregator, indexer.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("failed to create KvScheduler: %w", err)
	}

	var hitRatePublisher *kvevents.Publisher
	if config.HitRatePublisherConfig != nil {
		hitRatePublisher, err = kvevents.NewPublisher(config.HitRatePublisherConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create hit-rate publisher: %w", err)
		}
	}

	metrics.Register()

	return &KvRouter{
		config:           config,
		indexer:          indexer,
		aggregator:       aggregator,
		scheduler:        scheduler,
		eventsPool:       kvevents.NewPool(config.EventsPoolConfig, indexer.EventSender()),
		hitRatePublisher: hitRatePublisher,
	}, nil
}

// Indexer returns the router's cache-overlap indexer.
func (r *KvRouter) Indexer() *KvIndexer {
	return r.indexer
}

// Aggregator returns the router's fleet-metrics aggregator.
func (r *KvRouter) Aggregator() *KvMetricsAggregator {
	return r.aggregator
}

// BlockSize returns the token-block size all components share.
func (r *KvRouter) BlockSize() int {
	return r.indexer.BlockSize()
}

// Run starts the ingestion pipelines and blocks until the context is
// canceled. Decision methods are usable as soon as Run is started; before
// any events or metrics arrive they operate on an empty view.
func (r *KvRouter) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("kvrouter")
	logger.Info("starting KV router", "blockSize", r.BlockSize())

	r.eventsPool.Start(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.indexer.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		r.aggregator.Run(gCtx)
		return nil
	})

	err := g.Wait()

	r.eventsPool.Shutdown(ctx)
	if r.hitRatePublisher != nil {
		if closeErr := r.hitRatePublisher.Close(); closeErr != nil {
			logger.Error(closeErr, "failed to close hit-rate publisher")
		}
	}

	logger.Info("KV router stopped")
	return err
}

// FindBestMatch scores the fleet for a token sequence and returns the chosen
// worker together with its matched-prefix block count.
func (r *KvRouter) FindBestMatch(ctx context.Context, tokens []uint32) (protocols.WorkerID, uint32, error) {
	hashes := r.indexer.TokensToBlockHashes(tokens)

	overlapScores, err := r.indexer.FindMatches(ctx, hashes)
	if err != nil {
		return 0, 0, fmt.Errorf("overlap query failed: %w", err)
	}

	result, err := r.scheduler.Schedule(ctx, overlapScores, len(tokens))
	if err != nil {
		return 0, 0, err
	}

	r.publishHitRate(ctx, result.WorkerID, uint32(len(hashes)), result.OverlapBlocks) //nolint:gosec // block counts are small

	return result.WorkerID, result.OverlapBlocks, nil
}

// Schedule picks a worker for a preprocessed request's token ids.
// TODO: thread loraID into block hashing so adapters don't share cache hits.
func (r *KvRouter) Schedule(ctx context.Context, tokens []uint32, _ uint64) (protocols.WorkerID, error) {
	workerID, _, err := r.FindBestMatch(ctx, tokens)
	return workerID, err
}

// Generate resolves a routing request to a response stream. The stream
// carries exactly one response and is closed; it exists so callers consume
// placement decisions and engine outputs through the same shape.
func (r *KvRouter) Generate(ctx context.Context, request *protocols.RouterRequest) (<-chan protocols.RouterResponse, error) {
	workerID, _, err := r.FindBestMatch(ctx, request.Tokens)
	if err != nil {
		return nil, err
	}

	out := make(chan protocols.RouterResponse, 1)
	out <- protocols.RouterResponse{WorkerID: workerID}
	close(out)
	return out, nil
}

// publishHitRate reports a decision outcome on the hit-rate subject when
// publication is enabled. Failures are logged, never surfaced; observability
// must not fail a placement.
func (r *KvRouter) publishHitRate(ctx context.Context, workerID protocols.WorkerID, islBlocks, overlapBlocks uint32) {
	if r.hitRatePublisher == nil {
		return
	}

	event := &protocols.KVHitRateEvent{
		WorkerID:      workerID,
		ISLBlocks:     islBlocks,
		OverlapBlocks: overlapBlocks,
	}
	if err := r.hitRatePublisher.PublishHitRate(event); err != nil {
		klog.FromContext(ctx).V(logging.DEBUG).Error(err, "failed to publish hit-rate event",
			"workerID", workerID)
	}
}
