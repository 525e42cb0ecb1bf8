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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

var (
	// ErrNoWorkersAvailable is returned when the fleet snapshot is empty.
	ErrNoWorkersAvailable = errors.New("no workers available")
	// ErrAllWorkersRejected is returned when a selector declines every
	// candidate.
	ErrAllWorkersRejected = errors.New("all workers rejected by selector")
)

// SchedulingRequest carries the per-request inputs a selector scores against.
type SchedulingRequest struct {
	// ISLTokens is the input-sequence length in tokens.
	ISLTokens int
	// TotalBlocks is the number of complete blocks the input spans.
	// Always at least 1, so overlap fractions are well-defined.
	TotalBlocks uint32
	// OverlapScores maps worker ids to matched-prefix block counts.
	// Workers absent from the map have zero overlap.
	OverlapScores protocols.OverlapScores
}

// WorkerSelectionResult is a selector's verdict, with the score components
// retained for observability.
type WorkerSelectionResult struct {
	WorkerID protocols.WorkerID
	// OverlapBlocks is the matched-prefix block count of the chosen worker.
	OverlapBlocks uint32
	// Score is the fused figure of merit the worker won with.
	Score float64

	OverlapFraction float64
	GPUCacheUsage   float64
	NormalizedQueue float64
}

// WorkerSelector picks one worker for a request given the fleet snapshot.
// The shared block size is passed for length-sensitive policies.
// Implementations must be deterministic: identical inputs yield identical
// verdicts.
type WorkerSelector interface {
	SelectWorker(workers *ProcessedEndpoints, request *SchedulingRequest, blockSize int) (*WorkerSelectionResult, error)
}

// DefaultWorkerSelector fuses cache overlap and load pressure into a linear
// score:
//
//	score = w_overlap * overlapFraction
//	      - w_gpu * gpuCacheUsage
//	      - w_waiting * normalizedQueueDepth
//
// Overlap fraction is the worker's matched blocks over the request's total
// blocks. Queue depth is normalized by the fleet-wide maximum. Stale workers
// stay candidates but are scored with worst-case load, so a fleet that went
// entirely quiet still routes.
type DefaultWorkerSelector struct {
	config KvRouterConfig
}

// NewDefaultWorkerSelector creates a selector with the given weights.
func NewDefaultWorkerSelector(config KvRouterConfig) (*DefaultWorkerSelector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &DefaultWorkerSelector{config: config}, nil
}

// SelectWorker scores every known worker and returns the best. Ties break to
// the lowest worker id: candidates are visited in ascending id order and a
// challenger must score strictly higher to displace the incumbent.
func (s *DefaultWorkerSelector) SelectWorker(workers *ProcessedEndpoints,
	request *SchedulingRequest, _ int,
) (*WorkerSelectionResult, error) {
	if workers.Len() == 0 {
		return nil, ErrNoWorkersAvailable
	}

	totalBlocks := request.TotalBlocks
	if totalBlocks == 0 {
		totalBlocks = 1
	}
	maxWaiting := workers.MaxWaitingRequests()

	var best *WorkerSelectionResult
	for _, workerID := range workers.Workers {
		endpoint := workers.Endpoints[workerID]

		overlapBlocks := request.OverlapScores[workerID]
		candidate := &WorkerSelectionResult{
			WorkerID:        workerID,
			OverlapBlocks:   overlapBlocks,
			OverlapFraction: float64(overlapBlocks) / float64(totalBlocks),
		}

		if endpoint.Stale {
			// No fresh load data; assume the worst so fresh workers win
			// unless cache reuse outweighs it.
			candidate.GPUCacheUsage = 1.0
			candidate.NormalizedQueue = 1.0
		} else {
			candidate.GPUCacheUsage = endpoint.Metrics.GPUCacheUsagePerc
			if maxWaiting > 0 {
				candidate.NormalizedQueue = float64(endpoint.Metrics.NumRequestsWaiting) / float64(maxWaiting)
			}
		}

		candidate.Score = s.config.OverlapScoreWeight*candidate.OverlapFraction -
			s.config.GPUCacheUsageWeight*candidate.GPUCacheUsage -
			s.config.WaitingRequestsWeight*candidate.NormalizedQueue

		if best == nil || candidate.Score > best.Score {
			best = candidate
		}
	}

	return best, nil
}

// KvScheduler turns overlap scores and the live fleet snapshot into a single
// routing decision. Stateless between calls; safe for concurrent use as long
// as the selector is.
type KvScheduler struct {
	selector   WorkerSelector
	aggregator *KvMetricsAggregator
	blockSize  int
}

// NewKvScheduler creates a scheduler over the given selector and fleet view.
func NewKvScheduler(selector WorkerSelector, aggregator *KvMetricsAggregator, blockSize int) (*KvScheduler, error) {
	if selector == nil {
		return nil, errors.New("worker selector is required")
	}
	if aggregator == nil {
		return nil, errors.New("metrics aggregator is required")
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	return &KvScheduler{
		selector:   selector,
		aggregator: aggregator,
		blockSize:  blockSize,
	}, nil
}

// Schedule picks the worker for a request given its overlap scores and
// input-sequence length. Returns ErrNoWorkersAvailable when the fleet is
// empty.
func (s *KvScheduler) Schedule(ctx context.Context, overlapScores protocols.OverlapScores,
	islTokens int,
) (*WorkerSelectionResult, error) {
	workers := s.aggregator.Endpoints()
	if workers.Len() == 0 {
		metrics.SchedulingErrors.Inc()
		return nil, ErrNoWorkersAvailable
	}

	totalBlocks := uint32(islTokens / s.blockSize) //nolint:gosec // bounded by request size
	if totalBlocks == 0 {
		totalBlocks = 1
	}

	request := &SchedulingRequest{
		ISLTokens:     islTokens,
		TotalBlocks:   totalBlocks,
		OverlapScores: overlapScores,
	}

	result, err := s.selector.SelectWorker(workers, request, s.blockSize)
	if err != nil {
		metrics.SchedulingErrors.Inc()
		return nil, fmt.Errorf("worker selection failed: %w", err)
	}
	if result == nil {
		metrics.SchedulingErrors.Inc()
		return nil, ErrAllWorkersRejected
	}

	metrics.SchedulingDecisions.Inc()
	metrics.OverlapBlocks.Observe(float64(result.OverlapBlocks))

	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvscheduler").Info("scheduled request",
		"workerID", result.WorkerID, "overlapBlocks", result.OverlapBlocks,
		"totalBlocks", totalBlocks, "score", result.Score)

	return result, nil
}
