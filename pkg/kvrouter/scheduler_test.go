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

package kvrouter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// fleetView builds a ProcessedEndpoints snapshot from per-worker metrics,
// with ids sorted ascending as the aggregator produces them.
func fleetView(metricsByWorker map[protocols.WorkerID]protocols.ForwardPassMetrics) *kvrouter.ProcessedEndpoints {
	endpoints := make(map[protocols.WorkerID]kvrouter.Endpoint, len(metricsByWorker))
	workers := make([]protocols.WorkerID, 0, len(metricsByWorker))
	for workerID, m := range metricsByWorker {
		m.WorkerID = workerID
		endpoints[workerID] = kvrouter.Endpoint{WorkerID: workerID, Metrics: m, UpdatedAt: time.Now()}
		workers = append(workers, workerID)
	}
	for i := 0; i < len(workers); i++ {
		for j := i + 1; j < len(workers); j++ {
			if workers[j] < workers[i] {
				workers[i], workers[j] = workers[j], workers[i]
			}
		}
	}
	return &kvrouter.ProcessedEndpoints{Endpoints: endpoints, Workers: workers}
}

func defaultSelector(t *testing.T) *kvrouter.DefaultWorkerSelector {
	t.Helper()
	selector, err := kvrouter.NewDefaultWorkerSelector(kvrouter.DefaultKvRouterConfig())
	require.NoError(t, err)
	return selector
}

func TestSelectWorkerPrefersHigherOverlap(t *testing.T) {
	selector := defaultSelector(t)
	workers := fleetView(map[protocols.WorkerID]protocols.ForwardPassMetrics{
		1: {}, 2: {},
	})

	result, err := selector.SelectWorker(workers, &kvrouter.SchedulingRequest{
		TotalBlocks:   4,
		OverlapScores: protocols.OverlapScores{1: 2, 2: 1},
	}, 16)
	require.NoError(t, err)
	assert.Equal(t, protocols.WorkerID(1), result.WorkerID)
	assert.Equal(t, uint32(2), result.OverlapBlocks)
	assert.InDelta(t, 0.5, result.OverlapFraction, 1e-9)
}

func TestSelectWorkerAvoidsLoadedWorkerWithHeavyGPUWeight(t *testing.T) {
	gpuWeight := 5.0
	selector, err := kvrouter.NewDefaultWorkerSelector(
		kvrouter.NewKvRouterConfig(nil, &gpuWeight, nil))
	require.NoError(t, err)

	workers := fleetView(map[protocols.WorkerID]protocols.ForwardPassMetrics{
		1: {GPUCacheUsagePerc: 0.9},
		2: {GPUCacheUsagePerc: 0.0},
	})

	result, err := selector.SelectWorker(workers, &kvrouter.SchedulingRequest{
		TotalBlocks:   4,
		OverlapScores: protocols.OverlapScores{1: 2},
	}, 16)
	require.NoError(t, err)
	assert.Equal(t, protocols.WorkerID(2), result.WorkerID)
	assert.Zero(t, result.OverlapBlocks)
}

func TestSelectWorkerNormalizesQueueDepth(t *testing.T) {
	selector := defaultSelector(t)
	workers := fleetView(map[protocols.WorkerID]protocols.ForwardPassMetrics{
		1: {NumRequestsWaiting: 10},
		2: {NumRequestsWaiting: 0},
	})

	result, err := selector.SelectWorker(workers, &kvrouter.SchedulingRequest{TotalBlocks: 1}, 16)
	require.NoError(t, err)
	assert.Equal(t, protocols.WorkerID(2), result.WorkerID)
	assert.Zero(t, result.NormalizedQueue)
}

func TestSelectWorkerTieBreaksToLowestID(t *testing.T) {
	selector := defaultSelector(t)
	workers := fleetView(map[protocols.WorkerID]protocols.ForwardPassMetrics{
		9: {}, 3: {}, 6: {},
	})

	for i := 0; i < 10; i++ {
		result, err := selector.SelectWorker(workers, &kvrouter.SchedulingRequest{TotalBlocks: 1}, 16)
		require.NoError(t, err)
		assert.Equal(t, protocols.WorkerID(3), result.WorkerID)
	}
}

func TestSelectWorkerScoresStaleAsWorstCase(t *testing.T) {
	selector := defaultSelector(t)

	workers := fleetView(map[protocols.WorkerID]protocols.ForwardPassMetrics{
		1: {GPUCacheUsagePerc: 0.7, NumRequestsWaiting: 3},
		2: {},
	})
	staleEndpoint := workers.Endpoints[2]
	staleEndpoint.Stale = true
	workers.Endpoints[2] = staleEndpoint

	// Even a loaded fresh worker beats a stale one with no overlap.
	result, err := selector.SelectWorker(workers, &kvrouter.SchedulingRequest{TotalBlocks: 1}, 16)
	require.NoError(t, err)
	assert.Equal(t, protocols.WorkerID(1), result.WorkerID)

	// Overwhelming cache overlap can still pull the stale worker ahead.
	result, err = selector.SelectWorker(workers, &kvrouter.SchedulingRequest{
		TotalBlocks:   1,
		OverlapScores: protocols.OverlapScores{2: 4},
	}, 16)
	require.NoError(t, err)
	assert.Equal(t, protocols.WorkerID(2), result.WorkerID)
}

func TestSelectWorkerEmptyFleet(t *testing.T) {
	selector := defaultSelector(t)
	_, err := selector.SelectWorker(&kvrouter.ProcessedEndpoints{}, &kvrouter.SchedulingRequest{TotalBlocks: 1}, 16)
	assert.ErrorIs(t, err, kvrouter.ErrNoWorkersAvailable)
}

func TestKvRouterConfigValidation(t *testing.T) {
	negative := -1.0
	_, err := kvrouter.NewDefaultWorkerSelector(
		kvrouter.NewKvRouterConfig(&negative, nil, nil))
	assert.Error(t, err)

	overlap := 2.5
	cfg := kvrouter.NewKvRouterConfig(&overlap, nil, nil)
	assert.InDelta(t, 2.5, cfg.OverlapScoreWeight, 1e-9)
	assert.InDelta(t, 1.0, cfg.GPUCacheUsageWeight, 1e-9)
	assert.InDelta(t, 1.0, cfg.WaitingRequestsWeight, 1e-9)
}

func TestSchedulerSchedule(t *testing.T) {
	aggregator := kvrouter.NewKvMetricsAggregator(nil)
	scheduler, err := kvrouter.NewKvScheduler(defaultSelector(t), aggregator, 16)
	require.NoError(t, err)

	t.Run("EmptyFleet", func(t *testing.T) {
		_, scheduleErr := scheduler.Schedule(t.Context(), nil, 64)
		assert.ErrorIs(t, scheduleErr, kvrouter.ErrNoWorkersAvailable)
	})

	aggregator.Ingest(protocols.ForwardPassMetrics{WorkerID: 1})
	aggregator.Ingest(protocols.ForwardPassMetrics{WorkerID: 2})

	t.Run("PicksOverlapWinner", func(t *testing.T) {
		result, scheduleErr := scheduler.Schedule(t.Context(),
			protocols.OverlapScores{2: 3}, 64)
		require.NoError(t, scheduleErr)
		assert.Equal(t, protocols.WorkerID(2), result.WorkerID)
		assert.Equal(t, uint32(3), result.OverlapBlocks)
	})

	t.Run("ShortRequestStillSchedules", func(t *testing.T) {
		// Fewer tokens than one block: overlap fraction denominator
		// clamps to one block.
		result, scheduleErr := scheduler.Schedule(t.Context(), nil, 5)
		require.NoError(t, scheduleErr)
		assert.Equal(t, protocols.WorkerID(1), result.WorkerID)
	})
}

func TestNewKvSchedulerValidation(t *testing.T) {
	aggregator := kvrouter.NewKvMetricsAggregator(nil)

	_, err := kvrouter.NewKvScheduler(nil, aggregator, 16)
	assert.Error(t, err)

	_, err = kvrouter.NewKvScheduler(defaultSelector(t), nil, 16)
	assert.Error(t, err)

	_, err = kvrouter.NewKvScheduler(defaultSelector(t), aggregator, 0)
	assert.Error(t, err)
}
