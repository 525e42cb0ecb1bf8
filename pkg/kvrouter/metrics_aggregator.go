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
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	// MetricsTopic is the logical endpoint workers publish load snapshots on.
	MetricsTopic = "load_metrics"

	defaultStalenessThreshold = 30 * time.Second

	metricsRetryInterval = 5 * time.Second
	metricsPollTimeout   = 250 * time.Millisecond
)

// KvMetricsAggregatorConfig holds the configuration for the metrics
// aggregator.
type KvMetricsAggregatorConfig struct {
	// ZMQEndpoint is the ZMQ address to listen on (e.g., "tcp://*:5559").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter.
	TopicFilter string `json:"topicFilter"`
	// StalenessThreshold flags workers not heard from within the window.
	StalenessThreshold time.Duration `json:"stalenessThreshold"`
}

// DefaultKvMetricsAggregatorConfig returns a default configuration for the
// metrics aggregator.
func DefaultKvMetricsAggregatorConfig() *KvMetricsAggregatorConfig {
	return &KvMetricsAggregatorConfig{
		ZMQEndpoint:        "tcp://*:5559",
		TopicFilter:        MetricsTopic,
		StalenessThreshold: defaultStalenessThreshold,
	}
}

// KvMetricsAggregator maintains a continuously refreshed, read-only snapshot
// of every known worker's load metrics. A single subscription goroutine owns
// the underlying map; readers always get the most recent completed snapshot
// through an atomic pointer and never block on network activity.
type KvMetricsAggregator struct {
	config *KvMetricsAggregatorConfig

	// mu serializes writers; the subscription goroutine is normally the
	// only one.
	mu    sync.Mutex
	known map[protocols.WorkerID]Endpoint

	snapshot atomic.Pointer[ProcessedEndpoints]
}

// NewKvMetricsAggregator creates an aggregator with an empty fleet view.
func NewKvMetricsAggregator(config *KvMetricsAggregatorConfig) *KvMetricsAggregator {
	if config == nil {
		config = DefaultKvMetricsAggregatorConfig()
	}
	if config.StalenessThreshold <= 0 {
		config.StalenessThreshold = defaultStalenessThreshold
	}

	a := &KvMetricsAggregator{
		config: config,
		known:  make(map[protocols.WorkerID]Endpoint),
	}
	a.snapshot.Store(newProcessedEndpoints(map[protocols.WorkerID]Endpoint{}))
	return a
}

// Endpoints returns the latest completed snapshot. Never nil, never partial.
func (a *KvMetricsAggregator) Endpoints() *ProcessedEndpoints {
	return a.snapshot.Load()
}

// Ingest applies a single load snapshot to the fleet view and republishes
// the aggregate. It is called from the subscription loop, and directly by
// tests or embedders that bypass the ZMQ transport.
func (a *KvMetricsAggregator) Ingest(metrics protocols.ForwardPassMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.known[metrics.WorkerID] = Endpoint{
		WorkerID:  metrics.WorkerID,
		Metrics:   metrics,
		UpdatedAt: time.Now(),
	}
	a.publishSnapshot()
}

// refreshSnapshot republishes the aggregate without new data, moving
// staleness flags forward.
func (a *KvMetricsAggregator) refreshSnapshot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishSnapshot()
}

// publishSnapshot copies the fleet view, refreshes staleness flags, and
// swaps the atomic snapshot. Callers must hold mu.
func (a *KvMetricsAggregator) publishSnapshot() {
	now := time.Now()
	copied := make(map[protocols.WorkerID]Endpoint, len(a.known))
	for workerID, ep := range a.known {
		ep.Stale = now.Sub(ep.UpdatedAt) > a.config.StalenessThreshold
		copied[workerID] = ep
	}

	a.snapshot.Store(newProcessedEndpoints(copied))
}

// Run subscribes to the load-metrics topic and keeps the snapshot fresh
// until the context is canceled. Malformed payloads are logged and dropped.
func (a *KvMetricsAggregator) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kv-metrics-aggregator")

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down kv-metrics-aggregator")
			return
		default:
			a.runSubscriber(ctx)
			select {
			case <-time.After(metricsRetryInterval):
				logger.Info("retrying kv-metrics-aggregator subscription")
			case <-ctx.Done():
				logger.Info("shutting down kv-metrics-aggregator")
				return
			}
		}
	}
}

// runSubscriber binds the SUB socket and drains load snapshots until an
// error or cancellation.
func (a *KvMetricsAggregator) runSubscriber(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kv-metrics-aggregator")
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		logger.Error(err, "Failed to create subscriber socket")
		return
	}
	defer sub.Close()

	if err := sub.Bind(a.config.ZMQEndpoint); err != nil {
		logger.Error(err, "Failed to bind subscriber socket", "endpoint", a.config.ZMQEndpoint)
		return
	}

	if err := sub.SetSubscribe(a.config.TopicFilter); err != nil {
		logger.Error(err, "Failed to subscribe to topic filter", "topic", a.config.TopicFilter)
		return
	}
	logger.Info("Bound metrics subscriber socket", "endpoint", a.config.ZMQEndpoint)

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	debugLogger := logger.V(logging.DEBUG)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(metricsPollTimeout)
		if err != nil {
			debugLogger.Error(err, "Failed to poll metrics subscriber", "endpoint", a.config.ZMQEndpoint)
			break // Exit on poll error to reconnect
		}

		if len(polled) == 0 {
			// Quiet fleet; keep staleness flags moving.
			a.refreshSnapshot()
			continue
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			debugLogger.Error(err, "Failed to receive metrics message", "endpoint", a.config.ZMQEndpoint)
			break // Exit on receive error to reconnect
		}
		if len(parts) < 2 {
			debugLogger.Error(nil, "Unexpected metrics message shape, want topic/payload", "parts", len(parts))
			continue
		}

		var metrics protocols.ForwardPassMetrics
		if err := json.Unmarshal(parts[len(parts)-1], &metrics); err != nil {
			debugLogger.Error(err, "Failed to unmarshal load metrics, dropping message")
			continue
		}

		debugLogger.Info("Refreshed worker metrics", "workerID", metrics.WorkerID,
			"gpuCacheUsage", metrics.GPUCacheUsagePerc,
			"waiting", metrics.NumRequestsWaiting)

		a.Ingest(metrics)
	}
}
