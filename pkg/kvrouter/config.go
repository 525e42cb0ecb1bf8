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
	"fmt"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvevents"
)

// Default selection weights. The overlap weight is intentionally 1.0: with
// equal defaults no factor dominates, and deployers tune the balance per
// fleet.
const (
	defaultOverlapScoreWeight    = 1.0
	defaultGPUCacheUsageWeight   = 1.0
	defaultWaitingRequestsWeight = 1.0
)

// KvRouterConfig holds the selection weights controlling the relative
// influence of cache reuse versus load avoidance. Immutable for the
// lifetime of a router instance.
type KvRouterConfig struct {
	// OverlapScoreWeight weighs the cache-overlap fraction.
	// Higher values prioritize KV cache reuse.
	OverlapScoreWeight float64 `json:"overlapScoreWeight"`

	// GPUCacheUsageWeight weighs GPU KV-cache occupancy.
	// Higher values avoid workers with nearly full KV caches.
	GPUCacheUsageWeight float64 `json:"gpuCacheUsageWeight"`

	// WaitingRequestsWeight weighs the normalized queue depth.
	// Higher values avoid workers with queued requests.
	WaitingRequestsWeight float64 `json:"waitingRequestsWeight"`
}

// DefaultKvRouterConfig returns the default selection weights.
func DefaultKvRouterConfig() KvRouterConfig {
	return KvRouterConfig{
		OverlapScoreWeight:    defaultOverlapScoreWeight,
		GPUCacheUsageWeight:   defaultGPUCacheUsageWeight,
		WaitingRequestsWeight: defaultWaitingRequestsWeight,
	}
}

// NewKvRouterConfig creates a KvRouterConfig with optional weight values.
// A nil weight takes its default independently of the others.
func NewKvRouterConfig(overlapScoreWeight, gpuCacheUsageWeight, waitingRequestsWeight *float64) KvRouterConfig {
	cfg := DefaultKvRouterConfig()
	if overlapScoreWeight != nil {
		cfg.OverlapScoreWeight = *overlapScoreWeight
	}
	if gpuCacheUsageWeight != nil {
		cfg.GPUCacheUsageWeight = *gpuCacheUsageWeight
	}
	if waitingRequestsWeight != nil {
		cfg.WaitingRequestsWeight = *waitingRequestsWeight
	}
	return cfg
}

// Validate rejects negative weights.
func (c KvRouterConfig) Validate() error {
	if c.OverlapScoreWeight < 0 || c.GPUCacheUsageWeight < 0 || c.WaitingRequestsWeight < 0 {
		return fmt.Errorf("selection weights must be non-negative: %+v", c)
	}
	return nil
}

// Config holds the configuration for the whole router core.
type Config struct {
	IndexerConfig    *KvIndexerConfig           `json:"indexerConfig"`
	EventsPoolConfig *kvevents.Config           `json:"eventsPoolConfig"`
	MetricsConfig    *KvMetricsAggregatorConfig `json:"metricsConfig"`
	RouterConfig     KvRouterConfig             `json:"routerConfig"`

	// HitRatePublisherConfig enables publication of decision outcomes on
	// the kv-hit-rate subject. Nil disables publication.
	HitRatePublisherConfig *kvevents.PublisherConfig `json:"hitRatePublisherConfig"`
}

// NewDefaultConfig returns a default configuration for the router core.
// Hit-rate publication is off by default.
func NewDefaultConfig() *Config {
	return &Config{
		IndexerConfig:    DefaultKvIndexerConfig(),
		EventsPoolConfig: kvevents.DefaultConfig(),
		MetricsConfig:    DefaultKvMetricsAggregatorConfig(),
		RouterConfig:     DefaultKvRouterConfig(),
	}
}
