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
	"time"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils"
)

// Endpoint is the last-known load state of one worker.
type Endpoint struct {
	WorkerID protocols.WorkerID
	Metrics  protocols.ForwardPassMetrics
	// UpdatedAt is when the snapshot for this worker was last refreshed.
	UpdatedAt time.Time
	// Stale marks workers not heard from within the staleness window.
	// Stale workers remain candidates; selectors should assume worst-case
	// load for them.
	Stale bool
}

// ProcessedEndpoints is an immutable snapshot of all known workers' live
// metrics. Produced exclusively by the metrics aggregator; consumed
// read-only by the scheduler.
type ProcessedEndpoints struct {
	// Endpoints maps worker ids to their last-known state.
	Endpoints map[protocols.WorkerID]Endpoint
	// Workers lists the known worker ids in ascending order, for
	// deterministic iteration.
	Workers []protocols.WorkerID
}

// newProcessedEndpoints builds a snapshot over a copied endpoint map.
func newProcessedEndpoints(endpoints map[protocols.WorkerID]Endpoint) *ProcessedEndpoints {
	return &ProcessedEndpoints{
		Endpoints: endpoints,
		Workers:   utils.SortedKeys(endpoints),
	}
}

// Len returns the number of known workers.
func (p *ProcessedEndpoints) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Endpoints)
}

// MaxWaitingRequests returns the highest waiting-request count across the
// fleet, used to normalize queue depths into [0, 1].
func (p *ProcessedEndpoints) MaxWaitingRequests() uint64 {
	var maxWaiting uint64
	for _, ep := range p.Endpoints {
		if ep.Metrics.NumRequestsWaiting > maxWaiting {
			maxWaiting = ep.Metrics.NumRequestsWaiting
		}
	}
	return maxWaiting
}
