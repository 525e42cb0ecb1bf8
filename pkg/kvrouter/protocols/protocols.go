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

// Package protocols defines the logical message and identifier types
// exchanged between the router core, the worker fleet, and the caller.
package protocols

// WorkerID uniquely identifies a backend worker instance.
type WorkerID int64

// LocalBlockHash is the content hash of a single token block.
// It carries the full sequence context up to and including the block, so two
// requests sharing a token prefix produce identical hash sequences for that
// prefix.
type LocalBlockHash uint64

// RouterEventOp describes the kind of cache mutation a RouterEvent carries.
type RouterEventOp string

const (
	// EventOpStore marks blocks as present in a worker's KV cache.
	EventOpStore RouterEventOp = "store"
	// EventOpRemove marks blocks as no longer present in a worker's KV cache.
	EventOpRemove RouterEventOp = "remove"
)

// RouterEvent is an immutable fact describing a single worker's KV-cache
// mutation. Events are delivered best-effort over the `kv_events` subject as
// JSON payloads; delivery may be lossy and is only ordered per worker.
type RouterEvent struct {
	WorkerID    WorkerID         `json:"worker_id"`
	Op          RouterEventOp    `json:"op"`
	BlockHashes []LocalBlockHash `json:"block_hashes"`
}

// OverlapScores maps a worker to the number of leading query blocks found in
// its cache. Built fresh per request; never persisted.
type OverlapScores map[WorkerID]uint32

// RouterRequest asks the router for a placement decision over a token
// sequence.
type RouterRequest struct {
	Tokens []uint32 `json:"tokens"`
}

// RouterResponse carries the selected worker for a RouterRequest.
type RouterResponse struct {
	WorkerID WorkerID `json:"worker_id"`
}

// ForwardPassMetrics is the periodic load snapshot a worker publishes on the
// `load_metrics` endpoint. Field layout mirrors the worker-side publisher.
type ForwardPassMetrics struct {
	WorkerID              WorkerID `json:"worker_id"`
	RequestActiveSlots    uint64   `json:"request_active_slots"`
	RequestTotalSlots     uint64   `json:"request_total_slots"`
	KVActiveBlocks        uint64   `json:"kv_active_blocks"`
	KVTotalBlocks         uint64   `json:"kv_total_blocks"`
	NumRequestsWaiting    uint64   `json:"num_requests_waiting"`
	GPUCacheUsagePerc     float64  `json:"gpu_cache_usage_perc"`
	GPUPrefixCacheHitRate float64  `json:"gpu_prefix_cache_hit_rate"`
}

// KVHitRateEvent reports the outcome of one routing decision on the
// `kv-hit-rate` subject.
type KVHitRateEvent struct {
	WorkerID      WorkerID `json:"worker_id"`
	ISLBlocks     uint32   `json:"isl_blocks"`
	OverlapBlocks uint32   `json:"overlap_blocks"`
}

// PreprocessedRequest is the execution-layer request shape the push router
// annotates and dispatches. EstimatedPrefixHitNumBlocks is additive and
// optional; nil means no estimate available.
type PreprocessedRequest struct {
	TokenIDs []uint32 `json:"token_ids"`
	LoraID   uint64   `json:"lora_id,omitempty"`

	EstimatedPrefixHitNumBlocks *uint32 `json:"estimated_prefix_hit_num_blocks,omitempty"`
}
