// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kvevents ingests KV-cache mutation events from the worker fleet
// and feeds them to the indexer. It provides a sharded pool that preserves
// per-worker event ordering, a ZMQ subscriber on the `kv_events` subject,
// and a publisher for routing-decision outcomes on the `kv-hit-rate`
// subject. Both native JSON RouterEvent payloads and vLLM msgpack event
// batches are understood.
package kvevents
