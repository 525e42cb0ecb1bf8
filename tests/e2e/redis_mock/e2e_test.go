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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"time"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// TestBasicE2E verifies that routing fails on an empty fleet, falls back to
// load-only placement once workers report in, and follows cache overlap once
// block events land in the shared index.
func (s *KVRouterSuite) TestBasicE2E() {
	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8}

	_, _, err := s.router.FindBestMatch(s.ctx, tokens)
	s.Require().ErrorIs(err, kvrouter.ErrNoWorkersAvailable)

	s.reportMetrics(protocols.ForwardPassMetrics{WorkerID: 1})
	s.reportMetrics(protocols.ForwardPassMetrics{WorkerID: 2})

	// No cached blocks yet: placement is load-only and deterministic.
	workerID, overlapBlocks, err := s.router.FindBestMatch(s.ctx, tokens)
	s.Require().NoError(err)
	s.Equal(protocols.WorkerID(1), workerID)
	s.Zero(overlapBlocks)

	// Worker 2 stores the full sequence; overlap now decides.
	s.storeBlocks(2, s.promptHashes(tokens))

	workerID, overlapBlocks, err = s.router.FindBestMatch(s.ctx, tokens)
	s.Require().NoError(err)
	s.Equal(protocols.WorkerID(2), workerID)
	s.Equal(uint32(2), overlapBlocks)
}

// TestLoadOutweighsOverlap verifies that a cache hit does not condemn a
// request to a drowning worker.
func (s *KVRouterSuite) TestLoadOutweighsOverlap() {
	tokens := []uint32{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25}

	s.reportMetrics(protocols.ForwardPassMetrics{
		WorkerID:           1,
		GPUCacheUsagePerc:  0.95,
		NumRequestsWaiting: 50,
	})
	s.reportMetrics(protocols.ForwardPassMetrics{WorkerID: 2})

	// Worker 1 holds one of four blocks: a 0.25 overlap fraction cannot
	// offset full queue and near-full cache pressure.
	s.storeBlocks(1, s.promptHashes(tokens)[:1])

	workerID, _, err := s.router.FindBestMatch(s.ctx, tokens)
	s.Require().NoError(err)
	s.Equal(protocols.WorkerID(2), workerID)
}

// TestRemovalSharedIndex verifies that removal events propagate through the
// Redis-backed index and break the prefix chain for the removing worker.
func (s *KVRouterSuite) TestRemovalSharedIndex() {
	tokens := []uint32{30, 31, 32, 33, 34, 35, 36, 37}
	hashes := s.promptHashes(tokens)

	s.reportMetrics(protocols.ForwardPassMetrics{WorkerID: 3})
	s.reportMetrics(protocols.ForwardPassMetrics{WorkerID: 4})
	s.storeBlocks(3, hashes)
	s.storeBlocks(4, hashes)

	s.router.Indexer().EventSender() <- protocols.RouterEvent{
		WorkerID:    3,
		Op:          protocols.EventOpRemove,
		BlockHashes: hashes[:1],
	}

	s.Require().Eventually(func() bool {
		scores, err := s.router.Indexer().FindMatches(s.ctx, hashes)
		return err == nil && scores[3] == 0 && scores[4] == 2
	}, 5*time.Second, 10*time.Millisecond)

	workerID, overlapBlocks, err := s.router.FindBestMatch(s.ctx, tokens)
	s.Require().NoError(err)
	s.Equal(protocols.WorkerID(4), workerID)
	s.Equal(uint32(2), overlapBlocks)
}
