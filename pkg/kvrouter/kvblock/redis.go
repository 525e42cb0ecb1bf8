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

package kvblock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisIndexConfig returns a default configuration for the RedisIndex.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisIndex creates a new RedisIndex instance.
// A Redis-backed index lets several router replicas share one fleet view.
func NewRedisIndex(config *RedisIndexConfig) (Index, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	if !strings.HasPrefix(config.Address, "redis://") &&
		!strings.HasPrefix(config.Address, "rediss://") &&
		!strings.HasPrefix(config.Address, "unix://") {
		config.Address = "redis://" + config.Address
	}

	redisOpt, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIndex{
		RedisClient: redisClient,
	}, nil
}

// RedisIndex implements the Index interface using Redis as the backend for
// KV-block indexing.
type RedisIndex struct {
	RedisClient *redis.Client
}

var _ Index = &RedisIndex{}

// Lookup receives an ordered sequence of block hashes and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// hashes. If the workerSet is empty, all workers are returned.
func (r *RedisIndex) Lookup(ctx context.Context, hashes []protocols.LocalBlockHash,
	workerSet sets.Set[protocols.WorkerID],
) (map[protocols.LocalBlockHash][]protocols.WorkerID, error) {
	workersPerHash := make(map[protocols.LocalBlockHash][]protocols.WorkerID)
	if len(hashes) == 0 {
		return workersPerHash, nil
	}

	logger := klog.FromContext(ctx).WithName("kvblock.RedisIndex.Lookup")

	// pipeline for single RTT
	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.StringSliceCmd, len(hashes))

	// queue an HKeys command for each hash in the pipeline
	for i, hash := range hashes {
		// HKeys gets all field names
		results[i] = pipe.HKeys(ctx, hashKeyString(hash))
	}

	_, execErr := pipe.Exec(ctx)
	if execErr != nil {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", execErr)
	}

	filterWorkers := len(workerSet) > 0 // predicate for filtering

	for idx, cmd := range results {
		hash := hashes[idx]

		workers, cmdErr := cmd.Result()
		if cmdErr != nil {
			if !errors.Is(cmdErr, redis.Nil) {
				logger.Error(cmdErr, "failed to get workers for hash", "hash", hash)
			}

			return workersPerHash, nil // early stop since prefix-chain breaks here
		}

		var filtered []protocols.WorkerID
		for _, w := range workers {
			// stored fields are "<worker-id>@<device-tier>"
			id, parseErr := strconv.ParseInt(strings.SplitN(w, "@", 2)[0], 10, 64)
			if parseErr != nil {
				logger.Error(parseErr, "malformed worker entry in index", "field", w)
				continue
			}

			workerID := protocols.WorkerID(id)
			if !filterWorkers || workerSet.Has(workerID) {
				filtered = append(filtered, workerID)
			}
		}

		if len(filtered) == 0 {
			logger.Info("no workers found for hash, cutting search", "hash", hash)
			return workersPerHash, nil // early stop since prefix-chain breaks here
		}

		workersPerHash[hash] = filtered
	}

	return workersPerHash, nil
}

// Add adds a set of block hashes and their associated worker entries to the
// index backend.
func (r *RedisIndex) Add(ctx context.Context, hashes []protocols.LocalBlockHash, entries []WorkerEntry) error {
	if len(hashes) == 0 || len(entries) == 0 {
		return nil
	}

	pipe := r.RedisClient.Pipeline()
	for _, hash := range hashes {
		redisKey := hashKeyString(hash)
		for _, entry := range entries {
			// Use HSet to add the worker entry as a field in the hash
			pipe.HSet(ctx, redisKey, entry.String(), time.Now().Format(time.RFC3339))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}

	return nil
}

// Evict removes a block hash and its associated worker entries from the
// index backend.
func (r *RedisIndex) Evict(ctx context.Context, hash protocols.LocalBlockHash, entries []WorkerEntry) error {
	redisKey := hashKeyString(hash)
	pipe := r.RedisClient.Pipeline()

	for _, entry := range entries {
		// Use HDel to remove the worker entry field from the hash
		pipe.HDel(ctx, redisKey, entry.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict entries from Redis: %w", err)
	}

	return nil
}
