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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvevents"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

const (
	envEventsEndpoint  = "ZMQ_EVENTS_ENDPOINT"
	envEventsTopic     = "ZMQ_EVENTS_TOPIC"
	envMetricsEndpoint = "ZMQ_METRICS_ENDPOINT"
	envHitRateEndpoint = "ZMQ_HIT_RATE_ENDPOINT"
	envPoolConcurrency = "POOL_CONCURRENCY"

	envBlockSize    = "BLOCK_SIZE"
	envHashSeed     = "HASH_SEED"
	envHashStrategy = "HASH_STRATEGY"
	envRedisAddr    = "REDIS_ADDR"

	envOverlapWeight = "OVERLAP_SCORE_WEIGHT"
	envGPUWeight     = "GPU_CACHE_USAGE_WEIGHT"
	envWaitingWeight = "WAITING_REQUESTS_WEIGHT"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run KV router")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	config, err := getConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	router, err := kvrouter.NewKvRouter(ctx, config, nil)
	if err != nil {
		return fmt.Errorf("failed to create KV router: %w", err)
	}
	logger.Info("Created KV router", "blockSize", router.BlockSize())

	httpServer := setupHTTPEndpoints(ctx, router)

	runErr := make(chan error, 1)
	go func() {
		runErr <- router.Run(ctx)
	}()
	logger.Info("=== KV Router Started ===")
	logger.Info("Available endpoints:")
	logger.Info("  - POST /route   - Pick a worker for a token sequence")
	logger.Info("  - GET  /metrics - Prometheus metrics")

	<-ctx.Done()
	logger.Info("Shutting down KV router...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}

	return <-runErr
}

func getConfig() (*kvrouter.Config, error) {
	config := kvrouter.NewDefaultConfig()

	if blockSize, err := strconv.Atoi(os.Getenv(envBlockSize)); err == nil && blockSize > 0 {
		config.IndexerConfig.TokenProcessorConfig.BlockSize = blockSize
	}
	if hashSeed, err := strconv.ParseUint(os.Getenv(envHashSeed), 10, 64); err == nil {
		config.IndexerConfig.TokenProcessorConfig.HashSeed = hashSeed
	}
	if strategy := os.Getenv(envHashStrategy); strategy != "" {
		config.IndexerConfig.TokenProcessorConfig.HashStrategy = kvblock.HashStrategy(strategy)
	}

	if redisAddr := os.Getenv(envRedisAddr); redisAddr != "" {
		config.IndexerConfig.KVBlockIndexConfig = &kvblock.IndexConfig{
			RedisConfig: &kvblock.RedisIndexConfig{Address: redisAddr},
		}
	}
	config.IndexerConfig.KVBlockIndexConfig.EnableMetrics = true
	config.IndexerConfig.KVBlockIndexConfig.MetricsLoggingInterval = 30 * time.Second

	if endpoint := os.Getenv(envEventsEndpoint); endpoint != "" {
		config.EventsPoolConfig.ZMQEndpoint = endpoint
	}
	if topic := os.Getenv(envEventsTopic); topic != "" {
		config.EventsPoolConfig.TopicFilter = topic
	}
	if concurrency, err := strconv.Atoi(os.Getenv(envPoolConcurrency)); err == nil && concurrency > 0 {
		config.EventsPoolConfig.Concurrency = concurrency
	}

	if endpoint := os.Getenv(envMetricsEndpoint); endpoint != "" {
		config.MetricsConfig.ZMQEndpoint = endpoint
	}

	if endpoint := os.Getenv(envHitRateEndpoint); endpoint != "" {
		config.HitRatePublisherConfig = &kvevents.PublisherConfig{
			ZMQEndpoint: endpoint,
			Topic:       kvevents.HitRateTopic,
		}
	}

	config.RouterConfig = kvrouter.NewKvRouterConfig(
		floatEnv(envOverlapWeight), floatEnv(envGPUWeight), floatEnv(envWaitingWeight))
	if err := config.RouterConfig.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func floatEnv(name string) *float64 {
	value, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return nil
	}
	return &value
}

func setupHTTPEndpoints(ctx context.Context, router *kvrouter.KvRouter) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("/route", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req protocols.RouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Tokens) == 0 {
			http.Error(w, "field 'tokens' required", http.StatusBadRequest)
			return
		}

		workerID, overlapBlocks, err := router.FindBestMatch(r.Context(), req.Tokens)
		if err != nil {
			if errors.Is(err, kvrouter.ErrNoWorkersAvailable) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		response := struct {
			WorkerID      protocols.WorkerID `json:"worker_id"`
			OverlapBlocks uint32             `json:"overlap_blocks"`
		}{WorkerID: workerID, OverlapBlocks: overlapBlocks}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error(err, "failed to encode response")
		}
	})

	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}

	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}
