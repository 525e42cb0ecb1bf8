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

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// ErrStaticWorkerSet is returned when cache-aware routing is requested over
// a backend whose worker set is fixed at deploy time.
var ErrStaticWorkerSet = errors.New("cache-aware routing requires a dynamic worker set")

// InstanceSource describes how a backend client discovers its workers.
type InstanceSource string

const (
	// InstanceSourceStatic means the worker set is fixed at deploy time and
	// the backend owns placement.
	InstanceSourceStatic InstanceSource = "static"
	// InstanceSourceDynamic means workers come and go and the router owns
	// placement.
	InstanceSourceDynamic InstanceSource = "dynamic"
)

// LLMEngineOutput is an opaque unit of engine output streamed back to the
// caller. The router forwards it without inspection.
type LLMEngineOutput struct {
	Data []byte
}

// BackendClient dispatches preprocessed requests to the worker fleet.
// Static dispatch lets the backend place the request; Direct targets one
// worker explicitly.
type BackendClient interface {
	InstanceSource() InstanceSource
	Static(ctx context.Context, request *protocols.PreprocessedRequest) (<-chan LLMEngineOutput, error)
	Direct(ctx context.Context, request *protocols.PreprocessedRequest, workerID protocols.WorkerID) (<-chan LLMEngineOutput, error)
}

// KvPushRouter pushes requests into the execution plane, choosing the target
// worker per request when the backend's worker set is dynamic. With a static
// backend it is a pass-through; the static/dynamic split is fixed at
// construction so the per-request path never branches on configuration
// errors.
type KvPushRouter struct {
	client BackendClient
	router *KvRouter
}

// NewKvPushRouter creates a push router over a backend client. A non-nil
// router over a static backend is a misconfiguration and fails fast with
// ErrStaticWorkerSet.
func NewKvPushRouter(client BackendClient, router *KvRouter) (*KvPushRouter, error) {
	if client == nil {
		return nil, errors.New("backend client is required")
	}

	switch client.InstanceSource() {
	case InstanceSourceStatic:
		if router != nil {
			return nil, ErrStaticWorkerSet
		}
	case InstanceSourceDynamic:
		if router == nil {
			return nil, errors.New("dynamic worker set requires a router")
		}
	default:
		return nil, fmt.Errorf("unknown instance source %q", client.InstanceSource())
	}

	return &KvPushRouter{
		client: client,
		router: router,
	}, nil
}

// Generate dispatches one request and returns the engine output stream. On a
// dynamic backend the request is routed cache-aware and annotated with the
// predicted prefix-hit size before dispatch.
func (p *KvPushRouter) Generate(ctx context.Context, request *protocols.PreprocessedRequest) (<-chan LLMEngineOutput, error) {
	if p.router == nil {
		return p.client.Static(ctx, request)
	}

	workerID, overlapBlocks, err := p.router.FindBestMatch(ctx, request.TokenIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to route request: %w", err)
	}

	// Annotate so the worker can account its prefix-cache hit rate against
	// the router's prediction.
	estimate := overlapBlocks
	request.EstimatedPrefixHitNumBlocks = &estimate

	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvpushrouter").Info("dispatching request",
		"workerID", workerID, "estimatedPrefixHitBlocks", overlapBlocks)

	return p.client.Direct(ctx, request, workerID)
}
