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

package kvevents

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to listen on (e.g., "tcp://*:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "kv_events@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: "kv_events@",
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number of the message.
	Seq uint64
	// WorkerID is the identifier of the worker that sent the event,
	// extracted from the ZMQ topic.
	WorkerID protocols.WorkerID
}

// Pool is a sharded worker pool that processes events from a ZMQ subscriber.
// It ensures that events for the same WorkerID are decoded and forwarded in
// order, while one worker's slow or malformed stream cannot stall the rest
// of the fleet.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	sender      chan<- protocols.RouterEvent
	wg          sync.WaitGroup
}

// NewPool creates a Pool that forwards decoded RouterEvents to sender,
// typically the indexer's event channel.
func NewPool(cfg *Config, sender chan<- protocols.RouterEvent) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		sender:      sender,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}

	go p.subscriber.Start(ctx)
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down.")
}

// AddTask is called by the subscriber to add a message to the processing
// queue. The WorkerID selects the queue shard, ensuring messages for the
// same worker always go to the same worker goroutine (ordered queue).
func (p *Pool) AddTask(task *Message) {
	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := uint64(task.WorkerID) % uint64(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
// It processes messages from its dedicated queue using the workqueue pattern.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(task *Message) {
			defer queue.Done(task)
			p.processEvent(ctx, task)
			// Task succeeded, remove it from the queue.
			queue.Forget(task)
		}(task)

		// Check if context was cancelled after processing a task.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processEvent deserializes the message payload and forwards the resulting
// RouterEvents to the indexer. Malformed payloads are logged and dropped;
// they never terminate the worker.
func (p *Pool) processEvent(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Processing event", "topic", msg.Topic, "seq", msg.Seq)

	// Native control-plane payloads are JSON RouterEvents.
	if len(msg.Payload) > 0 && msg.Payload[0] == '{' {
		var routerEvent protocols.RouterEvent
		if err := json.Unmarshal(msg.Payload, &routerEvent); err != nil {
			debugLogger.Error(err, "Failed to unmarshal RouterEvent, dropping message")
			return
		}
		if routerEvent.Op != protocols.EventOpStore && routerEvent.Op != protocols.EventOpRemove {
			debugLogger.Info("Unknown RouterEvent op, dropping message", "op", routerEvent.Op)
			return
		}

		// The topic is authoritative for the sender's identity.
		routerEvent.WorkerID = msg.WorkerID
		p.forward(ctx, routerEvent)
		return
	}

	// Otherwise assume a vLLM msgpack event batch.
	for _, routerEvent := range p.decodeEventBatch(ctx, msg) {
		p.forward(ctx, routerEvent)
	}
}

// decodeEventBatch translates a vLLM msgpack EventBatch into RouterEvents.
func (p *Pool) decodeEventBatch(ctx context.Context, msg *Message) []protocols.RouterEvent {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		// This is likely a "poison pill" message that can't be unmarshalled.
		// We log the error but keep going to process other workers' events.
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return nil
	}

	routerEvents := make([]protocols.RouterEvent, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			debugLogger.Error(err, "Failed to unmarshal tagged union, skipping event")
			continue
		}

		// Handle array_like tagged union: re-marshall tail parts into a payload array
		if len(taggedUnion) < 1 {
			debugLogger.Error(nil, "Malformed tagged union, no tag element", "parts", len(taggedUnion))
			continue
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			debugLogger.Error(err, "Failed to unmarshal tag from tagged union, skipping event")
			continue
		}

		payloadBytes, err := msgpack.Marshal(taggedUnion[1:])
		if err != nil {
			debugLogger.Error(err, "Failed to re-marshal payload parts, skipping event")
			continue
		}

		switch tag {
		case BlockStoredEventTag:
			var bs BlockStored
			if err := msgpack.Unmarshal(payloadBytes, &bs); err != nil {
				debugLogger.Error(err, "Failed to unmarshal event value", "tag", tag)
				continue
			}
			routerEvents = append(routerEvents, protocols.RouterEvent{
				WorkerID:    msg.WorkerID,
				Op:          protocols.EventOpStore,
				BlockHashes: toLocalBlockHashes(bs.BlockHashes),
			})
		case BlockRemovedEventTag:
			var br BlockRemoved
			if err := msgpack.Unmarshal(payloadBytes, &br); err != nil {
				debugLogger.Error(err, "Failed to unmarshal event value", "tag", tag)
				continue
			}
			routerEvents = append(routerEvents, protocols.RouterEvent{
				WorkerID:    msg.WorkerID,
				Op:          protocols.EventOpRemove,
				BlockHashes: toLocalBlockHashes(br.BlockHashes),
			})
		case AllBlocksClearedEventTag:
			// Not indexed; vLLM emits it on engine reset.
			continue
		default:
			debugLogger.Info("Unknown event tag", "tag", tag)
			continue
		}
	}

	return routerEvents
}

// forward hands a RouterEvent to the indexer channel. A refused send means
// shutdown is in progress; it is logged at low severity and the event is
// dropped.
func (p *Pool) forward(ctx context.Context, routerEvent protocols.RouterEvent) {
	select {
	case p.sender <- routerEvent:
	case <-ctx.Done():
		klog.FromContext(ctx).V(logging.DEBUG).Info(
			"failed to send kv event to indexer; shutting down",
			"workerID", routerEvent.WorkerID)
	}
}

func toLocalBlockHashes(hashes []uint64) []protocols.LocalBlockHash {
	out := make([]protocols.LocalBlockHash, len(hashes))
	for i, h := range hashes {
		out[i] = protocols.LocalBlockHash(h)
	}
	return out
}
