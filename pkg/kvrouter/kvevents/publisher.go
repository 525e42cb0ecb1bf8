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
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

// HitRateTopic is the subject routing-decision outcomes are published on.
const HitRateTopic = "kv-hit-rate"

// PublisherConfig holds the configuration for the hit-rate publisher.
type PublisherConfig struct {
	// ZMQEndpoint is the ZMQ address to bind to (e.g., "tcp://*:5558").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// Topic is the publication subject.
	Topic string `json:"topic"`
}

// DefaultPublisherConfig returns a default configuration for the hit-rate
// publisher.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		ZMQEndpoint: "tcp://*:5558",
		Topic:       HitRateTopic,
	}
}

// Publisher reports routing-decision outcomes on the hit-rate subject.
// Publication is fire-and-forget; the decision path never blocks on it.
type Publisher struct {
	mu     sync.Mutex
	socket *zmq.Socket
	topic  string
}

// NewPublisher creates a ZMQ PUB socket bound to the configured endpoint.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultPublisherConfig()
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Bind(cfg.ZMQEndpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", cfg.ZMQEndpoint, err)
	}

	return &Publisher{
		socket: socket,
		topic:  cfg.Topic,
	}, nil
}

// PublishHitRate publishes a single decision outcome.
func (p *Publisher) PublishHitRate(event *protocols.KVHitRateEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal hit-rate event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.socket.SendMessage(p.topic, payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}

	return nil
}

// Close closes the publisher and cleans up resources.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}
