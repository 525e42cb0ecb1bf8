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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

const (
	// defaultBlockSize is the default number of tokens per block.
	// 16 is the default value used by vLLM.
	defaultBlockSize = 16
	// DefaultHashSeed seeds the chained block hashing. All routers and
	// workers of a fleet must agree on it for hashes to line up.
	DefaultHashSeed = uint64(1337)
)

// HashStrategy selects how token blocks are hashed.
type HashStrategy string

const (
	// ChainedXXHash chains xxhash64 digests over (parent hash, block
	// tokens). Fast, the default.
	ChainedXXHash HashStrategy = "chained-xxhash"
	// SHA256CBOR reproduces vLLM's prefix-caching hash: lower 64 bits of
	// SHA256 over the canonical CBOR encoding of [parent, tokens, extra].
	// Use when workers publish vLLM-computed block hashes.
	SHA256CBOR HashStrategy = "sha256-cbor"
)

// TokenProcessorConfig holds the configuration for the token processor.
type TokenProcessorConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed roots the hash chain, similarly to vLLM's NONE_HASH.
	// The fleet deployer is responsible for aligning workers and routers
	// on the same seed value.
	HashSeed     uint64       `json:"hashSeed"`
	HashStrategy HashStrategy `json:"hashStrategy"`
}

// DefaultTokenProcessorConfig returns the default configuration for the
// token processor.
func DefaultTokenProcessorConfig() *TokenProcessorConfig {
	return &TokenProcessorConfig{
		BlockSize:    defaultBlockSize,
		HashSeed:     DefaultHashSeed,
		HashStrategy: ChainedXXHash,
	}
}

// TokenProcessor defines the interface for converting token sequences into
// ordered block-hash sequences.
type TokenProcessor interface {
	// TokensToBlockHashes splits tokens into complete fixed-size blocks
	// and returns one hash per block. The trailing partial block is
	// dropped; it cannot be matched against other requests' completed
	// blocks.
	TokensToBlockHashes(tokens []uint32) []protocols.LocalBlockHash
	// BlockSize returns the configured number of tokens per block.
	BlockSize() int
}

// NewTokenProcessor creates a TokenProcessor for the configured strategy.
func NewTokenProcessor(config *TokenProcessorConfig) (TokenProcessor, error) {
	if config == nil {
		config = DefaultTokenProcessorConfig()
	}

	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", config.BlockSize)
	}

	switch config.HashStrategy {
	case ChainedXXHash, "":
		return &chainedTokenHasher{TokenProcessorConfig: *config}, nil
	case SHA256CBOR:
		return &vllmTokenHasher{TokenProcessorConfig: *config}, nil
	default:
		return nil, fmt.Errorf("unsupported hash strategy: %s", config.HashStrategy)
	}
}

// chunkTokens splits the input slice of tokens into chunks of BlockSize.
func chunkTokens(tokens []uint32, blockSize int) [][]uint32 {
	var chunks [][]uint32
	for i := 0; i < len(tokens); i += blockSize {
		end := i + blockSize
		if end > len(tokens) {
			break // no partial blocks
		}

		chunks = append(chunks, tokens[i:end])
	}

	return chunks
}

// chainedTokenHasher hashes each block as xxhash64 over the parent hash
// followed by the block's tokens, rooted at the seed.
type chainedTokenHasher struct {
	TokenProcessorConfig
}

var _ TokenProcessor = &chainedTokenHasher{}

func (h *chainedTokenHasher) BlockSize() int {
	return h.TokenProcessorConfig.BlockSize
}

func (h *chainedTokenHasher) TokensToBlockHashes(tokens []uint32) []protocols.LocalBlockHash {
	chunks := chunkTokens(tokens, h.TokenProcessorConfig.BlockSize)
	if len(chunks) == 0 {
		return nil
	}

	hashes := make([]protocols.LocalBlockHash, len(chunks))
	parent := h.HashSeed
	digest := xxhash.New()

	for i, chunk := range chunks {
		digest.Reset()
		// errors are impossible for xxhash's Write, but binary.Write
		// keeps the encoding explicit
		if err := binary.Write(digest, binary.LittleEndian, parent); err != nil {
			return hashes[:i]
		}
		if err := binary.Write(digest, binary.LittleEndian, chunk); err != nil {
			return hashes[:i]
		}

		parent = digest.Sum64()
		hashes[i] = protocols.LocalBlockHash(parent)
	}

	return hashes
}

// vllmTokenHasher reproduces vLLM's block hashing so that hashes computed
// here match the ones workers publish in their cache events.
type vllmTokenHasher struct {
	TokenProcessorConfig
	initHash *uint64 // cache once
}

var _ TokenProcessor = &vllmTokenHasher{}

func (h *vllmTokenHasher) BlockSize() int {
	return h.TokenProcessorConfig.BlockSize
}

// getInitHash returns the root parent hash.
func (h *vllmTokenHasher) getInitHash() *uint64 {
	if h.initHash != nil {
		return h.initHash
	}

	hashVal := h.hash(h.HashSeed, nil, nil)
	h.initHash = &hashVal
	return h.initHash
}

// hash computes a uint64 hash (lower 64 bits of SHA256).
// The format, serialization and hashing is aligned with that of vLLM.
func (h *vllmTokenHasher) hash(parent uint64, tokens []uint32, extra interface{}) uint64 {
	payload := []interface{}{parent, tokens, extra}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
		return 0
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to marshal payload to CBOR")
		return 0
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}

func (h *vllmTokenHasher) TokensToBlockHashes(tokens []uint32) []protocols.LocalBlockHash {
	parentPtr := h.getInitHash()
	if parentPtr == nil {
		return nil
	}

	chunks := chunkTokens(tokens, h.TokenProcessorConfig.BlockSize)
	prefix := *parentPtr
	hashes := make([]protocols.LocalBlockHash, len(chunks))
	for i, chunk := range chunks {
		prefix = h.hash(prefix, chunk, nil)
		hashes[i] = protocols.LocalBlockHash(prefix)
	}

	return hashes
}
