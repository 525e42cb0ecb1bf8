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

package kvblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/kvblock"
)

func tokenRange(n int) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(i) //nolint:gosec // test tokens are tiny
	}
	return tokens
}

func TestTokenProcessorStrategies(t *testing.T) {
	for _, strategy := range []kvblock.HashStrategy{kvblock.ChainedXXHash, kvblock.SHA256CBOR} {
		t.Run(string(strategy), func(t *testing.T) {
			processor, err := kvblock.NewTokenProcessor(&kvblock.TokenProcessorConfig{
				BlockSize:    4,
				HashSeed:     kvblock.DefaultHashSeed,
				HashStrategy: strategy,
			})
			require.NoError(t, err)
			assert.Equal(t, 4, processor.BlockSize())

			t.Run("Deterministic", func(t *testing.T) {
				tokens := tokenRange(16)
				first := processor.TokensToBlockHashes(tokens)
				second := processor.TokensToBlockHashes(tokens)
				require.Len(t, first, 4)
				assert.Equal(t, first, second)
			})

			t.Run("PartialBlockDropped", func(t *testing.T) {
				hashes := processor.TokensToBlockHashes(tokenRange(10))
				assert.Len(t, hashes, 2)

				assert.Empty(t, processor.TokensToBlockHashes(tokenRange(3)))
				assert.Empty(t, processor.TokensToBlockHashes(nil))
			})

			t.Run("SharedPrefixSharesHashes", func(t *testing.T) {
				base := tokenRange(12)
				extended := append(append([]uint32{}, base...), 900, 901, 902, 903)

				baseHashes := processor.TokensToBlockHashes(base)
				extendedHashes := processor.TokensToBlockHashes(extended)
				require.Len(t, extendedHashes, 4)
				assert.Equal(t, baseHashes, extendedHashes[:3])
			})

			t.Run("DivergentBlocksDiverge", func(t *testing.T) {
				a := processor.TokensToBlockHashes([]uint32{1, 2, 3, 4, 5, 6, 7, 8})
				b := processor.TokensToBlockHashes([]uint32{1, 2, 3, 4, 5, 6, 7, 9})
				require.Len(t, a, 2)
				require.Len(t, b, 2)
				assert.Equal(t, a[0], b[0])
				assert.NotEqual(t, a[1], b[1])
			})
		})
	}
}

// TestTokenProcessorSeedSensitivity checks that the chain root changes every
// block hash: two fleets with different seeds must never collide by
// construction.
func TestTokenProcessorSeedSensitivity(t *testing.T) {
	mk := func(seed uint64) kvblock.TokenProcessor {
		processor, err := kvblock.NewTokenProcessor(&kvblock.TokenProcessorConfig{
			BlockSize:    4,
			HashSeed:     seed,
			HashStrategy: kvblock.ChainedXXHash,
		})
		require.NoError(t, err)
		return processor
	}

	tokens := tokenRange(8)
	a := mk(kvblock.DefaultHashSeed).TokensToBlockHashes(tokens)
	b := mk(7331).TokensToBlockHashes(tokens)
	assert.NotEqual(t, a, b)
}

func TestTokenProcessorValidation(t *testing.T) {
	_, err := kvblock.NewTokenProcessor(&kvblock.TokenProcessorConfig{BlockSize: 0})
	assert.Error(t, err)

	_, err = kvblock.NewTokenProcessor(&kvblock.TokenProcessorConfig{
		BlockSize:    16,
		HashStrategy: "murmur",
	})
	assert.Error(t, err)

	processor, err := kvblock.NewTokenProcessor(nil)
	require.NoError(t, err)
	assert.Equal(t, 16, processor.BlockSize())
}
