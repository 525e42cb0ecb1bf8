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

func TestNewIndexBackendSelection(t *testing.T) {
	t.Run("DefaultsToInMemory", func(t *testing.T) {
		index, err := kvblock.NewIndex(t.Context(), nil)
		require.NoError(t, err)
		assert.IsType(t, &kvblock.InMemoryIndex{}, index)
	})

	t.Run("FirstConfiguredBackendWins", func(t *testing.T) {
		index, err := kvblock.NewIndex(t.Context(), &kvblock.IndexConfig{
			InMemoryConfig:        kvblock.DefaultInMemoryIndexConfig(),
			CostAwareMemoryConfig: kvblock.DefaultCostAwareMemoryIndexConfig(),
		})
		require.NoError(t, err)
		assert.IsType(t, &kvblock.InMemoryIndex{}, index)
	})

	t.Run("CostAware", func(t *testing.T) {
		index, err := kvblock.NewIndex(t.Context(), &kvblock.IndexConfig{
			CostAwareMemoryConfig: kvblock.DefaultCostAwareMemoryIndexConfig(),
		})
		require.NoError(t, err)
		assert.IsType(t, &kvblock.CostAwareMemoryIndex{}, index)
	})

	t.Run("NoBackend", func(t *testing.T) {
		_, err := kvblock.NewIndex(t.Context(), &kvblock.IndexConfig{})
		assert.Error(t, err)
	})

	t.Run("MetricsWrap", func(t *testing.T) {
		index, err := kvblock.NewIndex(t.Context(), &kvblock.IndexConfig{
			InMemoryConfig: kvblock.DefaultInMemoryIndexConfig(),
			EnableMetrics:  true,
		})
		require.NoError(t, err)
		assert.NotNil(t, index)

		// The instrumented wrapper must preserve backend behavior.
		testCommonIndexBehavior(t, func(t *testing.T) kvblock.Index {
			t.Helper()
			wrapped, newErr := kvblock.NewIndex(t.Context(), &kvblock.IndexConfig{
				InMemoryConfig: kvblock.DefaultInMemoryIndexConfig(),
				EnableMetrics:  true,
			})
			require.NoError(t, newErr)
			return wrapped
		})
	})
}
