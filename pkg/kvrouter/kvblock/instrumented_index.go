package kvblock

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/kvrouter/protocols"
)

type instrumentedIndex struct {
	next Index
}

// NewInstrumentedIndex wraps an Index and emits metrics for Add, Evict, and
// Lookup.
func NewInstrumentedIndex(next Index) Index {
	return &instrumentedIndex{next: next}
}

func (m *instrumentedIndex) Add(ctx context.Context, hashes []protocols.LocalBlockHash, entries []WorkerEntry) error {
	err := m.next.Add(ctx, hashes, entries)
	metrics.Admissions.Add(float64(len(hashes)))
	return err
}

func (m *instrumentedIndex) Evict(ctx context.Context, hash protocols.LocalBlockHash, entries []WorkerEntry) error {
	err := m.next.Evict(ctx, hash, entries)
	metrics.Evictions.Add(float64(len(entries)))
	return err
}

func (m *instrumentedIndex) Lookup(
	ctx context.Context,
	hashes []protocols.LocalBlockHash,
	workerSet sets.Set[protocols.WorkerID],
) (map[protocols.LocalBlockHash][]protocols.WorkerID, error) {
	timer := prometheus.NewTimer(metrics.LookupLatency)
	defer timer.ObserveDuration()

	metrics.LookupRequests.Inc()

	workers, err := m.next.Lookup(ctx, hashes, workerSet)
	if err == nil {
		metrics.LookupHits.Add(float64(len(workers)))
	}

	return workers, err
}
