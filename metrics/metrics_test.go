package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBreakerStateGauge(t *testing.T) {
	SetBreakerState("vector-search", "closed", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("vector-search")))
	SetBreakerState("vector-search", "open", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("vector-search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerTransitions.WithLabelValues("vector-search", "closed", "open")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(dedupRemoved.WithLabelValues("exact"))
	AddDedupRemoved("exact", 2)
	AddDedupRemoved("exact", 0)
	assert.Equal(t, before+2, testutil.ToFloat64(dedupRemoved.WithLabelValues("exact")))

	IncCacheLookup("similar")
	assert.GreaterOrEqual(t, testutil.ToFloat64(cacheLookups.WithLabelValues("similar")), 1.0)

	SetDegradation(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(degradationLevel))
	SetEmbeddingQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(embeddingQueueDepth))
	assert.Len(t, Collectors(), 13)
}

func TestRetrievalRecord(t *testing.T) {
	r := NewRetrievalRecord("req-1", "what is photosynthesis?")
	done := make(chan struct{})
	for _, b := range []string{"vector-search", "keyword-search", "web-search"} {
		go func(b string) {
			r.AddBackendStats(BackendStats{Backend: b, ResultCount: 3})
			done <- struct{}{}
		}(b)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	r.RecordStage("fanout", 3*time.Millisecond)
	r.RecordStage("fanout", 1500*time.Microsecond)
	r.RecordFusion("weighted", 2, 5, "default")

	assert.Len(t, r.Backends, 3)
	assert.InDelta(t, 4.5, r.StagesMs["fanout"], 1e-9)

	core, logs := observer.New(zap.DebugLevel)
	r.Log(zap.New(core))
	require.Equal(t, 1, logs.Len())
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(logs.All()[0].ContextMap()["record"].(string)), &decoded))
	assert.Equal(t, "weighted", decoded["fusion_method"])

	// Nothing is logged above debug.
	core, logs = observer.New(zap.InfoLevel)
	r.Log(zap.New(core))
	assert.Equal(t, 0, logs.Len())
}
