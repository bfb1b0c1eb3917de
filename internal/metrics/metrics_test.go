package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestIncAndSnapshot(t *testing.T) {
	m, err := New(noop.NewMeterProvider())
	require.NoError(t, err)
	ctx := context.Background()

	m.Inc(ctx, Turns, "status", "completed")
	m.Inc(ctx, Turns, "status", "completed")
	m.Inc(ctx, Turns, "status", "cancelled")
	m.Add(ctx, ToolCalls, 3, "tool", "knowledge_base_search", "outcome", "success")

	assert.Equal(t, int64(2), m.Get(Turns, "status", "completed"))
	assert.Equal(t, int64(3), m.Total(Turns))
	// 标签顺序无关
	assert.Equal(t, int64(3), m.Get(ToolCalls, "outcome", "success", "tool", "knowledge_base_search"))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["turns_total{status=cancelled}"])
}

func TestUnknownCounterIgnored(t *testing.T) {
	m := NewNop()
	m.Inc(context.Background(), "nope")
	assert.Empty(t, m.Snapshot())
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(context.Background(), Turns)
	assert.Equal(t, int64(0), m.Get(Turns))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestConcurrentInc(t *testing.T) {
	m := NewNop()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Inc(context.Background(), CandidatesProposed)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), m.Get(CandidatesProposed))

	require.NoError(t, m.Shutdown(context.Background()))
	m.Inc(context.Background(), CandidatesProposed)
	assert.Equal(t, int64(50), m.Get(CandidatesProposed))
}
