package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New()

	assert.NotNil(t, m)
	assert.NotNil(t, m.roundLatencies)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_FrameCounters(t *testing.T) {
	m := New()

	m.RecordFrameSent()
	m.RecordFrameSent()
	m.RecordFrameReceived()
	m.RecordFrameDropped()
	m.RecordDecodeError()

	r := m.GetReport()
	assert.Equal(t, uint64(2), r.FramesSent)
	assert.Equal(t, uint64(1), r.FramesReceived)
	assert.Equal(t, uint64(1), r.FramesDropped)
	assert.Equal(t, uint64(1), r.DecodeErrors)
}

func TestMetrics_RecordRound(t *testing.T) {
	m := New()

	m.RecordRound(true)
	m.RecordRound(false)
	m.RecordRound(true)

	r := m.GetReport()
	assert.Equal(t, uint64(3), r.RoundsRun)
	assert.Equal(t, uint64(2), r.RoundsCommitted)
}

func TestMetrics_GetLatencyStats(t *testing.T) {
	m := New()

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, LatencyStats{}, m.GetLatencyStats())
	})

	t.Run("percentiles", func(t *testing.T) {
		for i := 1; i <= 100; i++ {
			m.RecordRoundLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m.GetLatencyStats()
		assert.Equal(t, 100, stats.Count)
		assert.Equal(t, 1.0, stats.Min)
		assert.Equal(t, 100.0, stats.Max)
		assert.InDelta(t, 50.5, stats.Mean, 0.01)
		assert.InDelta(t, 50.5, stats.P50, 0.01)
		assert.InDelta(t, 95.05, stats.P95, 0.1)
	})
}

func TestPercentile_Interpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}

	assert.Equal(t, 10.0, percentile(sorted, 0))
	assert.Equal(t, 40.0, percentile(sorted, 100))
	assert.InDelta(t, 25.0, percentile(sorted, 50), 0.001)
	assert.Equal(t, 0.0, percentile(nil, 50))
}
