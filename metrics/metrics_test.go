package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func dense(values ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(values)), tensor.WithBacking(values))
}

func TestF1MetricZeroUpdates(t *testing.T) {
	metric := NewF1Metric(0.5)
	assert.Equal(t, 0.0, metric.Value())
}

func TestF1MetricPerfectPrediction(t *testing.T) {
	metric := NewF1Metric(0.5)
	masks := [][]float32{
		{1, 0, 1, 0},
		{0, 0, 1, 1},
	}
	for _, mask := range masks {
		require.NoError(t, metric.Update(dense(mask...), dense(mask...)))
	}
	assert.Equal(t, 1.0, metric.Value())
}

func TestF1MetricNoPredictedPositives(t *testing.T) {
	metric := NewF1Metric(0.5)
	require.NoError(t, metric.Update(dense(0, 0, 0), dense(1, 1, 0)))
	assert.Equal(t, 0.0, metric.Value())
}

func TestF1MetricPartialOverlap(t *testing.T) {
	metric := NewF1Metric(0.5)
	// 1 true positive, 2 predicted positives, 2 actual positives
	require.NoError(t, metric.Update(dense(1, 1, 0, 0), dense(1, 0, 1, 0)))
	assert.InDelta(t, 0.5, metric.Value(), 1e-9)
}

func TestF1MetricReset(t *testing.T) {
	metric := NewF1Metric(0.5)
	require.NoError(t, metric.Update(dense(1, 0), dense(1, 0)))
	assert.Equal(t, 1.0, metric.Value())

	metric.Reset()
	assert.Equal(t, 0.0, metric.Value())

	// counters from the first run must not leak into the second
	require.NoError(t, metric.Update(dense(0, 1), dense(1, 0)))
	assert.Equal(t, 0.0, metric.Value())
}

func TestF1MetricShapeMismatch(t *testing.T) {
	metric := NewF1Metric(0.5)
	err := metric.Update(dense(1, 0), dense(1, 0, 1))
	assert.Error(t, err)
}

func TestAccuracyMetric(t *testing.T) {
	metric := NewAccuracyMetric()
	assert.Equal(t, 0.0, metric.Value())

	require.NoError(t, metric.Update(dense(0.1, 0.7, 0.2), dense(1)))
	require.NoError(t, metric.Update(dense(0.9, 0.05, 0.05), dense(2)))
	assert.InDelta(t, 0.5, metric.Value(), 1e-9)

	metric.Reset()
	assert.Equal(t, 0.0, metric.Value())
}

func TestMetricAttributes(t *testing.T) {
	assert.Equal(t, Attributes{Name: "f1", HigherIsBetter: true}, NewF1Metric(0.5).Attributes())
	assert.Equal(t, Attributes{Name: "accuracy", HigherIsBetter: true}, NewAccuracyMetric().Attributes())
}
