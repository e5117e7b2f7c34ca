// Package metrics provides streaming accuracy metrics: counters are updated
// batch by batch so that no evaluation run needs to retain its samples.
package metrics

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Attributes is the static metadata of a metric, used by report generation.
type Attributes struct {
	Name           string
	HigherIsBetter bool
}

// Metric is the interface every accumulator must satisfy in full. Update
// mutates internal counters only; Value derives the score from the fully
// accumulated sums and must never divide by zero; Reset returns the
// accumulator to its zero state between independent evaluation runs.
type Metric interface {
	Update(predicted, actual *tensor.Dense) error
	Value() float64
	Reset()
	Attributes() Attributes
}

var (
	_ Metric = &F1Metric{}
	_ Metric = &AccuracyMetric{}
)

// F1Metric accumulates the binary F1 (Dice) score over thresholded masks or
// labels: the harmonic mean of precision and recall.
type F1Metric struct {
	truePositive      uint64
	predictedPositive uint64
	actualPositive    uint64
	threshold         float32
}

// NewF1Metric returns an F1 accumulator that binarizes predictions and
// targets at threshold.
func NewF1Metric(threshold float32) *F1Metric {
	return &F1Metric{threshold: threshold}
}

func (m *F1Metric) Update(predicted, actual *tensor.Dense) error {
	predictedData, err := floats(predicted)
	if err != nil {
		return fmt.Errorf("predicted tensor: %w", err)
	}
	actualData, err := floats(actual)
	if err != nil {
		return fmt.Errorf("actual tensor: %w", err)
	}
	if len(predictedData) != len(actualData) {
		return fmt.Errorf("prediction has %d elements but target has %d", len(predictedData), len(actualData))
	}
	for i := range predictedData {
		predictedHit := predictedData[i] > m.threshold
		actualHit := actualData[i] > m.threshold
		if predictedHit {
			m.predictedPositive++
		}
		if actualHit {
			m.actualPositive++
		}
		if predictedHit && actualHit {
			m.truePositive++
		}
	}
	return nil
}

// Value returns 2*tp / (pp + ap). With no positives anywhere the score is
// defined as 0 rather than dividing by zero.
func (m *F1Metric) Value() float64 {
	denominator := m.predictedPositive + m.actualPositive
	if denominator == 0 {
		return 0
	}
	return 2 * float64(m.truePositive) / float64(denominator)
}

func (m *F1Metric) Reset() {
	m.truePositive = 0
	m.predictedPositive = 0
	m.actualPositive = 0
}

func (m *F1Metric) Attributes() Attributes {
	return Attributes{Name: "f1", HigherIsBetter: true}
}

// AccuracyMetric accumulates argmax accuracy for classification outputs. The
// predicted tensor holds one score per class, the actual tensor a single
// class index.
type AccuracyMetric struct {
	correct uint64
	total   uint64
}

func NewAccuracyMetric() *AccuracyMetric {
	return &AccuracyMetric{}
}

func (m *AccuracyMetric) Update(predicted, actual *tensor.Dense) error {
	predictedData, err := floats(predicted)
	if err != nil {
		return fmt.Errorf("predicted tensor: %w", err)
	}
	actualData, err := floats(actual)
	if err != nil {
		return fmt.Errorf("actual tensor: %w", err)
	}
	if len(predictedData) == 0 || len(actualData) == 0 {
		return fmt.Errorf("empty prediction or target")
	}
	argmax := 0
	for i, v := range predictedData {
		if v > predictedData[argmax] {
			argmax = i
		}
	}
	m.total++
	if argmax == int(actualData[0]) {
		m.correct++
	}
	return nil
}

func (m *AccuracyMetric) Value() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.total)
}

func (m *AccuracyMetric) Reset() {
	m.correct = 0
	m.total = 0
}

func (m *AccuracyMetric) Attributes() Attributes {
	return Attributes{Name: "accuracy", HigherIsBetter: true}
}

func floats(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 backing, got %T", t.Data())
	}
	return data, nil
}
