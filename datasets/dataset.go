package datasets

import (
	"io"

	"gorgonia.org/tensor"
)

// Sample is a single labeled example. It is immutable once loaded: datasets
// hand out fresh tensors on every Get so that no caller can corrupt the
// backing data of another.
type Sample struct {
	Features map[string]*tensor.Dense
	Label    *tensor.Dense
	Metadata map[string]string
	Index    int
}

// Dataset is a fixed-length, randomly accessible sequence of samples with
// deterministic ordering: repeated Get calls with the same index return
// identical samples. Implementations must fail construction with a
// ConfigurationError when the backing source holds zero samples.
type Dataset interface {
	Length() int
	Get(index int) (*Sample, error)
	Close() error
}

// Transform maps a sample to the named input tensors a compiled model
// expects. All model specific shape and dtype knowledge lives here, injected
// by the caller rather than hard coded in the dataset.
type Transform func(sample *Sample) (map[string]*tensor.Dense, error)

// CalibrationDataset adapts a Dataset into a lazy, restartable sequence of
// model ready input maps. It performs no batching: each item is exactly one
// model invocation's worth of input.
type CalibrationDataset struct {
	source    Dataset
	transform Transform
	cursor    int
}

func NewCalibrationDataset(source Dataset, transform Transform) (*CalibrationDataset, error) {
	if source == nil {
		return nil, &ConfigurationError{Message: "calibration dataset requires a source dataset"}
	}
	if transform == nil {
		return nil, &ConfigurationError{Message: "calibration dataset requires a transform function"}
	}
	return &CalibrationDataset{source: source, transform: transform}, nil
}

// Length returns the number of items in one full pass.
func (c *CalibrationDataset) Length() int {
	return c.source.Length()
}

// Next returns the next transformed input. io.EOF signals the end of the
// pass; call Reset to start another sweep.
func (c *CalibrationDataset) Next() (map[string]*tensor.Dense, error) {
	if c.cursor >= c.source.Length() {
		return nil, io.EOF
	}
	sample, err := c.source.Get(c.cursor)
	if err != nil {
		return nil, err
	}
	c.cursor++
	return c.transform(sample)
}

// Reset rewinds the dataset to the first item. Calibration statistics
// collection and evaluation are separate passes over the same data.
func (c *CalibrationDataset) Reset() {
	c.cursor = 0
}
