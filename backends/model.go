package backends

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Precision is the numeric representation of a model's weights.
type Precision string

const (
	PrecisionFP32 Precision = "FP32"
	PrecisionINT8 Precision = "INT8"
)

// InputOutputInfo describes one named input or output tensor.
type InputOutputInfo struct {
	// The name of the input or output
	Name string `json:"name"`
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape `json:"dimensions"`
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape returns a Shape with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// QuantParams holds the affine quantization parameters derived for one
// tensor: real = scale * (quantized - zeroPoint). Per channel tensors carry
// one scale and zero point per output channel.
type QuantParams struct {
	Scales     []float32 `json:"scales"`
	ZeroPoints []int32   `json:"zeroPoints"`
	PerChannel bool      `json:"perChannel"`
}

// Model is an opaque handle to a computation graph plus its weights. A
// handle is immutable from the caller's perspective: every transform
// (quantize, compress) returns a new Model and never mutates the weights
// visible to prior holders.
type Model struct {
	Name        string
	Path        string
	OnnxPath    string
	Weights     map[string]*tensor.Dense
	QuantParams map[string]QuantParams
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Precision   Precision
	Compressed  bool
	Destroy     func() error
}

// NewModel returns an empty full precision model handle.
func NewModel(name string) *Model {
	return &Model{
		Name:        name,
		Weights:     map[string]*tensor.Dense{},
		QuantParams: map[string]QuantParams{},
		Precision:   PrecisionFP32,
		Destroy: func() error {
			return nil
		},
	}
}

// State reports where the model sits in the
// Loaded -> Quantized -> CompressedWeights progression.
func (m *Model) State() string {
	switch {
	case m.Compressed:
		return "compressed"
	case m.Precision != PrecisionFP32:
		return "quantized"
	default:
		return "loaded"
	}
}

// Clone returns a deep copy: transforms operate on the clone so that the
// original holder's view never changes.
func (m *Model) Clone() *Model {
	weights := make(map[string]*tensor.Dense, len(m.Weights))
	for name, w := range m.Weights {
		weights[name] = w.Clone().(*tensor.Dense)
	}
	params := make(map[string]QuantParams, len(m.QuantParams))
	for name, p := range m.QuantParams {
		params[name] = p
	}
	return &Model{
		Name:        m.Name,
		Path:        m.Path,
		OnnxPath:    m.OnnxPath,
		Weights:     weights,
		QuantParams: params,
		InputsMeta:  m.InputsMeta,
		OutputsMeta: m.OutputsMeta,
		Precision:   m.Precision,
		Compressed:  m.Compressed,
		Destroy: func() error {
			return nil
		},
	}
}

// WeightNames returns the weight tensor names in sorted order, so that every
// pass over the graph is deterministic.
func (m *Model) WeightNames() []string {
	return sortedKeys(m.Weights)
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
