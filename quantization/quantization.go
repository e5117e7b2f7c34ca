// Package quantization implements the post-training quantization pipeline:
// calibration statistics collection, scale/zero-point derivation, weight
// compression and evaluation of the resulting model.
package quantization

import (
	"fmt"
	"log"
	"strings"

	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/datasets"
	"github.com/squint-ml/squint/metrics"
	"github.com/squint-ml/squint/options"
	"github.com/squint-ml/squint/util/safeconv"
)

// Preset selects the accuracy/speed trade off of the quantization transform.
type Preset string

const (
	// PresetPerformance quantizes every weight tensor with a single
	// per-tensor scale.
	PresetPerformance Preset = "performance"
	// PresetMixed uses per-channel scales and keeps precision sensitive
	// tensors (norms, embeddings, biases) at full precision.
	PresetMixed Preset = "mixed"
)

// Config are the quantization knobs, enumerated and typed rather than passed
// around as loose dictionaries.
type Config struct {
	Precision             backends.Precision
	Preset                Preset
	TargetDevice          string
	CalibrationSubsetSize int
	// MaxAccuracyDrop is the tolerated metric drop of the quantized model
	// versus the full precision one. Negative disables the check; there is
	// no default threshold.
	MaxAccuracyDrop float64
}

func DefaultConfig() Config {
	return Config{
		Precision:             backends.PrecisionINT8,
		Preset:                PresetPerformance,
		TargetDevice:          "CPU",
		CalibrationSubsetSize: 300,
		MaxAccuracyDrop:       -1,
	}
}

func (c Config) Validate() error {
	switch c.Precision {
	case backends.PrecisionINT8:
	default:
		return &datasets.ConfigurationError{Message: fmt.Sprintf("unsupported target precision %q", c.Precision)}
	}
	switch c.Preset {
	case PresetPerformance, PresetMixed:
	default:
		return &datasets.ConfigurationError{Message: fmt.Sprintf("unsupported preset %q", c.Preset)}
	}
	if c.CalibrationSubsetSize <= 0 {
		return &datasets.ConfigurationError{Message: fmt.Sprintf("calibration subset size must be positive, got %d", c.CalibrationSubsetSize)}
	}
	return nil
}

// TensorStatistics is the running min/max summary for one tensor.
type TensorStatistics struct {
	Min          float32
	Max          float32
	Observations int
}

// CalibrationStatistics holds per-tensor summaries collected while running a
// calibration subset through the model. They exist only between collection
// and quantization; Quantize reads them and the caller discards them.
type CalibrationStatistics struct {
	Tensors map[string]*TensorStatistics
	Samples int
}

func newCalibrationStatistics() *CalibrationStatistics {
	return &CalibrationStatistics{Tensors: map[string]*TensorStatistics{}}
}

func (s *CalibrationStatistics) observe(name string, data []float32) {
	stat, ok := s.Tensors[name]
	if !ok {
		stat = &TensorStatistics{Min: data[0], Max: data[0]}
		s.Tensors[name] = stat
	}
	for _, v := range data {
		if v < stat.Min {
			stat.Min = v
		}
		if v > stat.Max {
			stat.Max = v
		}
	}
	stat.Observations += len(data)
}

// Pipeline orchestrates calibration, quantization, compression and
// evaluation. It holds no model state of its own: models flow through as
// immutable handles.
type Pipeline struct {
	opts *options.Options
}

func NewPipeline(opts *options.Options) *Pipeline {
	return &Pipeline{opts: opts}
}

// CollectStatistics scans the model weights and runs up to subsetSize
// calibration items through the compiled model, recording per-tensor
// min/max. No metric evaluation happens here. A subsetSize larger than the
// dataset is clamped to the dataset length with a warning note; an empty
// dataset is fatal.
func (p *Pipeline) CollectStatistics(model *backends.Model, compiled backends.CompiledModel, calibration *datasets.CalibrationDataset, subsetSize int) (*CalibrationStatistics, error) {
	if model == nil {
		return nil, &datasets.ConfigurationError{Message: "statistics collection requires a model"}
	}
	if calibration == nil || calibration.Length() == 0 {
		return nil, &datasets.ConfigurationError{Message: "statistics collection requires a non-empty calibration dataset"}
	}
	if subsetSize <= 0 {
		return nil, &datasets.ConfigurationError{Message: fmt.Sprintf("calibration subset size must be positive, got %d", subsetSize)}
	}
	if subsetSize > calibration.Length() {
		log.Printf("calibration subset size %d exceeds dataset length %d, using the whole dataset", subsetSize, calibration.Length())
		subsetSize = calibration.Length()
	}

	statistics := newCalibrationStatistics()
	for _, name := range model.WeightNames() {
		data, ok := model.Weights[name].Data().([]float32)
		if !ok || len(data) == 0 {
			continue
		}
		statistics.observe(name, data)
	}

	calibration.Reset()
	for i := 0; i < subsetSize; i++ {
		inputs, err := calibration.Next()
		if err != nil {
			return nil, fmt.Errorf("calibration sample %d: %w", i, err)
		}
		for name, value := range inputs {
			if data, ok := value.Data().([]float32); ok && len(data) > 0 {
				statistics.observe("input:"+name, data)
			}
		}
		if compiled != nil {
			outputs, err := compiled.Run(inputs)
			if err != nil {
				return nil, fmt.Errorf("calibration inference on sample %d: %w", i, err)
			}
			for name, value := range outputs {
				if data, ok := value.Data().([]float32); ok && len(data) > 0 {
					statistics.observe("output:"+name, data)
				}
			}
		}
		statistics.Samples++
	}
	if p.opts != nil && p.opts.Verbose {
		log.Printf("collected statistics for %d tensors over %d calibration samples", len(statistics.Tensors), statistics.Samples)
	}
	return statistics, nil
}

// mixedPresetKeepsFullPrecision reports whether the mixed preset leaves a
// tensor at FP32. Norm and embedding weights and biases are the usual
// accuracy sensitive tensors.
func mixedPresetKeepsFullPrecision(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "norm") ||
		strings.Contains(lower, "embed") ||
		strings.HasSuffix(lower, "bias") ||
		strings.HasSuffix(lower, ".b")
}

// Quantize derives scale and zero point parameters from the statistics and
// returns a new model with fake-quantized weights: each value is rounded to
// its int8 grid point and mapped back to float32, so the returned model is
// numerically identical to the compressed form while staying runnable by
// float backends. Deterministic: identical inputs yield bit-identical
// weights. Quantizing an already quantized model is rejected.
func (p *Pipeline) Quantize(model *backends.Model, statistics *CalibrationStatistics, config Config) (*backends.Model, error) {
	if model == nil {
		return nil, &datasets.ConfigurationError{Message: "quantize requires a model"}
	}
	if model.Precision != backends.PrecisionFP32 || model.Compressed {
		return nil, &backends.InvalidStateError{Operation: "quantize", State: model.State()}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if statistics == nil || len(statistics.Tensors) == 0 {
		return nil, &datasets.ConfigurationError{Message: "quantize requires collected calibration statistics"}
	}

	quantized := model.Clone()
	quantized.Name = backends.QuantizedPrefix + model.Name
	quantized.Precision = config.Precision

	for _, name := range quantized.WeightNames() {
		weight := quantized.Weights[name]
		data, ok := weight.Data().([]float32)
		if !ok || len(data) == 0 {
			continue
		}
		if config.Preset == PresetMixed && mixedPresetKeepsFullPrecision(name) {
			continue
		}

		var params backends.QuantParams
		if config.Preset == PresetMixed {
			params = perChannelParams(data, weight.Shape())
		} else {
			params = perTensorParams(statistics, name, data)
		}
		fakeQuantize(data, params)
		quantized.QuantParams[name] = params
	}

	// activation scales ride along for backends that quantize at runtime
	for name, stat := range statistics.Tensors {
		if !strings.HasPrefix(name, "input:") && !strings.HasPrefix(name, "output:") {
			continue
		}
		scale, zeroPoint := affineParams(stat.Min, stat.Max)
		quantized.QuantParams[name] = backends.QuantParams{
			Scales:     []float32{scale},
			ZeroPoints: []int32{zeroPoint},
		}
	}
	return quantized, nil
}

// perTensorParams derives one symmetric scale for the whole tensor, using
// the calibrated range when present and the live data otherwise.
func perTensorParams(statistics *CalibrationStatistics, name string, data []float32) backends.QuantParams {
	minValue, maxValue := data[0], data[0]
	if stat, ok := statistics.Tensors[name]; ok {
		minValue, maxValue = stat.Min, stat.Max
	} else {
		for _, v := range data {
			if v < minValue {
				minValue = v
			}
			if v > maxValue {
				maxValue = v
			}
		}
	}
	return backends.QuantParams{
		Scales:     []float32{symmetricScale(minValue, maxValue)},
		ZeroPoints: []int32{0},
	}
}

// perChannelParams derives one symmetric scale per output channel, axis 0.
func perChannelParams(data []float32, shape tensor.Shape) backends.QuantParams {
	channels := 1
	if len(shape) > 0 {
		channels = shape[0]
	}
	stride := len(data) / channels
	scales := make([]float32, channels)
	zeroPoints := make([]int32, channels)
	for c := 0; c < channels; c++ {
		chunk := data[c*stride : (c+1)*stride]
		minValue, maxValue := chunk[0], chunk[0]
		for _, v := range chunk {
			if v < minValue {
				minValue = v
			}
			if v > maxValue {
				maxValue = v
			}
		}
		scales[c] = symmetricScale(minValue, maxValue)
	}
	return backends.QuantParams{Scales: scales, ZeroPoints: zeroPoints, PerChannel: true}
}

func symmetricScale(minValue, maxValue float32) float32 {
	maxAbs := maxValue
	if -minValue > maxAbs {
		maxAbs = -minValue
	}
	if maxAbs == 0 {
		return 1
	}
	return maxAbs / 127
}

func affineParams(minValue, maxValue float32) (float32, int32) {
	if maxValue <= minValue {
		return 1, 0
	}
	scale := (maxValue - minValue) / 255
	zeroPoint := int32(safeconv.FloatToInt8(-128 - minValue/scale))
	return scale, zeroPoint
}

// fakeQuantize rounds every value to its int8 grid point and back, in place
// on the cloned tensor.
func fakeQuantize(data []float32, params backends.QuantParams) {
	if params.PerChannel {
		channels := len(params.Scales)
		stride := len(data) / channels
		for c := 0; c < channels; c++ {
			scale := params.Scales[c]
			for i := c * stride; i < (c+1)*stride; i++ {
				data[i] = float32(safeconv.FloatToInt8(data[i]/scale)) * scale
			}
		}
		return
	}
	scale := params.Scales[0]
	for i := range data {
		data[i] = float32(safeconv.FloatToInt8(data[i]/scale)) * scale
	}
}

// CompressWeights rewrites every quantized weight tensor to its int8
// storage representation, shrinking the serialized artifact. Pure
// transform: the represented values are exactly the fake-quantized ones,
// so inference semantics do not change further. Requires a quantized,
// uncompressed model.
func (p *Pipeline) CompressWeights(model *backends.Model) (*backends.Model, error) {
	if model == nil {
		return nil, &datasets.ConfigurationError{Message: "compress requires a model"}
	}
	if model.Precision == backends.PrecisionFP32 || model.Compressed {
		return nil, &backends.InvalidStateError{Operation: "compress weights", State: model.State()}
	}

	compressed := model.Clone()
	for _, name := range compressed.WeightNames() {
		params, ok := compressed.QuantParams[name]
		if !ok {
			continue // mixed preset tensors kept at full precision
		}
		weight := compressed.Weights[name]
		data, isFloat := weight.Data().([]float32)
		if !isFloat {
			continue
		}
		stored := make([]int8, len(data))
		if params.PerChannel {
			channels := len(params.Scales)
			stride := len(data) / channels
			for c := 0; c < channels; c++ {
				scale := params.Scales[c]
				for i := c * stride; i < (c+1)*stride; i++ {
					stored[i] = safeconv.FloatToInt8(data[i] / scale)
				}
			}
		} else {
			scale := params.Scales[0]
			for i := range data {
				stored[i] = safeconv.FloatToInt8(data[i] / scale)
			}
		}
		compressed.Weights[name] = tensor.New(tensor.WithShape(weight.Shape()...), tensor.WithBacking(stored))
	}
	compressed.Compressed = true
	return compressed, nil
}

// DecompressWeights is the inverse of CompressWeights: int8 storage back to
// the fake-quantized float32 representation, e.g. after loading a
// serialized artifact for a float backend.
func (p *Pipeline) DecompressWeights(model *backends.Model) (*backends.Model, error) {
	if model == nil {
		return nil, &datasets.ConfigurationError{Message: "decompress requires a model"}
	}
	if !model.Compressed {
		return nil, &backends.InvalidStateError{Operation: "decompress weights", State: model.State()}
	}
	restored := model.Clone()
	for _, name := range restored.WeightNames() {
		weight := restored.Weights[name]
		stored, isInt8 := weight.Data().([]int8)
		if !isInt8 {
			continue
		}
		params := restored.QuantParams[name]
		data := make([]float32, len(stored))
		if params.PerChannel {
			channels := len(params.Scales)
			stride := len(stored) / channels
			for c := 0; c < channels; c++ {
				scale := params.Scales[c]
				for i := c * stride; i < (c+1)*stride; i++ {
					data[i] = float32(stored[i]) * scale
				}
			}
		} else {
			scale := params.Scales[0]
			for i := range stored {
				data[i] = float32(stored[i]) * scale
			}
		}
		restored.Weights[name] = tensor.New(tensor.WithShape(weight.Shape()...), tensor.WithBacking(data))
	}
	restored.Compressed = false
	return restored, nil
}

// Evaluate runs the full dataset through the compiled model exactly once,
// feeding every prediction to the metric, and returns the final value.
// Resetting the metric between models is the caller's responsibility: the
// metric lifecycle stays explicit at the harness level.
func (p *Pipeline) Evaluate(compiled backends.CompiledModel, dataset datasets.Dataset, transform datasets.Transform, metric metrics.Metric, outputName string) (float64, error) {
	if dataset == nil || dataset.Length() == 0 {
		return 0, &datasets.ConfigurationError{Message: "evaluate requires a non-empty dataset"}
	}
	for i := 0; i < dataset.Length(); i++ {
		sample, err := dataset.Get(i)
		if err != nil {
			return 0, err
		}
		inputs := sample.Features
		if transform != nil {
			inputs, err = transform(sample)
			if err != nil {
				return 0, err
			}
		}
		outputs, err := compiled.Run(inputs)
		if err != nil {
			return 0, err
		}
		predicted, err := selectOutput(outputs, outputName)
		if err != nil {
			return 0, fmt.Errorf("sample %d: %w", i, err)
		}
		if err := metric.Update(predicted, sample.Label); err != nil {
			return 0, fmt.Errorf("metric update on sample %d: %w", i, err)
		}
	}
	return metric.Value(), nil
}

func selectOutput(outputs map[string]*tensor.Dense, outputName string) (*tensor.Dense, error) {
	if outputName != "" {
		predicted, ok := outputs[outputName]
		if !ok {
			return nil, fmt.Errorf("model has no output named %s", outputName)
		}
		return predicted, nil
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("model has %d outputs, specify which one to score", len(outputs))
	}
	for _, predicted := range outputs {
		return predicted, nil
	}
	return nil, fmt.Errorf("model produced no outputs")
}
