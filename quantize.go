package squint

import (
	"fmt"
	"log"

	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/datasets"
	"github.com/squint-ml/squint/metrics"
	"github.com/squint-ml/squint/quantization"
)

// QuantizationConfig drives one end to end quantization run: load the full
// precision model, calibrate, quantize, optionally compress, save the
// quantized artifact and score both variants against the evaluation dataset.
type QuantizationConfig struct {
	ModelPath   string
	OutputPath  string
	Calibration *datasets.CalibrationDataset
	Evaluation  datasets.Dataset
	Transform   datasets.Transform
	Metric      metrics.Metric
	// Compiler optionally overrides how a model variant is bound to a
	// device, e.g. for runtimes that patch quantized weights into the
	// graph. Defaults to the session's backend.
	Compiler func(model *backends.Model) (backends.CompiledModel, error)
	Config   quantization.Config
	Options  []QuantizationOption
}

type QuantizationOption func(qs *QuantizationSession) error

// WithWeightCompression stores the quantized weights as int8 in the saved
// artifact instead of the runnable fake quantized float32 form.
func WithWeightCompression() QuantizationOption {
	return func(qs *QuantizationSession) error {
		qs.compressWeights = true
		return nil
	}
}

// QuantizationResult summarizes a completed run.
type QuantizationResult struct {
	ArtifactPath   string
	BaselineScore  float64
	QuantizedScore float64
	AccuracyDrop   float64
}

// QuantizationSession orchestrates the quantize-and-evaluate flow on top of
// a Session. Create it with NewQuantizationSession and drive it with Run.
type QuantizationSession struct {
	session         *Session
	config          QuantizationConfig
	pipeline        *quantization.Pipeline
	compressWeights bool
}

func NewQuantizationSession(session *Session, config QuantizationConfig) (*QuantizationSession, error) {
	if session == nil {
		return nil, fmt.Errorf("a quantization session requires a base session")
	}
	if config.ModelPath == "" {
		return nil, &datasets.ConfigurationError{Message: "a model path is required"}
	}
	if config.Calibration == nil {
		return nil, &datasets.ConfigurationError{Message: "a calibration dataset is required"}
	}
	if config.Evaluation == nil || config.Metric == nil {
		return nil, &datasets.ConfigurationError{Message: "an evaluation dataset and metric are required"}
	}
	if err := config.Config.Validate(); err != nil {
		return nil, err
	}
	qs := &QuantizationSession{
		session:  session,
		config:   config,
		pipeline: session.NewPipeline(),
	}
	for _, opt := range config.Options {
		if err := opt(qs); err != nil {
			return nil, err
		}
	}
	return qs, nil
}

func (qs *QuantizationSession) compile(model *backends.Model) (backends.CompiledModel, error) {
	if qs.config.Compiler != nil {
		return qs.config.Compiler(model)
	}
	return qs.session.Compile(model)
}

// Run drives load -> calibrate -> quantize -> [compress] -> save -> score.
// The quantized artifact is written next to OutputPath under the quantized
// prefix. When the config sets a non-negative MaxAccuracyDrop, a quantized
// model scoring worse than the baseline by more than that margin fails the
// run after the artifact has been written, so the caller can still inspect
// it.
func (qs *QuantizationSession) Run() (*QuantizationResult, error) {
	model, err := qs.session.LoadModel(qs.config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	compiled, err := qs.compile(model)
	if err != nil {
		return nil, fmt.Errorf("compiling baseline model: %w", err)
	}

	statistics, err := qs.pipeline.CollectStatistics(model, compiled, qs.config.Calibration, qs.config.Config.CalibrationSubsetSize)
	if err != nil {
		return nil, fmt.Errorf("collecting calibration statistics: %w", err)
	}
	quantized, err := qs.pipeline.Quantize(model, statistics, qs.config.Config)
	if err != nil {
		return nil, fmt.Errorf("quantizing: %w", err)
	}

	artifact := quantized
	if qs.compressWeights {
		artifact, err = qs.pipeline.CompressWeights(quantized)
		if err != nil {
			return nil, fmt.Errorf("compressing weights: %w", err)
		}
	}
	artifactPath, err := backends.SaveModel(artifact, qs.config.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("saving quantized model: %w", err)
	}
	if qs.session.options.Verbose {
		log.Printf("saved quantized model to %s", artifactPath)
	}

	harness, err := NewEvaluationHarness(qs.session, qs.config.Metric)
	if err != nil {
		return nil, err
	}
	baseline, err := harness.Score(compiled, qs.config.Evaluation, qs.config.Transform)
	if err != nil {
		return nil, fmt.Errorf("scoring baseline model: %w", err)
	}
	// the fake quantized variant stays runnable by float backends, so it is
	// the one scored; the compressed form represents the same values
	quantizedCompiled, err := qs.compile(quantized)
	if err != nil {
		return nil, fmt.Errorf("compiling quantized model: %w", err)
	}
	quantizedScore, err := harness.Score(quantizedCompiled, qs.config.Evaluation, qs.config.Transform)
	if err != nil {
		return nil, fmt.Errorf("scoring quantized model: %w", err)
	}

	drop := baseline - quantizedScore
	if !qs.config.Metric.Attributes().HigherIsBetter {
		drop = quantizedScore - baseline
	}
	result := &QuantizationResult{
		ArtifactPath:   artifactPath,
		BaselineScore:  baseline,
		QuantizedScore: quantizedScore,
		AccuracyDrop:   drop,
	}
	if maxDrop := qs.config.Config.MaxAccuracyDrop; maxDrop >= 0 && drop > maxDrop {
		return result, fmt.Errorf("quantized model dropped %v on %s, more than the allowed %v",
			drop, qs.config.Metric.Attributes().Name, maxDrop)
	}
	return result, nil
}

// Destroy releases the underlying session.
func (qs *QuantizationSession) Destroy() error {
	return qs.session.Destroy()
}
