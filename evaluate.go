package squint

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/datasets"
	"github.com/squint-ml/squint/metrics"
	"github.com/squint-ml/squint/util/safeconv"
)

// EvaluationHarness scores compiled models against datasets and measures
// their throughput, accumulating results for a final report. The same
// harness is meant to score both the full precision and the quantized
// variant of a model, so score and benchmark comparisons stay apples to
// apples.
type EvaluationHarness struct {
	session        *Session
	metric         metrics.Metric
	skipBadSamples bool
	scores         []scoreResult
	benchmarks     []BenchmarkResult
	timings        runTimings
}

// runTimings accumulates the wall time spent inside compiled.Run across
// scoring passes, as unsigned nanosecond counters.
type runTimings struct {
	calls   uint64
	totalNS uint64
}

type scoreResult struct {
	MetricName string
	Value      float64
}

// BenchmarkResult is one timed throughput measurement.
type BenchmarkResult struct {
	Device     string
	Iterations int
	TotalTime  time.Duration
	Throughput float64 // samples per second
}

type HarnessOption func(h *EvaluationHarness)

// WithSkipBadSamples makes Score log and skip samples failing with a data
// error instead of aborting the run. Off by default: a silently skipped
// sample skews accuracy comparisons.
func WithSkipBadSamples() HarnessOption {
	return func(h *EvaluationHarness) {
		h.skipBadSamples = true
	}
}

// NewEvaluationHarness creates a harness bound to a session and a metric.
// The session's TolerateDataErrors option sets the default bad sample
// policy; WithSkipBadSamples overrides it per harness.
func NewEvaluationHarness(session *Session, metric metrics.Metric, opts ...HarnessOption) (*EvaluationHarness, error) {
	if session == nil {
		return nil, errors.New("an evaluation harness requires a session")
	}
	if metric == nil {
		return nil, errors.New("an evaluation harness requires a metric")
	}
	harness := &EvaluationHarness{
		session:        session,
		metric:         metric,
		skipBadSamples: session.options.TolerateDataErrors,
	}
	for _, opt := range opts {
		opt(harness)
	}
	return harness, nil
}

// Score resets the metric, runs every dataset sample through the compiled
// model exactly once in dataset order and returns the final metric value.
// Two runs over the same model and dataset return the same value. A sample
// failing with a data error aborts the run unless the harness is configured
// to skip bad samples, in which case it is logged and skipped.
func (h *EvaluationHarness) Score(compiled backends.CompiledModel, dataset datasets.Dataset, transform datasets.Transform) (float64, error) {
	if dataset == nil || dataset.Length() == 0 {
		return 0, &datasets.ConfigurationError{Message: "scoring requires a non-empty dataset"}
	}
	h.metric.Reset()
	skipped := 0
	for i := 0; i < dataset.Length(); i++ {
		sample, err := dataset.Get(i)
		if err != nil {
			var dataErr *datasets.DataError
			if h.skipBadSamples && errors.As(err, &dataErr) {
				log.Printf("skipping sample %d: %v", i, err)
				skipped++
				continue
			}
			return 0, err
		}
		inputs := sample.Features
		if transform != nil {
			inputs, err = transform(sample)
			if err != nil {
				return 0, fmt.Errorf("transform on sample %d: %w", i, err)
			}
		}
		start := time.Now()
		outputs, err := compiled.Run(inputs)
		h.timings.calls++
		h.timings.totalNS += safeconv.DurationToU64(time.Since(start))
		if err != nil {
			return 0, fmt.Errorf("inference on sample %d: %w", i, err)
		}
		predicted, err := singleOutput(outputs)
		if err != nil {
			return 0, fmt.Errorf("sample %d: %w", i, err)
		}
		if err := h.metric.Update(predicted, sample.Label); err != nil {
			return 0, fmt.Errorf("metric update on sample %d: %w", i, err)
		}
	}
	if skipped > 0 {
		log.Printf("scored %d of %d samples, %d skipped", dataset.Length()-skipped, dataset.Length(), skipped)
	}
	value := h.metric.Value()
	h.scores = append(h.scores, scoreResult{MetricName: h.metric.Attributes().Name, Value: value})
	return value, nil
}

func singleOutput(outputs map[string]*tensor.Dense) (*tensor.Dense, error) {
	if len(outputs) != 1 {
		return nil, fmt.Errorf("expected a single model output, got %d", len(outputs))
	}
	for _, out := range outputs {
		return out, nil
	}
	return nil, errors.New("model produced no outputs")
}

// Benchmark runs one untimed warmup call, so load and first call overhead
// stay out of the measurement, then times exactly iterations calls over the
// fixed inputs and records the throughput.
func (h *EvaluationHarness) Benchmark(compiled backends.CompiledModel, inputs map[string]*tensor.Dense, iterations int) (BenchmarkResult, error) {
	if iterations <= 0 {
		return BenchmarkResult{}, fmt.Errorf("benchmark iterations must be positive, got %d", iterations)
	}
	if _, err := compiled.Run(inputs); err != nil {
		return BenchmarkResult{}, fmt.Errorf("warmup run: %w", err)
	}
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := compiled.Run(inputs); err != nil {
			return BenchmarkResult{}, fmt.Errorf("benchmark iteration %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	result := BenchmarkResult{
		Device:     compiled.Device(),
		Iterations: iterations,
		TotalTime:  elapsed,
	}
	if elapsed > 0 {
		result.Throughput = float64(iterations) / elapsed.Seconds()
	}
	h.benchmarks = append(h.benchmarks, result)
	return result, nil
}

// Stats reports the accumulated scoring inference counters as printable
// lines: call count, total wall time and average time per call.
func (h *EvaluationHarness) Stats() []string {
	average := time.Duration(0)
	if h.timings.calls > 0 {
		average = safeconv.U64ToDuration(h.timings.totalNS / h.timings.calls)
	}
	return []string{
		fmt.Sprintf("scoring inference calls: %d", h.timings.calls),
		fmt.Sprintf("total inference time: %s", safeconv.U64ToDuration(h.timings.totalNS)),
		fmt.Sprintf("average inference time: %s", average),
	}
}

// Report writes the accumulated scores and benchmark results as plain text
// lines. It derives everything from recorded state and performs no model
// work of its own.
func (h *EvaluationHarness) Report(w io.Writer) error {
	for _, score := range h.scores {
		if _, err := fmt.Fprintf(w, "%s: %v\n", score.MetricName, score.Value); err != nil {
			return err
		}
	}
	for _, benchmark := range h.benchmarks {
		if _, err := fmt.Fprintf(w, "%s throughput: %.2f samples/sec\n", benchmark.Device, benchmark.Throughput); err != nil {
			return err
		}
	}
	return nil
}
