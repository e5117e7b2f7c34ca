package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint"
	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/datasets"
	"github.com/squint-ml/squint/metrics"
	"github.com/squint-ml/squint/options"
	"github.com/squint-ml/squint/quantization"
	"github.com/squint-ml/squint/util/fileutil"
)

var modelPath string
var datasetPath string
var outputPath string
var datasetType string
var tokenizerPath string
var metricName string
var presetName string
var backendName string
var sharedLibraryPath string
var subsetSize int
var iterations int
var sequenceLength int
var targetHeight int
var targetWidth int
var maxAccuracyDrop float64
var compressWeights bool
var verbose bool

func datasetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "Path to the .jsonl dataset. If omitted, the dataset is read from stdin.",
			Aliases:     []string{"d"},
			Destination: &datasetPath,
		},
		&cli.StringFlag{
			Name:        "datasetType",
			Usage:       "Dataset type: segmentation or textPair",
			Aliases:     []string{"t"},
			Destination: &datasetType,
			Value:       "segmentation",
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "Path to the directory holding tokenizer.json (textPair datasets)",
			Destination: &tokenizerPath,
		},
		&cli.IntFlag{
			Name:        "sequenceLength",
			Usage:       "Fixed token sequence length (textPair datasets)",
			Destination: &sequenceLength,
			Value:       128,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "Target image height (segmentation datasets)",
			Destination: &targetHeight,
			Value:       64,
		},
		&cli.IntFlag{
			Name:        "width",
			Usage:       "Target image width (segmentation datasets)",
			Destination: &targetWidth,
			Value:       64,
		},
	}
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend: GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backendName,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to the directory holding the onnxruntime shared library (ORT backend)",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Print progress notes",
			Destination: &verbose,
		},
	}
}

var quantizeCommand = &cli.Command{
	Name:  "quantize",
	Usage: "Quantize a model with post-training calibration and score the result",
	Description: `Quantize loads a full precision model, collects calibration statistics over
a subset of the dataset, derives int8 parameters, saves the quantized model
under the quantized_ prefix and scores both variants.`,
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model artifact (.json structure file or .onnx graph)",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Directory where the quantized artifact is written",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       ".",
		},
		&cli.StringFlag{
			Name:        "preset",
			Usage:       "Quantization preset: performance or mixed",
			Destination: &presetName,
			Value:       "performance",
		},
		&cli.IntFlag{
			Name:        "subsetSize",
			Usage:       "Number of calibration samples",
			Destination: &subsetSize,
			Value:       300,
		},
		&cli.Float64Flag{
			Name:        "maxAccuracyDrop",
			Usage:       "Fail when the quantized model scores worse by more than this margin. Negative disables the check.",
			Destination: &maxAccuracyDrop,
			Value:       -1,
		},
		&cli.BoolFlag{
			Name:        "compress",
			Usage:       "Store weights as int8 in the saved artifact",
			Destination: &compressWeights,
		},
		&cli.StringFlag{
			Name:        "metric",
			Usage:       "Evaluation metric: f1 or accuracy",
			Aliases:     []string{"m"},
			Destination: &metricName,
			Value:       "f1",
		},
	}, datasetFlags()...), sessionFlags()...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		dataset, cleanup, err := buildDataset(ctx)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, dataset.Close(), cleanup())
		}()

		calibration, err := datasets.NewCalibrationDataset(dataset, featuresOnly)
		if err != nil {
			return err
		}

		qs, err := squint.NewQuantizationSession(session, squint.QuantizationConfig{
			ModelPath:   modelPath,
			OutputPath:  outputPath,
			Calibration: calibration,
			Evaluation:  dataset,
			Metric:      buildMetric(),
			Config: quantization.Config{
				Precision:             backends.PrecisionINT8,
				Preset:                quantization.Preset(presetName),
				TargetDevice:          session.Options().Device,
				CalibrationSubsetSize: subsetSize,
				MaxAccuracyDrop:       maxAccuracyDrop,
			},
			Options: quantizationOptions(),
		})
		if err != nil {
			return err
		}
		result, runErr := qs.Run()
		if result != nil {
			fmt.Printf("quantized artifact: %s\n", result.ArtifactPath)
			fmt.Printf("baseline score: %v\n", result.BaselineScore)
			fmt.Printf("quantized score: %v\n", result.QuantizedScore)
		}
		return runErr
	},
}

var evaluateCommand = &cli.Command{
	Name:  "evaluate",
	Usage: "Score a model against a dataset",
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model artifact",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "metric",
			Usage:       "Evaluation metric: f1 or accuracy",
			Aliases:     []string{"m"},
			Destination: &metricName,
			Value:       "f1",
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to write the report to. If omitted, the report goes to stdout.",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
	}, datasetFlags()...), sessionFlags()...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		dataset, cleanup, err := buildDataset(ctx)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, dataset.Close(), cleanup())
		}()

		model, err := session.LoadModel(modelPath)
		if err != nil {
			return err
		}
		compiled, err := session.Compile(model)
		if err != nil {
			return err
		}

		harness, err := squint.NewEvaluationHarness(session, buildMetric())
		if err != nil {
			return err
		}
		if _, err := harness.Score(compiled, dataset, nil); err != nil {
			return err
		}
		if verbose {
			for _, line := range harness.Stats() {
				fmt.Println(line)
			}
		}
		return writeReport(harness)
	},
}

var benchmarkCommand = &cli.Command{
	Name:  "benchmark",
	Usage: "Measure model throughput over fixed inputs",
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model artifact",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "iterations",
			Usage:       "Number of timed inference calls",
			Aliases:     []string{"n"},
			Destination: &iterations,
			Value:       100,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to write the report to. If omitted, the report goes to stdout.",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
	}, datasetFlags()...), sessionFlags()...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		dataset, cleanup, err := buildDataset(ctx)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, dataset.Close(), cleanup())
		}()

		sample, err := dataset.Get(0)
		if err != nil {
			return err
		}
		model, err := session.LoadModel(modelPath)
		if err != nil {
			return err
		}
		compiled, err := session.Compile(model)
		if err != nil {
			return err
		}

		harness, err := squint.NewEvaluationHarness(session, buildMetric())
		if err != nil {
			return err
		}
		if _, err := harness.Benchmark(compiled, sample.Features, iterations); err != nil {
			return err
		}
		return writeReport(harness)
	},
}

func main() {
	app := &cli.App{
		Name:     "squint",
		Usage:    "Post-training quantization and evaluation for onnx models",
		Commands: []*cli.Command{quantizeCommand, evaluateCommand, benchmarkCommand},
	}
	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSession() (*squint.Session, error) {
	var opts []options.WithOption
	if verbose {
		opts = append(opts, options.WithVerbose())
	}
	switch backendName {
	case "ORT":
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return squint.NewORTSession(opts...)
	case "GO":
		return squint.NewGoSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s is not supported", backendName)
	}
}

// buildDataset resolves the dataset flags into a Dataset. An empty dataset
// path falls back to stdin when something is piped in; the returned cleanup
// removes the spooled stdin copy.
func buildDataset(_ *cli.Context) (datasets.Dataset, func() error, error) {
	cleanup := func() error { return nil }
	path := datasetPath
	if path == "" {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return nil, cleanup, fmt.Errorf("no dataset path given and nothing piped on stdin")
		}
		spooled, err := spoolStdin()
		if err != nil {
			return nil, cleanup, err
		}
		path = spooled
		cleanup = func() error { return os.Remove(spooled) }
	}

	switch datasetType {
	case "segmentation":
		dataset, err := datasets.NewSegmentationDataset(path, targetHeight, targetWidth)
		return dataset, cleanup, err
	case "textPair":
		if tokenizerPath == "" {
			return nil, cleanup, fmt.Errorf("textPair datasets require --tokenizer")
		}
		dataset, err := datasets.NewTextPairDataset(path, tokenizerPath, backendName, sequenceLength)
		return dataset, cleanup, err
	default:
		return nil, cleanup, fmt.Errorf("dataset type %s is not supported", datasetType)
	}
}

func spoolStdin() (string, error) {
	tmp, err := os.CreateTemp("", "squint-stdin-*.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, os.Stdin); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func buildMetric() metrics.Metric {
	switch metricName {
	case "accuracy":
		return metrics.NewAccuracyMetric()
	default:
		return metrics.NewF1Metric(0.5)
	}
}

func quantizationOptions() []squint.QuantizationOption {
	var opts []squint.QuantizationOption
	if compressWeights {
		opts = append(opts, squint.WithWeightCompression())
	}
	return opts
}

func featuresOnly(sample *datasets.Sample) (map[string]*tensor.Dense, error) {
	return sample.Features, nil
}

func writeReport(harness *squint.EvaluationHarness) error {
	if outputPath == "" {
		return harness.Report(os.Stdout)
	}
	writer, err := fileutil.NewFileWriter(outputPath)
	if err != nil {
		return err
	}
	report := harness.Report(writer)
	return errors.Join(report, writer.Close())
}
