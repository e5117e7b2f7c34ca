//go:build ORT || ALL

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/options"
	"github.com/squint-ml/squint/util/fileutil"
)

// ortCompiledModel runs inference through onnxruntime.
type ortCompiledModel struct {
	session     *ort.DynamicAdvancedSession
	ortOptions  *ort.SessionOptions
	outputsMeta []InputOutputInfo
	device      string
}

func compileORTModel(model *Model, opts *options.Options) (CompiledModel, error) {
	if model.OnnxPath == "" {
		return nil, fmt.Errorf("model %s has no onnx artifact to compile", model.Name)
	}
	if !ort.IsInitialized() {
		if opts.ORTOptions.LibraryPath != nil {
			ort.SetSharedLibraryPath(*opts.ORTOptions.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, &DeviceError{Device: opts.Device, Cause: err}
		}
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read onnx artifact %s: %w", model.OnnxPath, err)
	}
	if len(model.Weights) > 0 {
		onnxBytes, err = patchGraphBytes(onnxBytes, model)
		if err != nil {
			return nil, fmt.Errorf("patching weights into %s: %w", model.OnnxPath, err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, &DeviceError{Device: opts.Device, Cause: err}
	}
	if len(model.InputsMeta) == 0 {
		model.InputsMeta = convertORTInputOutputs(inputs)
		model.OutputsMeta = convertORTInputOutputs(outputs)
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &DeviceError{Device: opts.Device, Cause: err}
	}
	if opts.ORTOptions.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*opts.ORTOptions.IntraOpNumThreads); err != nil {
			return nil, err
		}
	}
	if opts.ORTOptions.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*opts.ORTOptions.InterOpNumThreads); err != nil {
			return nil, err
		}
	}
	if opts.ORTOptions.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*opts.ORTOptions.CPUMemArena); err != nil {
			return nil, err
		}
	}
	if opts.ORTOptions.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*opts.ORTOptions.MemPattern); err != nil {
			return nil, err
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(model.InputsMeta),
		GetNames(model.OutputsMeta),
		sessionOptions,
	)
	if err != nil {
		return nil, &DeviceError{Device: opts.Device, Cause: err}
	}
	return &ortCompiledModel{
		session:     session,
		ortOptions:  sessionOptions,
		outputsMeta: model.OutputsMeta,
		device:      opts.Device,
	}, nil
}

func convertORTInputOutputs(infos []ort.InputOutputInfo) []InputOutputInfo {
	out := make([]InputOutputInfo, len(infos))
	for i, info := range infos {
		out[i] = InputOutputInfo{Name: info.Name, Dimensions: Shape(info.Dimensions)}
	}
	return out
}

func (o *ortCompiledModel) Run(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	inputTensors := make([]ort.Value, 0, len(inputs))
	destroyAll := func(values []ort.Value) {
		for _, v := range values {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}
	for _, name := range sortedKeys(inputs) {
		dense := inputs[name]
		data, ok := dense.Data().([]float32)
		if !ok {
			destroyAll(inputTensors)
			return nil, fmt.Errorf("input %s is not a float32 tensor", name)
		}
		shape := make([]int64, len(dense.Shape()))
		for i, d := range dense.Shape() {
			shape[i] = int64(d)
		}
		value, err := ort.NewTensor(ort.NewShape(shape...), data)
		if err != nil {
			destroyAll(inputTensors)
			return nil, err
		}
		inputTensors = append(inputTensors, value)
	}
	defer destroyAll(inputTensors)

	outputTensors := make([]ort.Value, len(o.outputsMeta))
	defer destroyAll(outputTensors)
	if err := o.session.Run(inputTensors, outputTensors); err != nil {
		return nil, err
	}

	result := make(map[string]*tensor.Dense, len(o.outputsMeta))
	for i, meta := range o.outputsMeta {
		typed, ok := outputTensors[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", meta.Name)
		}
		data := typed.GetData()
		owned := make([]float32, len(data))
		copy(owned, data)
		shape := typed.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		result[meta.Name] = tensor.New(tensor.WithShape(dims...), tensor.WithBacking(owned))
	}
	return result, nil
}

func (o *ortCompiledModel) Device() string {
	return o.device
}

func (o *ortCompiledModel) Destroy() error {
	var err error
	if o.session != nil {
		err = errors.Join(err, o.session.Destroy())
		o.session = nil
	}
	if o.ortOptions != nil {
		err = errors.Join(err, o.ortOptions.Destroy())
		o.ortOptions = nil
	}
	return err
}
