package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/options"
	"github.com/squint-ml/squint/util/fileutil"
)

// goCompiledModel runs inference through the pure Go onnx runtime.
type goCompiledModel struct {
	session *gonnx.Model
	device  string
}

func compileGoModel(model *Model, opts *options.Options) (CompiledModel, error) {
	if opts.Device != "CPU" {
		return nil, &DeviceError{Device: opts.Device, Cause: fmt.Errorf("the GO backend only executes on CPU")}
	}
	if model.OnnxPath == "" {
		return nil, fmt.Errorf("model %s has no onnx artifact to compile", model.Name)
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read onnx artifact %s: %w", model.OnnxPath, err)
	}
	graph, err := gonnx.ModelProtoFromBytes(onnxBytes)
	if err != nil {
		return nil, &DeviceError{Device: opts.Device, Cause: err}
	}
	if len(model.Weights) > 0 {
		if err := patchGraphWeights(graph, model); err != nil {
			return nil, err
		}
	}
	session, err := gonnx.NewModel(graph)
	if err != nil {
		return nil, &DeviceError{Device: opts.Device, Cause: err}
	}
	loadInputOutputMetaGo(model, session)
	return &goCompiledModel{session: session, device: opts.Device}, nil
}

func loadInputOutputMetaGo(model *Model, session *gonnx.Model) {
	if len(model.InputsMeta) > 0 {
		return
	}
	inputShapes := session.InputShapes()
	for _, name := range session.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		model.InputsMeta = append(model.InputsMeta, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := session.OutputShapes()
	for _, name := range session.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		model.OutputsMeta = append(model.OutputsMeta, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
}

func (g *goCompiledModel) Run(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	inputMap := make(map[string]tensor.Tensor, len(inputs))
	for name, value := range inputs {
		inputMap[name] = value
	}
	outputs, err := g.session.Run(inputMap)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*tensor.Dense, len(outputs))
	for name, value := range outputs {
		dense, ok := value.(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("output %s is not a dense tensor", name)
		}
		result[name] = dense
	}
	return result, nil
}

func (g *goCompiledModel) Device() string {
	return g.device
}

func (g *goCompiledModel) Destroy() error {
	g.session = nil
	return nil
}
