package backends

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/util/fileutil"
)

// LoadOnnxModel reads an .onnx graph and lifts its float32 initializers into
// the model's weight map. Quantization transforms then operate on the same
// tensors the runtime executes: compiling the model patches the (possibly
// transformed) weights back over the graph initializers.
func LoadOnnxModel(path string) (*Model, error) {
	onnxBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read onnx artifact %s: %w", path, err)
	}
	graph, err := gonnx.ModelProtoFromBytes(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("malformed onnx artifact %s: %w", path, err)
	}
	model := NewModel(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	model.Path = path
	model.OnnxPath = path
	if err := liftGraphWeights(graph, model); err != nil {
		return nil, fmt.Errorf("onnx artifact %s: %w", path, err)
	}
	return model, nil
}

// liftGraphWeights copies every float32 initializer into the model's weight
// map. Non-float initializers (shape constants, index tensors) stay in the
// graph untouched.
func liftGraphWeights(graph *onnx.ModelProto, model *Model) error {
	for _, initializer := range graph.GetGraph().GetInitializer() {
		if initializer.GetDataType() != int32(onnx.TensorProto_FLOAT) {
			continue
		}
		data, err := initializerFloats(initializer)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		shape := NewShape(initializer.GetDims()...).ValuesInt()
		if len(shape) == 0 {
			shape = []int{len(data)}
		}
		model.Weights[initializer.GetName()] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	}
	return nil
}

func initializerFloats(tp *onnx.TensorProto) ([]float32, error) {
	if len(tp.GetFloatData()) > 0 {
		data := make([]float32, len(tp.GetFloatData()))
		copy(data, tp.GetFloatData())
		return data, nil
	}
	raw := tp.GetRawData()
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor %s has a truncated float32 payload of %d bytes", tp.GetName(), len(raw))
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return data, nil
}

// patchGraphWeights writes the model's float32 weights over the matching
// graph initializers in place, so the runtime executes exactly the tensors
// held by the model handle rather than the values baked into the artifact.
func patchGraphWeights(graph *onnx.ModelProto, model *Model) error {
	for _, initializer := range graph.GetGraph().GetInitializer() {
		if initializer.GetDataType() != int32(onnx.TensorProto_FLOAT) {
			continue
		}
		weight, ok := model.Weights[initializer.GetName()]
		if !ok {
			continue
		}
		data, isFloat := weight.Data().([]float32)
		if !isFloat {
			return &InvalidStateError{Operation: "compile", State: model.State()}
		}
		elements := 1
		for _, d := range NewShape(initializer.GetDims()...).ValuesInt() {
			elements *= d
		}
		if len(data) != elements {
			return fmt.Errorf("tensor %s holds %d values but the graph expects %d", initializer.GetName(), len(data), elements)
		}
		// raw_data wins over float_data in every onnx reader, so the stale
		// typed payload has to be dropped alongside
		raw := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		initializer.RawData = raw
		initializer.FloatData = nil
	}
	return nil
}

// patchGraphBytes applies patchGraphWeights to serialized graph bytes, for
// runtimes that consume the onnx payload directly.
func patchGraphBytes(onnxBytes []byte, model *Model) ([]byte, error) {
	graph, err := gonnx.ModelProtoFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	if err := patchGraphWeights(graph, model); err != nil {
		return nil, err
	}
	return proto.Marshal(graph)
}
