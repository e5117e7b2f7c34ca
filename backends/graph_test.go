package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/options"
)

// scaleGraphBytes serializes a minimal onnx graph computing
// y = Mul(x, scale.weight) with the given weight values.
func scaleGraphBytes(t *testing.T, weights []float32) []byte {
	t.Helper()
	n := int64(len(weights))
	graph := &onnx.ModelProto{
		IrVersion:   8,
		OpsetImport: []*onnx.OperatorSetIdProto{{Version: 13}},
		Graph: &onnx.GraphProto{
			Name: "scale",
			Node: []*onnx.NodeProto{{
				Name:   "scale",
				OpType: "Mul",
				Input:  []string{"x", "scale.weight"},
				Output: []string{"y"},
			}},
			Initializer: []*onnx.TensorProto{{
				Name:      "scale.weight",
				DataType:  int32(onnx.TensorProto_FLOAT),
				Dims:      []int64{1, n},
				FloatData: weights,
			}},
			Input:  []*onnx.ValueInfoProto{tensorValueInfo("x", 1, n)},
			Output: []*onnx.ValueInfoProto{tensorValueInfo("y", 1, n)},
		},
	}
	payload, err := proto.Marshal(graph)
	require.NoError(t, err)
	return payload
}

func tensorValueInfo(name string, dims ...int64) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{
			Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: d},
		})
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{
			Value: &onnx.TypeProto_TensorType{
				TensorType: &onnx.TypeProto_Tensor{
					ElemType: int32(onnx.TensorProto_FLOAT),
					Shape:    shape,
				},
			},
		},
	}
}

func writeScaleGraph(t *testing.T, weights []float32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scale.onnx")
	require.NoError(t, os.WriteFile(path, scaleGraphBytes(t, weights), 0o644))
	return path
}

func TestLoadOnnxModelLiftsWeights(t *testing.T) {
	path := writeScaleGraph(t, []float32{2, 4})

	model, err := LoadOnnxModel(path)
	require.NoError(t, err)

	assert.Equal(t, "scale", model.Name)
	assert.Equal(t, path, model.OnnxPath)
	assert.Equal(t, PrecisionFP32, model.Precision)
	require.Contains(t, model.Weights, "scale.weight")
	assert.Equal(t, []float32{2, 4}, model.Weights["scale.weight"].Data())
	assert.Equal(t, tensor.Shape{1, 2}, model.Weights["scale.weight"].Shape())
}

func TestLoadOnnxModelMissingFile(t *testing.T) {
	_, err := LoadOnnxModel(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

func TestCompileRunsModelWeights(t *testing.T) {
	path := writeScaleGraph(t, []float32{2, 4})
	model, err := LoadOnnxModel(path)
	require.NoError(t, err)

	opts := options.Defaults()
	opts.Backend = "GO"

	compiled, err := Compile(model, opts)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, compiled.Destroy())
	}()

	input := map[string]*tensor.Dense{
		"x": tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{1, 1})),
	}
	outputs, err := compiled.Run(input)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, outputs["y"].Data())

	// a transformed weight map must reach the runtime on the next compile,
	// not the values baked into the artifact
	model.Weights["scale.weight"].Data().([]float32)[0] = 0.5
	recompiled, err := Compile(model, opts)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, recompiled.Destroy())
	}()
	outputs, err = recompiled.Run(input)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 4}, outputs["y"].Data())
}

func TestPatchGraphBytesRewritesInitializers(t *testing.T) {
	payload := scaleGraphBytes(t, []float32{1, 2})
	model := NewModel("scale")
	model.Weights["scale.weight"] = tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{3, -4}))

	patched, err := patchGraphBytes(payload, model)
	require.NoError(t, err)

	graph, err := gonnx.ModelProtoFromBytes(patched)
	require.NoError(t, err)
	initializer := graph.GetGraph().GetInitializer()[0]
	assert.Empty(t, initializer.GetFloatData())
	data, err := initializerFloats(initializer)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -4}, data)
}

func TestPatchGraphBytesSizeMismatch(t *testing.T) {
	payload := scaleGraphBytes(t, []float32{1, 2})
	model := NewModel("scale")
	model.Weights["scale.weight"] = tensor.New(tensor.WithShape(3), tensor.WithBacking([]float32{1, 2, 3}))

	_, err := patchGraphBytes(payload, model)
	assert.Error(t, err)
}

func TestCompileRejectsCompressedModel(t *testing.T) {
	model := NewModel("compressed")
	model.Precision = PrecisionINT8
	model.Compressed = true
	model.Weights["w"] = tensor.New(tensor.WithShape(2), tensor.WithBacking([]int8{1, -1}))

	opts := options.Defaults()
	opts.Backend = "GO"
	_, err := Compile(model, opts)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "compressed", stateErr.State)
}
