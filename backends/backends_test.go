package backends

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/options"
)

// identityModel echoes its single input back as "output".
type identityModel struct{}

func (m *identityModel) Run(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	for _, input := range inputs {
		return map[string]*tensor.Dense{"output": input}, nil
	}
	return map[string]*tensor.Dense{}, nil
}

func (m *identityModel) Device() string { return "CPU" }

func (m *identityModel) Destroy() error { return nil }

func newTestModel(t *testing.T) *Model {
	t.Helper()
	model := NewModel("test")
	model.Weights["layer1.weight"] = tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, -2, 3, -4, 5, -6}))
	model.Weights["layer1.bias"] = tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{0.5, -0.5}))
	return model
}

func TestModelState(t *testing.T) {
	model := newTestModel(t)
	assert.Equal(t, "loaded", model.State())

	model.Precision = PrecisionINT8
	assert.Equal(t, "quantized", model.State())

	model.Compressed = true
	assert.Equal(t, "compressed", model.State())
}

func TestModelCloneIsDeep(t *testing.T) {
	model := newTestModel(t)
	clone := model.Clone()

	cloneData := clone.Weights["layer1.weight"].Data().([]float32)
	cloneData[0] = 99

	originalData := model.Weights["layer1.weight"].Data().([]float32)
	assert.Equal(t, float32(1), originalData[0])
}

func TestModelWeightNamesSorted(t *testing.T) {
	model := newTestModel(t)
	assert.Equal(t, []string{"layer1.bias", "layer1.weight"}, model.WeightNames())
}

func TestCompileUnknownBackend(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "TPU"
	_, err := Compile(newTestModel(t), opts)
	var deviceErr *DeviceError
	require.ErrorAs(t, err, &deviceErr)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	model := newTestModel(t)
	model.Precision = PrecisionINT8
	model.OnnxPath = "test.onnx"
	model.QuantParams["layer1.weight"] = QuantParams{Scales: []float32{0.05}, ZeroPoints: []int32{0}}
	model.InputsMeta = []InputOutputInfo{{Name: "image", Dimensions: NewShape(1, 1, 4, 4)}}
	model.OutputsMeta = []InputOutputInfo{{Name: "mask", Dimensions: NewShape(1, 1, 4, 4)}}

	structurePath, err := SaveModel(model, t.TempDir())
	require.NoError(t, err)

	loaded, err := LoadModel(structurePath)
	require.NoError(t, err)

	assert.Equal(t, model.Name, loaded.Name)
	assert.Equal(t, model.OnnxPath, loaded.OnnxPath)
	assert.Equal(t, model.Precision, loaded.Precision)
	assert.Equal(t, model.Compressed, loaded.Compressed)
	assert.Equal(t, model.InputsMeta, loaded.InputsMeta)
	assert.Equal(t, model.OutputsMeta, loaded.OutputsMeta)
	assert.Equal(t, model.QuantParams, loaded.QuantParams)
	require.Equal(t, model.WeightNames(), loaded.WeightNames())
	for _, name := range model.WeightNames() {
		assert.Equal(t, model.Weights[name].Data(), loaded.Weights[name].Data(), name)
		assert.Equal(t, model.Weights[name].Shape(), loaded.Weights[name].Shape(), name)
	}
}

func TestSaveLoadInt8Weights(t *testing.T) {
	model := NewModel("compressed")
	model.Precision = PrecisionINT8
	model.Compressed = true
	model.Weights["w"] = tensor.New(tensor.WithShape(4), tensor.WithBacking([]int8{-128, -1, 1, 127}))
	model.QuantParams["w"] = QuantParams{Scales: []float32{0.1}, ZeroPoints: []int32{0}}

	structurePath, err := SaveModel(model, t.TempDir())
	require.NoError(t, err)

	loaded, err := LoadModel(structurePath)
	require.NoError(t, err)
	assert.True(t, loaded.Compressed)
	assert.Equal(t, []int8{-128, -1, 1, 127}, loaded.Weights["w"].Data())
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(t.TempDir() + "/missing.json")
	assert.Error(t, err)
}

func TestInferenceQueueValidation(t *testing.T) {
	callback := func(InferenceResult) {}
	_, err := NewInferenceQueue(nil, 1, callback)
	assert.Error(t, err)
	_, err = NewInferenceQueue(&identityModel{}, 0, callback)
	assert.Error(t, err)
	_, err = NewInferenceQueue(&identityModel{}, 1, nil)
	assert.Error(t, err)
}

func TestInferenceQueueEveryTagExactlyOnce(t *testing.T) {
	const numRequests = 64

	var mutex sync.Mutex
	seen := map[int]int{}
	queue, err := NewInferenceQueue(&identityModel{}, 4, func(result InferenceResult) {
		assert.NoError(t, result.Err)
		assert.Contains(t, result.Outputs, "output")
		mutex.Lock()
		seen[result.UserData.(int)]++
		mutex.Unlock()
	})
	require.NoError(t, err)
	defer queue.Close()

	input := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))
	for tag := 0; tag < numRequests; tag++ {
		require.NoError(t, queue.Submit(map[string]*tensor.Dense{"x": input}, tag))
	}
	queue.WaitAll()

	assert.Len(t, seen, numRequests)
	for tag := 0; tag < numRequests; tag++ {
		assert.Equal(t, 1, seen[tag], "tag %d", tag)
	}
}

func TestInferenceQueueWaitAllWithNoRequests(t *testing.T) {
	queue, err := NewInferenceQueue(&identityModel{}, 2, func(InferenceResult) {})
	require.NoError(t, err)
	queue.WaitAll()
	queue.Close()
}

func TestInferenceQueueSubmitAfterClose(t *testing.T) {
	queue, err := NewInferenceQueue(&identityModel{}, 2, func(InferenceResult) {})
	require.NoError(t, err)

	input := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))
	require.NoError(t, queue.Submit(map[string]*tensor.Dense{"x": input}, 0))
	queue.WaitAll()
	queue.Close()

	assert.Error(t, queue.Submit(map[string]*tensor.Dense{"x": input}, 1))
	// closing again stays safe
	queue.Close()
}
