package backends

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/exp/maps"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// QuantizedPrefix is prepended to the base name of quantized artifacts so
// that they never overwrite the source artifact.
const QuantizedPrefix = "quantized_"

const structureExtension = ".json"
const weightsExtension = ".weights"

// structureFile is the serialized graph topology. The weights file holds the
// raw tensor payloads concatenated in the Tensors order.
type structureFile struct {
	Name       string            `json:"name"`
	Precision  Precision         `json:"precision"`
	OnnxPath   string            `json:"onnxPath,omitempty"`
	Inputs     []InputOutputInfo `json:"inputs"`
	Outputs    []InputOutputInfo `json:"outputs"`
	Tensors    []tensorInfo      `json:"tensors"`
	Compressed bool              `json:"compressed"`
}

type tensorInfo struct {
	Name       string       `json:"name"`
	Dtype      string       `json:"dtype"`
	Shape      []int        `json:"shape"`
	ByteLength int          `json:"byteLength"`
	Quant      *QuantParams `json:"quant,omitempty"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// SaveModel writes the model as a structure file plus a weights file sharing
// the same base name under dir. Tensor order is sorted by name so repeated
// saves of the same model are byte identical. The source graph location is
// recorded so a reloaded artifact can still be compiled, with its saved
// weights patched over the graph.
func SaveModel(model *Model, dir string) (string, error) {
	structure := structureFile{
		Name:       model.Name,
		Precision:  model.Precision,
		OnnxPath:   model.OnnxPath,
		Compressed: model.Compressed,
		Inputs:     model.InputsMeta,
		Outputs:    model.OutputsMeta,
	}

	payload := &bytes.Buffer{}
	for _, name := range model.WeightNames() {
		weight := model.Weights[name]
		info := tensorInfo{
			Name:  name,
			Shape: weight.Shape(),
		}
		if params, ok := model.QuantParams[name]; ok {
			paramsCopy := params
			info.Quant = &paramsCopy
		}
		switch data := weight.Data().(type) {
		case []float32:
			info.Dtype = "float32"
			info.ByteLength = 4 * len(data)
			if err := binary.Write(payload, binary.LittleEndian, data); err != nil {
				return "", fmt.Errorf("failed to serialize tensor %s: %w", name, err)
			}
		case []int8:
			info.Dtype = "int8"
			info.ByteLength = len(data)
			if err := binary.Write(payload, binary.LittleEndian, data); err != nil {
				return "", fmt.Errorf("failed to serialize tensor %s: %w", name, err)
			}
		default:
			return "", fmt.Errorf("tensor %s has unsupported backing %T", name, weight.Data())
		}
		structure.Tensors = append(structure.Tensors, info)
	}

	structureBytes, err := json.Marshal(structure)
	if err != nil {
		return "", fmt.Errorf("failed to marshal structure file: %w", err)
	}

	if err := fileutil.CreateDir(dir); err != nil {
		return "", fmt.Errorf("cannot create output directory %s: %w", dir, err)
	}
	structurePath := fileutil.PathJoinSafe(dir, model.Name+structureExtension)
	if err := writeFile(structurePath, structureBytes); err != nil {
		return "", err
	}
	weightsPath := fileutil.PathJoinSafe(dir, model.Name+weightsExtension)
	if err := writeFile(weightsPath, payload.Bytes()); err != nil {
		return "", err
	}
	return structurePath, nil
}

func writeFile(path string, data []byte) error {
	writer, err := fileutil.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	_, writeErr := writer.Write(data)
	if closeErr := writer.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("cannot write %s: %w", path, writeErr)
	}
	return nil
}

// LoadModel reads a model back from its structure file. The weights file is
// located by swapping the extension on the same base name.
func LoadModel(structurePath string) (*Model, error) {
	structureBytes, err := fileutil.ReadFileBytes(structurePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read structure file %s: %w", structurePath, err)
	}
	var structure structureFile
	if err := json.Unmarshal(structureBytes, &structure); err != nil {
		return nil, fmt.Errorf("malformed structure file %s: %w", structurePath, err)
	}

	weightsPath := strings.TrimSuffix(structurePath, structureExtension) + weightsExtension
	payload, err := fileutil.ReadFileBytes(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read weights file %s: %w", weightsPath, err)
	}

	model := NewModel(structure.Name)
	model.Path = structurePath
	model.OnnxPath = structure.OnnxPath
	model.Precision = structure.Precision
	model.Compressed = structure.Compressed
	model.InputsMeta = structure.Inputs
	model.OutputsMeta = structure.Outputs

	reader := bytes.NewReader(payload)
	for _, info := range structure.Tensors {
		elements := 1
		for _, d := range info.Shape {
			elements *= d
		}
		switch info.Dtype {
		case "float32":
			data := make([]float32, elements)
			if err := binary.Read(reader, binary.LittleEndian, data); err != nil {
				return nil, fmt.Errorf("truncated weights for tensor %s: %w", info.Name, err)
			}
			model.Weights[info.Name] = tensor.New(tensor.WithShape(info.Shape...), tensor.WithBacking(data))
		case "int8":
			data := make([]int8, elements)
			if err := binary.Read(reader, binary.LittleEndian, data); err != nil {
				return nil, fmt.Errorf("truncated weights for tensor %s: %w", info.Name, err)
			}
			model.Weights[info.Name] = tensor.New(tensor.WithShape(info.Shape...), tensor.WithBacking(data))
		default:
			return nil, fmt.Errorf("tensor %s has unsupported dtype %s", info.Name, info.Dtype)
		}
		if info.Quant != nil {
			model.QuantParams[info.Name] = *info.Quant
		}
	}
	return model, nil
}
