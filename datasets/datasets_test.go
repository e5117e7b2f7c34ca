package datasets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	return path
}

func segmentationLine(caseID string, sliceID, height, width int, value float32) string {
	values := make([]string, height*width)
	for i := range values {
		values[i] = fmt.Sprintf("%g", value)
	}
	flat := strings.Join(values, ",")
	return fmt.Sprintf(`{"caseId":%q,"sliceId":%d,"height":%d,"width":%d,"image":[%s],"mask":[%s]}`,
		caseID, sliceID, height, width, flat, flat)
}

func TestSegmentationDatasetEmptyFile(t *testing.T) {
	path := writeJSONL(t, "")
	_, err := NewSegmentationDataset(path, 4, 4)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestSegmentationDatasetMissingFile(t *testing.T) {
	_, err := NewSegmentationDataset(filepath.Join(t.TempDir(), "nope.jsonl"), 4, 4)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestSegmentationDatasetInvalidTargetShape(t *testing.T) {
	path := writeJSONL(t, segmentationLine("case0", 0, 2, 2, 1))
	_, err := NewSegmentationDataset(path, 0, 4)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestSegmentationDatasetGet(t *testing.T) {
	path := writeJSONL(t,
		segmentationLine("case0", 0, 2, 2, 1),
		segmentationLine("case0", 1, 2, 2, 0),
	)
	dataset, err := NewSegmentationDataset(path, 4, 4)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	assert.Equal(t, 2, dataset.Length())

	sample, err := dataset.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 0, sample.Index)
	assert.Equal(t, "case0", sample.Metadata["caseId"])
	assert.Equal(t, "0", sample.Metadata["sliceId"])

	image := sample.Features["image"]
	require.NotNil(t, image)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, image.Shape())
	// nearest neighbour upscale of a constant grid stays constant
	for _, v := range image.Data().([]float32) {
		assert.Equal(t, float32(1), v)
	}
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, sample.Label.Shape())
}

func TestSegmentationDatasetDeterministicGet(t *testing.T) {
	path := writeJSONL(t,
		segmentationLine("case0", 0, 2, 2, 1),
		segmentationLine("case1", 3, 2, 2, 0),
	)
	dataset, err := NewSegmentationDataset(path, 2, 2)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	first, err := dataset.Get(1)
	require.NoError(t, err)
	second, err := dataset.Get(1)
	require.NoError(t, err)
	assert.Equal(t, first.Metadata, second.Metadata)
	assert.Equal(t, first.Features["image"].Data(), second.Features["image"].Data())
}

func TestSegmentationDatasetCorruptLine(t *testing.T) {
	path := writeJSONL(t,
		segmentationLine("case0", 0, 2, 2, 1),
		`{"caseId":"case1","sliceId":1,"height":2,"width":2,"image":[1],"mask":[1]}`,
		`not json at all`,
	)
	dataset, err := NewSegmentationDataset(path, 2, 2)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	var dataErr *DataError

	// wrong element count
	_, err = dataset.Get(1)
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, 1, dataErr.Index)

	// unparseable line
	_, err = dataset.Get(2)
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, 2, dataErr.Index)

	// out of range
	_, err = dataset.Get(3)
	require.ErrorAs(t, err, &dataErr)

	// the rest of the dataset stays usable
	_, err = dataset.Get(0)
	assert.NoError(t, err)
}

func TestCalibrationDatasetRequiresSourceAndTransform(t *testing.T) {
	var configErr *ConfigurationError
	_, err := NewCalibrationDataset(nil, func(s *Sample) (map[string]*tensor.Dense, error) { return s.Features, nil })
	require.ErrorAs(t, err, &configErr)

	path := writeJSONL(t, segmentationLine("case0", 0, 2, 2, 1))
	dataset, err := NewSegmentationDataset(path, 2, 2)
	require.NoError(t, err)
	_, err = NewCalibrationDataset(dataset, nil)
	require.ErrorAs(t, err, &configErr)
}

func TestCalibrationDatasetRestartable(t *testing.T) {
	path := writeJSONL(t,
		segmentationLine("case0", 0, 2, 2, 1),
		segmentationLine("case0", 1, 2, 2, 0),
		segmentationLine("case0", 2, 2, 2, 1),
	)
	dataset, err := NewSegmentationDataset(path, 2, 2)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	calibration, err := NewCalibrationDataset(dataset, func(s *Sample) (map[string]*tensor.Dense, error) {
		return s.Features, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calibration.Length())

	// two full passes over the same data
	for pass := 0; pass < 2; pass++ {
		seen := 0
		for {
			inputs, nextErr := calibration.Next()
			if nextErr == io.EOF {
				break
			}
			require.NoError(t, nextErr)
			require.Contains(t, inputs, "image")
			seen++
		}
		assert.Equal(t, 3, seen, "pass %d", pass)
		calibration.Reset()
	}
}

func TestTextPairDatasetMissingTokenizer(t *testing.T) {
	path := writeJSONL(t, `{"sentence1":"a","sentence2":"b","label":1}`)
	_, err := NewTextPairDataset(path, t.TempDir(), "GO", 16)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestTextPairDatasetInvalidSequenceLength(t *testing.T) {
	path := writeJSONL(t, `{"sentence1":"a","sentence2":"b","label":1}`)
	_, err := NewTextPairDataset(path, t.TempDir(), "GO", 0)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}
