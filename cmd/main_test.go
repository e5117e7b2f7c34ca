package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squint-ml/squint/metrics"
)

func TestBuildMetric(t *testing.T) {
	metricName = "accuracy"
	assert.IsType(t, &metrics.AccuracyMetric{}, buildMetric())

	metricName = "f1"
	assert.IsType(t, &metrics.F1Metric{}, buildMetric())
}

func TestBuildDatasetUnknownType(t *testing.T) {
	datasetPath = filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte("{}"), 0o644))
	datasetType = "tabular"
	_, _, err := buildDataset(nil)
	assert.Error(t, err)
}

func TestBuildDatasetTextPairRequiresTokenizer(t *testing.T) {
	datasetPath = filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte(`{"sentence1":"a","sentence2":"b","label":1}`), 0o644))
	datasetType = "textPair"
	tokenizerPath = ""
	_, _, err := buildDataset(nil)
	assert.Error(t, err)
}

func TestBuildDatasetSegmentation(t *testing.T) {
	line := `{"caseId":"c0","sliceId":0,"height":2,"width":2,"image":[1,0,0,1],"mask":[1,0,0,1]}`
	datasetPath = filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte(fmt.Sprintln(line)), 0o644))
	datasetType = "segmentation"
	targetHeight, targetWidth = 4, 4

	dataset, cleanup, err := buildDataset(nil)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
		assert.NoError(t, cleanup())
	}()
	assert.Equal(t, 1, dataset.Length())
}
