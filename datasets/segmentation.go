package datasets

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// segmentationRecord is one jsonl line of the dataset: a flattened grayscale
// slice and its binary mask, row major, with the original dimensions.
type segmentationRecord struct {
	CaseID  string    `json:"caseId"`
	Image   []float32 `json:"image"`
	Mask    []float32 `json:"mask"`
	SliceID int       `json:"sliceId"`
	Height  int       `json:"height"`
	Width   int       `json:"width"`
}

// SegmentationDataset reads image/mask pairs from a .jsonl file. Sample
// order is line order, so repeated evaluation runs see identical samples at
// identical indices. Lines are parsed lazily on Get: a corrupt line yields a
// DataError for that index and leaves the rest of the dataset usable.
type SegmentationDataset struct {
	path         string
	lines        [][]byte
	targetHeight int
	targetWidth  int
}

// NewSegmentationDataset opens the .jsonl file at path and indexes its
// lines. Every sample is resized to targetHeight x targetWidth on access.
func NewSegmentationDataset(path string, targetHeight, targetWidth int) (*SegmentationDataset, error) {
	if targetHeight <= 0 || targetWidth <= 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("invalid target shape %dx%d", targetHeight, targetWidth)}
	}
	source, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot open dataset %s: %v", path, err)}
	}
	defer func() {
		_ = source.Close()
	}()

	var lines [][]byte
	reader := bufio.NewReader(source)
	for {
		line, readErr := fileutil.ReadLine(reader)
		if len(line) > 0 {
			owned := make([]byte, len(line))
			copy(owned, line)
			lines = append(lines, owned)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, &ConfigurationError{Message: fmt.Sprintf("cannot read dataset %s: %v", path, readErr)}
		}
	}
	if len(lines) == 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("dataset %s contains zero samples", path)}
	}
	return &SegmentationDataset{
		path:         path,
		lines:        lines,
		targetHeight: targetHeight,
		targetWidth:  targetWidth,
	}, nil
}

func (d *SegmentationDataset) Length() int {
	return len(d.lines)
}

func (d *SegmentationDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.lines) {
		return nil, &DataError{Index: index, Cause: fmt.Errorf("index out of range [0, %d)", len(d.lines))}
	}
	var record segmentationRecord
	if err := json.Unmarshal(d.lines[index], &record); err != nil {
		return nil, &DataError{Index: index, Cause: fmt.Errorf("failed to parse JSON line: %w", err)}
	}
	expected := record.Height * record.Width
	if record.Height <= 0 || record.Width <= 0 || len(record.Image) != expected || len(record.Mask) != expected {
		return nil, &DataError{
			Index: index,
			Cause: fmt.Errorf("sample shape %dx%d does not match %d image and %d mask values",
				record.Height, record.Width, len(record.Image), len(record.Mask)),
		}
	}

	image := resizeNearest(record.Image, record.Height, record.Width, d.targetHeight, d.targetWidth)
	mask := resizeNearest(record.Mask, record.Height, record.Width, d.targetHeight, d.targetWidth)

	return &Sample{
		Index: index,
		Features: map[string]*tensor.Dense{
			"image": tensor.New(tensor.WithShape(1, 1, d.targetHeight, d.targetWidth), tensor.WithBacking(image)),
		},
		Label: tensor.New(tensor.WithShape(1, 1, d.targetHeight, d.targetWidth), tensor.WithBacking(mask)),
		Metadata: map[string]string{
			"caseId":  record.CaseID,
			"sliceId": strconv.Itoa(record.SliceID),
		},
	}, nil
}

func (d *SegmentationDataset) Close() error {
	d.lines = nil
	return nil
}

// resizeNearest resizes a row major grid with nearest neighbour sampling.
// Masks stay binary under nearest neighbour, which bilinear would not preserve.
func resizeNearest(data []float32, height, width, targetHeight, targetWidth int) []float32 {
	if height == targetHeight && width == targetWidth {
		out := make([]float32, len(data))
		copy(out, data)
		return out
	}
	out := make([]float32, targetHeight*targetWidth)
	for y := 0; y < targetHeight; y++ {
		srcY := y * height / targetHeight
		for x := 0; x < targetWidth; x++ {
			srcX := x * width / targetWidth
			out[y*targetWidth+x] = data[srcY*width+srcX]
		}
	}
	return out
}
