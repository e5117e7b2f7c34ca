package datasets

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/util/fileutil"
)

// TextPairExample is a single jsonl line of the text pair dataset.
type TextPairExample struct {
	Sentence1 string  `json:"sentence1"`
	Sentence2 string  `json:"sentence2"`
	Label     float32 `json:"label"`
}

// TextPairDataset tokenizes sentence pairs to the fixed length named tensors
// a transformer classifier expects: input_ids, attention_mask and
// token_type_ids. The two sentences are joined with the separator token, as
// cross encoder style models expect.
type TextPairDataset struct {
	tokenizer      *backends.Tokenizer
	examples       []TextPairExample
	separatorToken string
	sequenceLength int
}

// NewTextPairDataset reads a .jsonl file of sentence pairs and loads the
// tokenizer.json found at tokenizerPath for the given backend ("GO" or
// "ORT"). sequenceLength is the fixed model input length: encodings are
// truncated or zero padded to it.
func NewTextPairDataset(path, tokenizerPath, backend string, sequenceLength int) (*TextPairDataset, error) {
	if sequenceLength <= 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("invalid sequence length %d", sequenceLength)}
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(tokenizerPath, "tokenizer.json"))
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot read tokenizer at %s: %v", tokenizerPath, err)}
	}
	tk, err := backends.LoadTokenizer(tokenizerBytes, backend)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot load tokenizer: %v", err)}
	}

	source, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot open dataset %s: %v", path, err)}
	}
	defer func() {
		_ = source.Close()
	}()

	var examples []TextPairExample
	reader := bufio.NewReader(source)
	for {
		line, readErr := fileutil.ReadLine(reader)
		if len(line) > 0 {
			var example TextPairExample
			if err := json.Unmarshal(line, &example); err != nil {
				return nil, &ConfigurationError{Message: fmt.Sprintf("failed to parse JSON line %d: %v", len(examples), err)}
			}
			examples = append(examples, example)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, &ConfigurationError{Message: fmt.Sprintf("cannot read dataset %s: %v", path, readErr)}
		}
	}
	if len(examples) == 0 {
		return nil, &ConfigurationError{Message: fmt.Sprintf("dataset %s contains zero samples", path)}
	}
	return &TextPairDataset{
		tokenizer:      tk,
		examples:       examples,
		separatorToken: "[SEP]",
		sequenceLength: sequenceLength,
	}, nil
}

func (d *TextPairDataset) Length() int {
	return len(d.examples)
}

func (d *TextPairDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.examples) {
		return nil, &DataError{Index: index, Cause: fmt.Errorf("index out of range [0, %d)", len(d.examples))}
	}
	example := d.examples[index]

	joined := example.Sentence1 + " " + d.separatorToken + " " + example.Sentence2
	encoding, err := d.tokenizer.Encode(joined)
	if err != nil {
		return nil, &DataError{Index: index, Cause: fmt.Errorf("tokenization failed: %w", err)}
	}

	inputIDs := make([]float32, d.sequenceLength)
	attentionMask := make([]float32, d.sequenceLength)
	typeIDs := make([]float32, d.sequenceLength)
	for i := 0; i < d.sequenceLength && i < len(encoding.IDs); i++ {
		inputIDs[i] = float32(encoding.IDs[i])
		if i < len(encoding.AttentionMask) {
			attentionMask[i] = float32(encoding.AttentionMask[i])
		}
		if i < len(encoding.TypeIDs) {
			typeIDs[i] = float32(encoding.TypeIDs[i])
		}
	}

	return &Sample{
		Index: index,
		Features: map[string]*tensor.Dense{
			"input_ids":      tensor.New(tensor.WithShape(1, d.sequenceLength), tensor.WithBacking(inputIDs)),
			"attention_mask": tensor.New(tensor.WithShape(1, d.sequenceLength), tensor.WithBacking(attentionMask)),
			"token_type_ids": tensor.New(tensor.WithShape(1, d.sequenceLength), tensor.WithBacking(typeIDs)),
		},
		Label: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{example.Label})),
		Metadata: map[string]string{
			"pair": strconv.Itoa(index),
		},
	}, nil
}

func (d *TextPairDataset) Close() error {
	destroy := func() error { return nil }
	if d.tokenizer != nil {
		destroy = d.tokenizer.Destroy
		d.tokenizer = nil
	}
	d.examples = nil
	return destroy()
}
