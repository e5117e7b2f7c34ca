package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/squint-ml/squint/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{
		Runtime:     "GO",
		GoTokenizer: &GoTokenizer{Tokenizer: tk},
		Destroy: func() error {
			return nil
		},
	}, nil
}

func encodeGo(tk *Tokenizer, input string) (Encoding, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(input, true)
	if err != nil {
		return Encoding{}, err
	}
	return Encoding{
		IDs:           intSliceToUint32Slice(output.Ids),
		TypeIDs:       intSliceToUint32Slice(output.TypeIds),
		AttentionMask: intSliceToUint32Slice(output.AttentionMask),
	}, nil
}

func intSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = safeconv.IntToUint32(v)
	}
	return out
}
