//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
	Options   []tokenizers.EncodeOption
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	options := []tokenizers.EncodeOption{
		tokenizers.WithReturnTokens(),
		tokenizers.WithReturnTypeIDs(),
		tokenizers.WithReturnAttentionMask(),
	}
	return &Tokenizer{
		Runtime:       "RUST",
		RustTokenizer: &RustTokenizer{Tokenizer: tk, Options: options},
		Destroy: func() error {
			return tk.Close()
		},
	}, nil
}

func encodeRust(tk *Tokenizer, input string) (Encoding, error) {
	rustTK := tk.RustTokenizer
	output := rustTK.Tokenizer.EncodeWithOptions(input, true, rustTK.Options...)
	return Encoding{
		IDs:           output.IDs,
		TypeIDs:       output.TypeIDs,
		AttentionMask: output.AttentionMask,
	}, nil
}
