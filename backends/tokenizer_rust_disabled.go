//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte) (*Tokenizer, error) {
	return nil, errors.New("rust tokenizer is not enabled")
}

func encodeRust(_ *Tokenizer, _ string) (Encoding, error) {
	return Encoding{}, errors.New("rust tokenizer is not enabled")
}
