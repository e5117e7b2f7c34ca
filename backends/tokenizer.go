package backends

import "fmt"

// Encoding is the tokenizer output for a single input string.
type Encoding struct {
	IDs           []uint32
	TypeIDs       []uint32
	AttentionMask []uint32
}

// Tokenizer wraps either the native Go tokenizer or the rust tokenizer,
// selected by backend: the rust bindings are only linked into ORT builds.
type Tokenizer struct {
	RustTokenizer *RustTokenizer
	GoTokenizer   *GoTokenizer
	Runtime       string
	Destroy       func() error
}

func LoadTokenizer(tokenizerBytes []byte, backend string) (*Tokenizer, error) {
	switch backend {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes)
	case "GO":
		return loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", backend)
	}
}

func (t *Tokenizer) Encode(input string) (Encoding, error) {
	switch t.Runtime {
	case "RUST":
		return encodeRust(t, input)
	case "GO":
		return encodeGo(t, input)
	}
	return Encoding{}, fmt.Errorf("runtime %s not recognized", t.Runtime)
}
