package squint

import (
	"github.com/squint-ml/squint/options"
)

// NewGoSession creates a session backed by the pure Go onnx runtime. It is
// available in every build and needs no shared libraries.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
