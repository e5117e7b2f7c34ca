//go:build ORT || ALL

package squint

import (
	"errors"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/squint-ml/squint/options"
)

// NewORTSession creates a session backed by ONNX Runtime. Only one ORT
// session can be active in a process at one time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}
	session.environmentDestroy = func() error {
		if ort.IsInitialized() {
			return ort.DestroyEnvironment()
		}
		return nil
	}
	return session, nil
}
