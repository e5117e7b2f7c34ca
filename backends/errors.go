package backends

import "fmt"

// InvalidStateError indicates an operation attempted on a model in the wrong
// pipeline state, e.g. quantizing an already quantized model. Programmer
// error: fatal, never retried.
type InvalidStateError struct {
	Operation string
	State     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: model is %s", e.Operation, e.State)
}

// DeviceError indicates the target execution device is unavailable. Errors
// from the underlying runtime are carried verbatim in Cause; no fallback
// device selection happens here.
type DeviceError struct {
	Device string
	Cause  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s unavailable: %v", e.Device, e.Cause)
}

func (e *DeviceError) Unwrap() error {
	return e.Cause
}
