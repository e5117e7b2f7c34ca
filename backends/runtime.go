package backends

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/squint-ml/squint/options"
)

// CompiledModel is a model bound to an execution device, ready to accept
// named input tensors and produce named output tensors. The handle is read
// only during inference: no weight mutation happens through it.
type CompiledModel interface {
	Run(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error)
	Device() string
	Destroy() error
}

// Compile binds a model to the execution device selected in the options.
// Device errors from the underlying runtime are surfaced verbatim; no
// fallback device is selected here.
func Compile(model *Model, opts *options.Options) (CompiledModel, error) {
	if model == nil {
		return nil, fmt.Errorf("cannot compile a nil model")
	}
	if model.Compressed {
		// int8 storage cannot be patched into a float graph; callers
		// decompress first
		return nil, &InvalidStateError{Operation: "compile", State: model.State()}
	}
	switch opts.Backend {
	case "GO":
		return compileGoModel(model, opts)
	case "ORT":
		return compileORTModel(model, opts)
	default:
		return nil, &DeviceError{Device: opts.Device, Cause: fmt.Errorf("backend %s not recognized", opts.Backend)}
	}
}
