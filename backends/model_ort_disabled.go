//go:build !ORT && !ALL

package backends

import (
	"errors"

	"github.com/squint-ml/squint/options"
)

func compileORTModel(_ *Model, opts *options.Options) (CompiledModel, error) {
	return nil, &DeviceError{Device: opts.Device, Cause: errors.New("the ORT backend is not enabled in this build")}
}
