//go:build !ORT && !ALL

package squint

import (
	"errors"

	"github.com/squint-ml/squint/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("the ORT backend is not enabled in this build, build with `-tags ORT` or `-tags ALL`")
}
