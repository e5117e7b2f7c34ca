package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, backend string, opts ...WithOption) (*Options, error) {
	t.Helper()
	parsed := Defaults()
	parsed.Backend = backend
	for _, opt := range opts {
		if err := opt(parsed); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

func TestDefaults(t *testing.T) {
	opts := Defaults()
	assert.Equal(t, "CPU", opts.Device)
	assert.False(t, opts.Verbose)
	assert.False(t, opts.TolerateDataErrors)
	require.NotNil(t, opts.ORTOptions)
	assert.NotNil(t, opts.ORTOptions.LibraryPath)
	assert.NoError(t, opts.Destroy())
}

func TestWithDevice(t *testing.T) {
	opts, err := apply(t, "GO", WithDevice("GPU"))
	require.NoError(t, err)
	assert.Equal(t, "GPU", opts.Device)

	_, err = apply(t, "GO", WithDevice(""))
	assert.Error(t, err)
}

func TestWithVerboseAndTolerateDataErrors(t *testing.T) {
	opts, err := apply(t, "GO", WithVerbose(), WithTolerateDataErrors())
	require.NoError(t, err)
	assert.True(t, opts.Verbose)
	assert.True(t, opts.TolerateDataErrors)
}

func TestORTOnlyOptionsRejectedOnGoBackend(t *testing.T) {
	ortOnly := []WithOption{
		WithOnnxLibraryPath("/usr/lib"),
		WithIntraOpNumThreads(4),
		WithInterOpNumThreads(2),
		WithCPUMemArena(true),
		WithMemPattern(true),
	}
	for _, opt := range ortOnly {
		_, err := apply(t, "GO", opt)
		assert.Error(t, err)
	}
}

func TestORTThreadOptions(t *testing.T) {
	opts, err := apply(t, "ORT", WithIntraOpNumThreads(4), WithInterOpNumThreads(2), WithCPUMemArena(true), WithMemPattern(false))
	require.NoError(t, err)
	require.NotNil(t, opts.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 4, *opts.ORTOptions.IntraOpNumThreads)
	require.NotNil(t, opts.ORTOptions.InterOpNumThreads)
	assert.Equal(t, 2, *opts.ORTOptions.InterOpNumThreads)
	require.NotNil(t, opts.ORTOptions.CPUMemArena)
	assert.True(t, *opts.ORTOptions.CPUMemArena)
	require.NotNil(t, opts.ORTOptions.MemPattern)
	assert.False(t, *opts.ORTOptions.MemPattern)
}
