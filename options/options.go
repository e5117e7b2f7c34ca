package options

import (
	"fmt"
	"runtime"

	"github.com/squint-ml/squint/util/fileutil"
)

// Options holds the session wide settings. They are collected once through
// the functional options and then passed by reference into every component
// that compiles or runs a model.
type Options struct {
	ORTOptions         *ORTOptions
	Destroy            func() error
	Backend            string
	Device             string
	Verbose            bool
	TolerateDataErrors bool
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &ORTOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Device: "CPU",
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type ORTOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDevice sets the target execution device identifier passed to the
// backend when compiling a model, e.g. "CPU" or "GPU".
func WithDevice(device string) WithOption {
	return func(o *Options) error {
		if device == "" {
			return fmt.Errorf("device identifier cannot be empty")
		}
		o.Device = device
		return nil
	}
}

// WithVerbose enables progress notes on sessions, datasets and pipelines.
func WithVerbose() WithOption {
	return func(o *Options) error {
		o.Verbose = true
		return nil
	}
}

// WithTolerateDataErrors allows evaluation runs to log and skip individual
// malformed samples instead of aborting. Off by default: a skipped sample
// silently skews accuracy comparisons.
func WithTolerateDataErrors() WithOption {
	return func(o *Options) error {
		o.TolerateDataErrors = true
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) sets the directory holding the
// "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryDir string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		exists, err := fileutil.FileExists(ortLibraryDir)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryDir, err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library path %q does not exist", ortLibraryDir)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryDir, libraryName)
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryDir
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution within graph nodes.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used to
// parallelize execution across separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) enables or disables the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) enables or disables the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}
