package squint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/squint-ml/squint/backends"
	"github.com/squint-ml/squint/options"
	"github.com/squint-ml/squint/quantization"
	"github.com/squint-ml/squint/util/fileutil"
)

// Session is the explicit per-process context object: it holds the parsed
// options, the models loaded through it and the compiled handles bound to
// devices, so that everything can be torn down with a single Destroy().
// There is no global mutable state.
type Session struct {
	models             map[string]*backends.Model
	compiled           map[*backends.Model]backends.CompiledModel
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	// Collect options into a struct, so they can be applied in the correct order later
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		models:   map[string]*backends.Model{},
		compiled: map[*backends.Model]backends.CompiledModel{},
		options:  parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

// Options exposes the parsed session options.
func (s *Session) Options() *options.Options {
	return s.options
}

// LoadModel loads a model artifact and registers it with the session. A
// ".json" path is read as a structure file with its sibling ".weights"
// payload; any other path is taken to be an .onnx graph, loaded with its
// float32 initializers lifted into the weight map.
func (s *Session) LoadModel(path string) (*backends.Model, error) {
	if model, ok := s.models[path]; ok {
		return model, nil
	}

	var model *backends.Model
	var err error
	if strings.HasSuffix(path, ".json") {
		model, err = backends.LoadModel(path)
	} else {
		exists, existsErr := fileutil.FileExists(path)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, fmt.Errorf("model path %s does not exist", path)
		}
		model, err = backends.LoadOnnxModel(path)
	}
	if err != nil {
		return nil, err
	}
	s.models[path] = model
	return model, nil
}

// Compile binds a loaded model to the session's backend and device. The
// compiled handle is owned by the session and destroyed with it. Bindings are
// cached per model handle: compiling the same handle twice returns the same
// binding, while distinct handles compile independently even when they share
// a name.
func (s *Session) Compile(model *backends.Model) (backends.CompiledModel, error) {
	if compiled, ok := s.compiled[model]; ok {
		return compiled, nil
	}
	compiled, err := backends.Compile(model, s.options)
	if err != nil {
		return nil, err
	}
	s.compiled[model] = compiled
	return compiled, nil
}

// SaveModel serializes a model under dir in the structure + weights layout
// and returns the structure file path.
func (s *Session) SaveModel(model *backends.Model, dir string) (string, error) {
	return backends.SaveModel(model, dir)
}

// NewPipeline returns a quantization pipeline bound to the session options.
func (s *Session) NewPipeline() *quantization.Pipeline {
	return quantization.NewPipeline(s.options)
}

// Destroy deletes the session, all compiled handles and all loaded models,
// freeing memory. A session should be destroyed when not needed any more,
// preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, compiled := range s.compiled {
		err = errors.Join(err, compiled.Destroy())
	}
	s.compiled = nil
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
