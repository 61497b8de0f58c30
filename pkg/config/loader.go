package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/transform"
)

// Load builds settings from the defaults, the optional file at path and
// the process environment, then validates them.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		if err := LoadFile(s, path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(s, os.Environ()); err != nil {
		return nil, err
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile decodes the settings file at path over s. YAML and JSON files
// are decoded directly; CUE files and directories are first checked
// against the settings schema.
func LoadFile(s *Settings, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access config %s: %w", path, err)
	}

	var data []byte
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir() || ext == ".cue":
		if data, err = NewCUEParser().Parse(path); err != nil {
			return err
		}
	case ext == ".yaml" || ext == ".yml" || ext == ".json":
		if data, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	if err := decode(s, data); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

// decode strictly decodes YAML or JSON over s.
func decode(s *Settings, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints, capability names and shapes.
func Validate(s *Settings) error {
	var errs []ValidationError

	if err := validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
	}

	if err := s.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	known := make(map[string]bool, len(capability.Known))
	for _, name := range capability.Known {
		known[name] = true
	}
	for name, c := range s.Capabilities {
		path := "capabilities." + name
		if !known[name] {
			errs = append(errs, ValidationError{Path: path, Message: "unknown capability"})
			continue
		}
		errs = append(errs, checkShapes(path, c)...)
	}

	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

// checkShapes compiles the shapes of one capability so that mistakes
// surface at load time.
func checkShapes(path string, c CapabilityConfig) []ValidationError {
	var errs []ValidationError
	check := func(field string, shape *transform.Shape, opts ...transform.CompileOption) {
		if shape == nil {
			return
		}
		if _, err := transform.Compile(*shape, opts...); err != nil {
			errs = append(errs, ValidationError{Path: path + "." + field, Message: err.Error()})
		}
	}
	check("request", c.Request)
	check("response", c.Response, transform.WithRoots(transform.ResponseRoots...))
	check("error", c.Error, transform.WithRoots(transform.ResponseRoots...))
	return errs
}
