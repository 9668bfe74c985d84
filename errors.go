package ccsweep

// errors.go holds the error kinds a sweep reports

import (
	"fmt"
)

// ConfigurationError is raised before any topology is built: an unknown
// congestion-control variant or an experiment configuration that does not validate.
type ConfigurationError struct {
	// Field is the configuration field at fault, e.g. "variant"
	Field string

	// Value is the offending value as given
	Value string

	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "variant" {
		if e.Err != nil {
			return fmt.Sprintf("congestion-control variant %q: %v", e.Value, e.Err)
		}
		return fmt.Sprintf("unknown congestion-control variant %q", e.Value)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration field %s %q", e.Field, e.Value)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// RunEngineError reports a failure of the run engine during one iteration.
// It ends the sweep; the iteration is not retried.
type RunEngineError struct {
	Iteration  int
	PacketSize int
	Variant    string

	// Op is the stage that failed: "build", "install", "run"
	Op string

	Err error
}

func (e *RunEngineError) Error() string {
	return fmt.Sprintf("run engine %s failed at iteration %d (packet size %d, variant %s): %v",
		e.Op, e.Iteration, e.PacketSize, e.Variant, e.Err)
}

func (e *RunEngineError) Unwrap() error {
	return e.Err
}

// OutputWriteError reports a series that could not be written
type OutputWriteError struct {
	Series string
	Path   string
	Err    error
}

func (e *OutputWriteError) Error() string {
	return fmt.Sprintf("writing series %s to %s: %v", e.Series, e.Path, e.Err)
}

func (e *OutputWriteError) Unwrap() error {
	return e.Err
}
