package chat

import (
	"errors"
	"fmt"
)

var (
	ErrRunInProgress   = errors.New("a run is already in progress")
	ErrRetrieval       = errors.New("retrieval failed")
	ErrGeneration      = errors.New("generation failed")
	ErrTimeout         = errors.New("run timed out")
	ErrDriverClosed    = errors.New("driver is closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSnapshot = errors.New("invalid stage snapshot")
	ErrInvalidSettings = errors.New("invalid settings")
)

type ErrorKind string

const (
	KindRetrieval     ErrorKind = "retrieval"
	KindGeneration    ErrorKind = "generation"
	KindTimeout       ErrorKind = "timeout"
	KindConcurrentRun ErrorKind = "concurrent_run"
)

// PipelineError reports why a run was rejected or aborted.
type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s error in stage %s: %v", e.Kind, e.Stage, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a PipelineError against the sentinel of its kind.
func (e *PipelineError) Is(target error) bool {
	switch e.Kind {
	case KindRetrieval:
		return target == ErrRetrieval
	case KindGeneration:
		return target == ErrGeneration
	case KindTimeout:
		return target == ErrTimeout
	case KindConcurrentRun:
		return target == ErrRunInProgress
	}
	return false
}
