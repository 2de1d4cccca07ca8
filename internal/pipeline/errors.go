package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrTranscription   = errors.New("transcription failed")
	ErrModelInvocation = errors.New("model invocation failed")
	ErrDelivery        = errors.New("delivery failed")
	ErrEmptyMessage    = errors.New("empty message")
)

// StageError reports the stage at which a pipeline invocation stopped.
// Kind is one of the sentinel errors above.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{e.Kind, e.Err} }

func stageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
