package service

import (
	"errors"
	"fmt"
)

var (
	ErrLaunch         = errors.New("launch failed")
	ErrProcessFailure = errors.New("process failed")
)

// LaunchError is returned when the process could not be spawned at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// ProcessError is returned when the process exited with a non-zero code.
// Stderr is what the process wrote to its standard error.
type ProcessError struct {
	Path     string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Path, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Path, e.ExitCode, e.Stderr)
}

func (e *ProcessError) Is(target error) bool { return target == ErrProcessFailure }
