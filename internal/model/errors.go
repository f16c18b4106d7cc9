package model

import (
	"errors"
	"fmt"
)

var (
	ErrBusy      = errors.New("execution already running")
	ErrNoRun     = errors.New("no execution running")
	ErrNotFound  = errors.New("execution not found")
	ErrImmutable = errors.New("execution already finalized")
	ErrTimeout   = errors.New("execution timed out")
)

// ConfigError rejects a settings update. The settings stay unchanged.
type ConfigError struct {
	Field string `json:"field,omitempty"`
	Rule  string `json:"rule,omitempty"`
	Value string `json:"value,omitempty"`
	Msg   string `json:"message"`
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Msg
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Msg)
}

// FatalError means a run could not be prepared (settings or unit list unavailable).
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// FetchError is the last error of a unit that exhausted its attempts.
type FetchError struct {
	UnitID   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("unit %s failed after %d attempt(s): %v", e.UnitID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
