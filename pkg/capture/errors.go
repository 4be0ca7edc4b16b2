package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureInit indicates the browser engine could not be launched or
	// the screencast could not be started.
	ErrCaptureInit = errors.New("capture init failed")

	// ErrElementNotFound indicates an input-injection target never appeared.
	ErrElementNotFound = errors.New("element not found")

	// ErrTimeout indicates an engine operation exceeded its deadline.
	ErrTimeout = errors.New("operation timeout")

	// ErrNotCapturing indicates a frame-level call before StartCapture.
	ErrNotCapturing = errors.New("capture not started")

	// ErrEngineClosed indicates the engine has been shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// EngineError wraps errors from the browser engine with a stable code for
// classification by callers.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("engine error [%s]: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// WrapEngineError attaches a code and context to an engine-level error.
func WrapEngineError(code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}
