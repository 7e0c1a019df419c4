package capture

import (
	"errors"
	"fmt"
)

// Recorder error codes. Which of them are retried is configured by capture.transient_codes.
const (
	CodeInterrupted         = "interrupted"
	CodeDisplayReconfigured = "display_reconfigured"
	CodeStreamStalled       = "stream_stalled"
	CodeTimeout             = "timeout"
	CodePermissionDenied    = "permission_denied"
	CodeRecorderUnavailable = "recorder_unavailable"
	CodeUnknown             = "unknown"
)

// CaptureError is a failure reported by the recorder
type CaptureError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *CaptureError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("capture error: %s", e.Code)
	}
	return fmt.Sprintf("capture error %s: %s", e.Code, e.Message)
}

// NewCaptureError creates an error with the given code; transience is decided by the engine
func NewCaptureError(code, format string, args ...interface{}) *CaptureError {
	return &CaptureError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// classify converts any error into a CaptureError and marks it transient when its code
// is in the configured set
func classify(err error, transientCodes map[string]bool) *CaptureError {
	var ce *CaptureError
	if !errors.As(err, &ce) {
		ce = &CaptureError{Code: CodeUnknown, Message: err.Error()}
	}
	out := *ce
	out.Transient = transientCodes[out.Code]
	return &out
}
