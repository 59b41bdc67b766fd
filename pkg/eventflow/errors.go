package eventflow

import (
	"fmt"
	"time"
)

// PipelineError represents an error during pipeline processing.
type PipelineError struct {
	EventType string    // Type of the event involved
	Stage     string    // Pipeline stage that failed
	Message   string    // Error message
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.EventType, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.EventType, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}
