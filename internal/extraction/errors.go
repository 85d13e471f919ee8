// Package extraction turns raw posting content into a typed list of
// application questions using an LLM structured-extraction capability.
package extraction

import "fmt"

// Error represents a failure to obtain a usable question list. RawOutput
// preserves whatever the capability returned so it can be recorded on the
// run for debugging. Extraction errors are permanent: the capability
// answered, it just answered badly, and retrying the same input buys
// nothing.
type Error struct {
	Message   string
	RawOutput string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("extraction error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transient reports whether the error should be retried.
func (e *Error) Transient() bool {
	return false
}
