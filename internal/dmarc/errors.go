package dmarc

import (
	"fmt"
)

// DecodeError reports an unreadable, unsupported, empty or oversize container.
type DecodeError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Filename, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError reports malformed or incomplete DMARC XML. Field names the
// offending element path when one is known.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = e.Field + ": " + e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid report: %s: %v", msg, e.Err)
	}
	return "invalid report: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "required field is missing"}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
