package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for schema loading.
var (
	// ErrSchemaExtraction is matched by every ExtractionError.
	ErrSchemaExtraction = errors.New("schema extraction failed")

	// ErrSchemaRegistration is matched by every RegistrationError.
	ErrSchemaRegistration = errors.New("schema registration failed")
)

// ExtractionError reports that the schema header could not be parsed, or that
// a message class could not be serialized. It aborts the schema load.
type ExtractionError struct {
	Source string
	Class  string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "schema extraction"
	if e.Source != "" {
		msg += " from " + e.Source
	}
	if e.Class != "" {
		msg += " (class " + e.Class + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrSchemaExtraction }

// RegistrationError reports a message declaration that cannot be registered,
// for example one without a NAME attribute. No message of the fragment is
// registered when it occurs.
type RegistrationError struct {
	Source   string
	Position int
	Reason   string
	Err      error
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("schema registration: message #%d", e.Position)
	if e.Source != "" {
		msg = fmt.Sprintf("schema registration in %s: message #%d", e.Source, e.Position)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func (e *RegistrationError) Is(target error) bool { return target == ErrSchemaRegistration }
