package ingest

import (
	"errors"
	"fmt"
)

// ErrMalformedLine is matched by every MalformedLineError.
var ErrMalformedLine = errors.New("malformed data line")

// Columns a MalformedLineError can point at.
const (
	ColumnTimestamp = "timestamp"
	ColumnVehicle   = "vehicle_id"
	ColumnLayout    = "columns"
	ColumnArity     = "arity"
)

// MalformedLineError describes one data line that was skipped.
// It never aborts a parse; parsers collect it in the Report.
type MalformedLineError struct {
	Source string
	Line   int
	Column string
	Text   string
	Err    error
}

func (e *MalformedLineError) Error() string {
	loc := fmt.Sprintf("line %d", e.Line)
	if e.Source != "" {
		loc = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	msg := fmt.Sprintf("%s: malformed %s", loc, e.Column)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedLineError) Unwrap() error { return e.Err }

func (e *MalformedLineError) Is(target error) bool { return target == ErrMalformedLine }
