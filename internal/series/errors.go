package series

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldCoercion is matched by every FieldCoercionError.
	ErrFieldCoercion = errors.New("field value is not numeric")

	// ErrUnknownSeries is matched by every UnknownSeriesError.
	ErrUnknownSeries = errors.New("unknown series")
)

// FieldCoercionError reports a stored value that cannot be read as a float.
type FieldCoercionError struct {
	// Source and Line locate the record in its datafile when known.
	Source  string
	Line    int
	Vehicle int
	Message string
	Field   string
	// Record is the position of the offending record in the series.
	Record int
	Value  string
	Err    error
}

func (e *FieldCoercionError) Error() string {
	msg := fmt.Sprintf("vehicle %d %s.%s record %d: cannot convert %q to float", e.Vehicle, e.Message, e.Field, e.Record, e.Value)
	switch {
	case e.Source != "" && e.Line > 0:
		msg = fmt.Sprintf("%s:%d: %s", e.Source, e.Line, msg)
	case e.Source != "":
		msg = e.Source + ": " + msg
	case e.Line > 0:
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FieldCoercionError) Unwrap() error { return e.Err }

func (e *FieldCoercionError) Is(target error) bool { return target == ErrFieldCoercion }

// UnknownSeriesError reports a series that does not exist.
type UnknownSeriesError struct {
	Vehicle int
	Message string
	Field   string
	Reason  string
}

func (e *UnknownSeriesError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("unknown series vehicle %d %s: %s", e.Vehicle, e.Message, e.Reason)
	}
	return fmt.Sprintf("unknown series vehicle %d %s.%s: %s", e.Vehicle, e.Message, e.Field, e.Reason)
}

func (e *UnknownSeriesError) Is(target error) bool { return target == ErrUnknownSeries }
