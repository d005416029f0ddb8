package models

import (
	"errors"
	"strconv"
	"strings"
)

// TimestampField is the synthetic first field of every message type.
// It is kept distinct from any "timestamp" field a message may declare itself.
const TimestampField = "TIMESTAMP"

// reservedField is dropped from declared field lists.
const reservedField = "class"

// MessageType is the structural schema of one telemetry message:
// its name and the ordered list of field names its records follow.
// A MessageType is immutable once created.
type MessageType struct {
	name   string
	fields []string
	index  map[string]int
}

// NewMessageType builds a message type from the fields declared in the schema.
// TIMESTAMP is prepended, fields named "class" are dropped and repeated names
// keep their first position.
func NewMessageType(name string, declared []string) *MessageType {
	fields := make([]string, 0, len(declared)+1)
	index := make(map[string]int, len(declared)+1)

	fields = append(fields, TimestampField)
	index[TimestampField] = 0

	for _, f := range declared {
		if f == reservedField {
			continue
		}
		if _, dup := index[f]; dup {
			continue
		}
		index[f] = len(fields)
		fields = append(fields, f)
	}

	return &MessageType{name: name, fields: fields, index: index}
}

// Name returns the message name.
func (t *MessageType) Name() string { return t.name }

// Fields returns a copy of the ordered field list, TIMESTAMP first.
func (t *MessageType) Fields() []string {
	out := make([]string, len(t.fields))
	copy(out, t.fields)
	return out
}

// NumFields returns the number of fields including TIMESTAMP.
func (t *MessageType) NumFields() int { return len(t.fields) }

// FieldIndex returns the position of a field in the record layout.
func (t *MessageType) FieldIndex(field string) (int, bool) {
	i, ok := t.index[field]
	return i, ok
}

// Equal reports whether two message types share name and field layout.
func (t *MessageType) Equal(o *MessageType) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.name != o.name || len(t.fields) != len(o.fields) {
		return false
	}
	for i := range t.fields {
		if t.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Record is one parsed instance of a message.
// The timestamp is kept as float64; every other value is the raw token read
// from the data stream. Numeric coercion happens only at series extraction.
type Record struct {
	typ       *MessageType
	line      int
	timestamp float64
	values    []string
}

// NewRecord creates a record bound to the message type it was parsed against.
// The values are copied; their count is not checked against the type.
func NewRecord(typ *MessageType, timestamp float64, values []string) *Record {
	return NewRecordAt(typ, 0, timestamp, values)
}

// NewRecordAt is NewRecord for a record read from a known datafile line.
func NewRecordAt(typ *MessageType, line int, timestamp float64, values []string) *Record {
	v := make([]string, len(values))
	copy(v, values)
	return &Record{typ: typ, line: line, timestamp: timestamp, values: v}
}

// Type returns the message type the record was built against.
func (r *Record) Type() *MessageType { return r.typ }

// Line returns the 1-based datafile line of the record, or 0 when unknown.
func (r *Record) Line() int { return r.line }

// Timestamp returns the event time in seconds.
func (r *Record) Timestamp() float64 { return r.timestamp }

// Len returns the number of stored values, timestamp included.
func (r *Record) Len() int { return len(r.values) + 1 }

// Value returns the value at position i in string form.
// Position 0 is the timestamp, formatted so that parsing it back is lossless.
func (r *Record) Value(i int) (string, bool) {
	if i == 0 {
		return FormatTimestamp(r.timestamp), true
	}
	if i < 0 || i > len(r.values) {
		return "", false
	}
	return r.values[i-1], true
}

// Field returns a value by name using the record's own message type.
func (r *Record) Field(name string) (string, bool) {
	if r.typ == nil {
		return "", false
	}
	i, ok := r.typ.FieldIndex(name)
	if !ok {
		return "", false
	}
	return r.Value(i)
}

// RawValues returns a copy of the stored tokens after the timestamp.
func (r *Record) RawValues() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// String renders the record as NAME(TIMESTAMP=..., field=value, ...).
// Values beyond the declared fields are rendered positionally as _N=value.
func (r *Record) String() string {
	var b strings.Builder
	name := ""
	var fields []string
	if r.typ != nil {
		name = r.typ.name
		fields = r.typ.fields
	}
	b.WriteString(name)
	b.WriteByte('(')
	b.WriteString(TimestampField)
	b.WriteByte('=')
	b.WriteString(FormatTimestamp(r.timestamp))
	for i, v := range r.values {
		b.WriteString(", ")
		if i+1 < len(fields) {
			b.WriteString(fields[i+1])
		} else {
			b.WriteByte('_')
			b.WriteString(strconv.Itoa(i + 1))
		}
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte(')')
	return b.String()
}

// FormatTimestamp formats a timestamp with the shortest representation that
// parses back to the same float64.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'g', -1, 64)
}

// ParseFloat reads a decimal floating-point token. Hexadecimal mantissas are
// rejected, and magnitudes beyond the float64 range saturate to ±Inf instead
// of failing.
func ParseFloat(s string) (float64, error) {
	digits := strings.TrimLeft(s, "+-")
	if len(digits) > 1 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		return 0, &strconv.NumError{Func: "ParseFloat", Num: s, Err: strconv.ErrSyntax}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && errors.Is(err, strconv.ErrRange) {
		return v, nil
	}
	return v, err
}
