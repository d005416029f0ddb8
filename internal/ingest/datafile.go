// Package ingest reads Paparazzi .data files into the record store.
//
// Data file format, one record per line, whitespace separated:
//
//	<timestamp> <vehicle_id> <message_name> <value>...
//	26.560 2 INS 1.0 2.0 3.0
//
// Lines that cannot be read are skipped and reported; they never abort a parse.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/rs/zerolog"
)

// DefaultMaxWarnings caps the individual warnings kept in a Report.
const DefaultMaxWarnings = 100

// minColumns is timestamp, vehicle id and message name.
const minColumns = 3

// ArityPolicy decides what happens when a line's value count differs from
// the field count of its message type.
type ArityPolicy string

const (
	// ArityLenient stores the record as read.
	ArityLenient ArityPolicy = "lenient"
	// ArityStrict skips the line as malformed.
	ArityStrict ArityPolicy = "strict"
)

// ParseArityPolicy validates a policy name. An empty name means lenient.
func ParseArityPolicy(s string) (ArityPolicy, error) {
	switch ArityPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ArityLenient:
		return ArityLenient, nil
	case ArityStrict:
		return ArityStrict, nil
	}
	return "", fmt.Errorf("unknown arity policy %q (use lenient or strict)", s)
}

// Registry resolves message names to their types.
type Registry interface {
	Lookup(name string) (*models.MessageType, bool)
}

// Sink receives parsed records.
type Sink interface {
	Append(vehicleID int, rec *models.Record) error
}

// Options configures a Parser.
type Options struct {
	// Source names the input in errors and logs.
	Source string
	Arity  ArityPolicy
	// MaxWarnings caps the warnings kept in the Report. Zero means DefaultMaxWarnings.
	MaxWarnings int
	// Trace, when set, receives one rendered line per stored record.
	Trace io.Writer
}

// Report summarizes one parse.
type Report struct {
	Source    string         `json:"source"`
	Lines     int            `json:"lines"`
	Blank     int            `json:"blank"`
	Records   int            `json:"records"`
	Unknown   int            `json:"unknown"`
	Malformed int            `json:"malformed"`
	Messages  map[string]int `json:"messages"`
	// UnknownMessages counts lines skipped per unregistered message name.
	UnknownMessages map[string]int `json:"unknown_messages,omitempty"`
	// Errors keeps the first MaxWarnings malformed lines.
	Errors   []*MalformedLineError `json:"-"`
	Warnings []string              `json:"warnings,omitempty"`
}

// Skipped returns the number of non-blank lines that produced no record.
func (r *Report) Skipped() int { return r.Unknown + r.Malformed }

// Parser turns data lines into records.
type Parser struct {
	registry Registry
	sink     Sink
	opts     Options
	logger   zerolog.Logger
}

// NewParser creates a parser resolving names against registry and storing into sink.
func NewParser(registry Registry, sink Sink, opts Options, logger zerolog.Logger) *Parser {
	if opts.Arity == "" {
		opts.Arity = ArityLenient
	}
	if opts.MaxWarnings <= 0 {
		opts.MaxWarnings = DefaultMaxWarnings
	}
	return &Parser{
		registry: registry,
		sink:     sink,
		opts:     opts,
		logger:   logger.With().Str("component", "datafile-parser").Logger(),
	}
}

// Parse reads r to the end. Malformed lines and lines naming unknown messages
// are counted and skipped. The returned error is non-nil only when reading r
// or storing a record fails; the report is still valid in that case.
func (p *Parser) Parse(r io.Reader) (*Report, error) {
	report := &Report{
		Source:          p.opts.Source,
		Messages:        make(map[string]int),
		UnknownMessages: make(map[string]int),
	}

	trace := p.opts.Trace
	br := bufio.NewReaderSize(r, 64*1024)
	warned := 0

	for {
		line, readErr := br.ReadString('\n')
		if line == "" && readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return report, fmt.Errorf("read %s: %w", p.opts.Source, readErr)
		}
		report.Lines++

		rec, vehicleID, err := p.ParseLine(report.Lines, line)
		switch {
		case err != nil:
			var mle *MalformedLineError
			if !errors.As(err, &mle) {
				return report, err
			}
			report.Malformed++
			warned++
			if len(report.Errors) < p.opts.MaxWarnings {
				report.Errors = append(report.Errors, mle)
				report.Warnings = append(report.Warnings, mle.Error())
			}
		case rec == nil:
			if isBlank(line) {
				report.Blank++
			} else {
				report.Unknown++
				report.UnknownMessages[messageName(line)]++
			}
		default:
			if err := p.sink.Append(vehicleID, rec); err != nil {
				return report, fmt.Errorf("store record at %s:%d: %w", p.opts.Source, report.Lines, err)
			}
			report.Records++
			report.Messages[rec.Type().Name()]++
			if trace != nil {
				if _, err := fmt.Fprintln(trace, rec.String()); err != nil {
					p.logger.Warn().Err(err).Msg("Disabling record trace after write failure")
					trace = nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return report, fmt.Errorf("read %s: %w", p.opts.Source, readErr)
		}
	}

	if warned > p.opts.MaxWarnings {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("... and %d more warnings suppressed", warned-p.opts.MaxWarnings))
	}

	p.logger.Info().
		Str("source", p.opts.Source).
		Int("lines", report.Lines).
		Int("records", report.Records).
		Int("unknown", report.Unknown).
		Int("malformed", report.Malformed).
		Msg("Parsed data file")

	return report, nil
}

// ParseLine parses a single line. It returns a nil record with a nil error
// for blank lines and for lines naming a message the registry does not know.
func (p *Parser) ParseLine(lineNo int, line string) (*models.Record, int, error) {
	cols := strings.Fields(line)
	if len(cols) == 0 {
		return nil, 0, nil
	}
	if len(cols) < minColumns {
		return nil, 0, p.malformed(lineNo, ColumnLayout, line,
			fmt.Errorf("expected at least %d columns, got %d", minColumns, len(cols)))
	}

	ts, err := models.ParseFloat(cols[0])
	if err != nil {
		return nil, 0, p.malformed(lineNo, ColumnTimestamp, line, err)
	}
	vehicleID, err := strconv.Atoi(cols[1])
	if err != nil {
		return nil, 0, p.malformed(lineNo, ColumnVehicle, line, err)
	}

	mt, ok := p.registry.Lookup(cols[2])
	if !ok {
		return nil, 0, nil
	}

	values := cols[minColumns:]
	if p.opts.Arity == ArityStrict && len(values) != mt.NumFields()-1 {
		return nil, 0, p.malformed(lineNo, ColumnArity, line,
			fmt.Errorf("%s declares %d values, line has %d", mt.Name(), mt.NumFields()-1, len(values)))
	}

	return models.NewRecordAt(mt, lineNo, ts, values), vehicleID, nil
}

func (p *Parser) malformed(lineNo int, column, line string, err error) *MalformedLineError {
	return &MalformedLineError{
		Source: p.opts.Source,
		Line:   lineNo,
		Column: column,
		Text:   strings.TrimRight(line, "\r\n"),
		Err:    err,
	}
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func messageName(line string) string {
	cols := strings.Fields(line)
	if len(cols) < minColumns {
		return ""
	}
	return cols[2]
}
