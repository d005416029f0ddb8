// Package series converts stored record fields into numeric sequences and
// persists them as text artifacts, one value per line.
package series

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/pprzlog/internal/metrics"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ArtifactExt is the extension of persisted series.
const ArtifactExt = ".txt"

// Schema resolves message names to their current types.
type Schema interface {
	Lookup(name string) (*models.MessageType, bool)
}

// Source returns the records of one message for a vehicle.
type Source interface {
	Records(vehicleID int, message string) []*models.Record
}

// Options configures a Converter.
type Options struct {
	// Prefix is prepended to every artifact path, e.g. "output/".
	Prefix string
	// Concurrency bounds parallel field conversion in ExtractMessage.
	Concurrency int
	// Datafile names the file the records were parsed from in coercion errors.
	Datafile string
}

// Converter extracts numeric series from a record source.
type Converter struct {
	schema  Schema
	source  Source
	backend storage.Backend
	opts    Options
	logger  zerolog.Logger
}

// NewConverter creates a converter persisting to backend.
func NewConverter(schema Schema, source Source, backend storage.Backend, opts Options, logger zerolog.Logger) *Converter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Converter{
		schema:  schema,
		source:  source,
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "series-converter").Logger(),
	}
}

// ArtifactPath returns where the series of one field is persisted.
// Artifacts are keyed by message and field only: converting the same field
// for another vehicle overwrites the previous artifact.
func ArtifactPath(prefix, message, field string) string {
	return prefix + path.Join(message, field+ArtifactExt)
}

// Coerce converts one field of every record of (vehicleID, message) to
// float64, in record order. The field name is resolved against the current
// message type; values are read positionally from each record.
func (c *Converter) Coerce(vehicleID int, message, field string) ([]float64, error) {
	mt, recs, err := c.resolve(vehicleID, message)
	if err != nil {
		return nil, err
	}
	idx, ok := mt.FieldIndex(field)
	if !ok {
		return nil, &UnknownSeriesError{Vehicle: vehicleID, Message: message, Field: field, Reason: "field not declared by message"}
	}
	return c.coerce(vehicleID, message, field, idx, recs)
}

// Extract converts one field and persists it. The values are returned even
// when persisting fails.
func (c *Converter) Extract(ctx context.Context, vehicleID int, message, field string) ([]float64, error) {
	start := time.Now()
	vals, err := c.Coerce(vehicleID, message, field)
	if err != nil {
		c.countError(err)
		return nil, err
	}
	if err := c.persist(ctx, message, field, vals); err != nil {
		return vals, err
	}

	metrics.Get().IncSeriesExtracted(int64(len(vals)))
	c.logger.Debug().
		Int("vehicle", vehicleID).
		Str("message", message).
		Str("field", field).
		Int("values", len(vals)).
		Dur("duration", time.Since(start)).
		Msg("Extracted series")
	return vals, nil
}

// ExtractMessage converts and persists every field of a message, TIMESTAMP
// included. Nothing is persisted if any field fails to convert.
func (c *Converter) ExtractMessage(ctx context.Context, vehicleID int, message string) (map[string][]float64, error) {
	mt, recs, err := c.resolve(vehicleID, message)
	if err != nil {
		c.countError(err)
		return nil, err
	}

	fields := mt.Fields()
	results := make([][]float64, len(fields))
	for i, f := range fields {
		vals, err := c.coerce(vehicleID, message, f, i, recs)
		if err != nil {
			c.countError(err)
			return nil, err
		}
		results[i] = vals
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, f := range fields {
		g.Go(func() error {
			return c.persist(gctx, message, f, results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]float64, len(fields))
	var total int64
	for i, f := range fields {
		out[f] = results[i]
		total += int64(len(results[i]))
	}
	metrics.Get().IncSeriesExtracted(total)

	c.logger.Info().
		Int("vehicle", vehicleID).
		Str("message", message).
		Int("fields", len(fields)).
		Int("records", len(recs)).
		Msg("Extracted message series")
	return out, nil
}

// Read loads a previously persisted series.
func (c *Converter) Read(ctx context.Context, message, field string) ([]float64, error) {
	data, err := c.backend.Read(ctx, ArtifactPath(c.opts.Prefix, message, field))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &UnknownSeriesError{Message: message, Field: field, Reason: "no persisted artifact"}
		}
		return nil, err
	}
	return DecodeText(data)
}

func (c *Converter) resolve(vehicleID int, message string) (*models.MessageType, []*models.Record, error) {
	mt, ok := c.schema.Lookup(message)
	if !ok {
		return nil, nil, &UnknownSeriesError{Vehicle: vehicleID, Message: message, Reason: "message not registered"}
	}
	recs := c.source.Records(vehicleID, message)
	if len(recs) == 0 {
		return nil, nil, &UnknownSeriesError{Vehicle: vehicleID, Message: message, Reason: "no records"}
	}
	return mt, recs, nil
}

func (c *Converter) persist(ctx context.Context, message, field string, vals []float64) error {
	p := ArtifactPath(c.opts.Prefix, message, field)
	if err := c.backend.Write(ctx, p, EncodeText(vals)); err != nil {
		metrics.Get().IncStorageErrors()
		return fmt.Errorf("persist series %s: %w", p, err)
	}
	return nil
}

func (c *Converter) countError(err error) {
	if errors.Is(err, ErrFieldCoercion) {
		metrics.Get().IncCoercionErrors()
	}
}

func (c *Converter) coerce(vehicleID int, message, field string, idx int, recs []*models.Record) ([]float64, error) {
	out := make([]float64, len(recs))
	for i, r := range recs {
		if idx == 0 {
			out[i] = r.Timestamp()
			continue
		}
		raw, ok := r.Value(idx)
		if !ok {
			return nil, &FieldCoercionError{
				Source: c.opts.Datafile, Line: r.Line(),
				Vehicle: vehicleID, Message: message, Field: field, Record: i,
				Err: fmt.Errorf("record has %d values, field is at position %d", r.Len(), idx),
			}
		}
		v, err := models.ParseFloat(strings.TrimSpace(raw))
		if err != nil {
			return nil, &FieldCoercionError{
				Source: c.opts.Datafile, Line: r.Line(),
				Vehicle: vehicleID, Message: message, Field: field, Record: i, Value: raw,
				Err: unwrapNumError(err),
			}
		}
		out[i] = v
	}
	return out, nil
}

func unwrapNumError(err error) error {
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		return ne.Err
	}
	return err
}

// EncodeText renders values one per line in %.18e form.
func EncodeText(vals []float64) []byte {
	buf := make([]byte, 0, len(vals)*26)
	for _, v := range vals {
		buf = strconv.AppendFloat(buf, v, 'e', 18, 64)
		buf = append(buf, '\n')
	}
	return buf
}

// DecodeText parses a series artifact. Blank lines are ignored.
func DecodeText(data []byte) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("series artifact line %d: %w", line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
