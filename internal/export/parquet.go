// Package export writes the records of one (vehicle, message) pair as a
// Parquet table.
package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/pprzlog/internal/metrics"
	"github.com/basekick-labs/pprzlog/internal/series"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/rs/zerolog"
)

var allocator = memory.NewGoAllocator()

// ParseCompression maps a codec name to a Parquet compression codec.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unknown compression %q (use snappy, gzip, zstd or none)", name)
	}
}

// TablePath returns where the table of one (vehicle, message) pair is written.
func TablePath(prefix string, vehicleID int, message string) string {
	return prefix + path.Join(strconv.Itoa(vehicleID), message+".parquet")
}

// Options configures a ParquetExporter.
type Options struct {
	Prefix      string
	Compression string
}

// ParquetExporter writes message tables to a storage backend.
type ParquetExporter struct {
	schema      series.Schema
	source      series.Source
	backend     storage.Backend
	prefix      string
	compression compress.Compression
	logger      zerolog.Logger
}

// NewParquetExporter creates an exporter.
func NewParquetExporter(schema series.Schema, source series.Source, backend storage.Backend, opts Options, logger zerolog.Logger) (*ParquetExporter, error) {
	comp, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &ParquetExporter{
		schema:      schema,
		source:      source,
		backend:     backend,
		prefix:      opts.Prefix,
		compression: comp,
		logger:      logger.With().Str("component", "parquet-exporter").Logger(),
	}, nil
}

// Export writes the table of (vehicleID, message) and returns its path.
func (e *ParquetExporter) Export(ctx context.Context, vehicleID int, message string) (string, error) {
	start := time.Now()

	mt, ok := e.schema.Lookup(message)
	if !ok {
		return "", &series.UnknownSeriesError{Vehicle: vehicleID, Message: message, Reason: "message not registered"}
	}
	recs := e.source.Records(vehicleID, message)
	if len(recs) == 0 {
		return "", &series.UnknownSeriesError{Vehicle: vehicleID, Message: message, Reason: "no records"}
	}

	data, err := e.Encode(mt, recs)
	if err != nil {
		return "", err
	}

	p := TablePath(e.prefix, vehicleID, message)
	if err := e.backend.Write(ctx, p, data); err != nil {
		metrics.Get().IncStorageErrors()
		return "", fmt.Errorf("write table %s: %w", p, err)
	}

	metrics.Get().IncExportTables()
	metrics.Get().IncExportBytes(int64(len(data)))
	e.logger.Info().
		Int("vehicle", vehicleID).
		Str("message", message).
		Int("rows", len(recs)).
		Int("size", len(data)).
		Dur("duration", time.Since(start)).
		Str("path", p).
		Msg("Exported table")
	return p, nil
}

// Encode renders records as a Parquet file.
//
// TIMESTAMP is a non-null float64 column. Every other field becomes a
// nullable float64 column when all of its present values parse as numbers,
// and a nullable string column otherwise. Values missing from short records
// are null; values beyond the declared fields are dropped.
func (e *ParquetExporter) Encode(mt *models.MessageType, recs []*models.Record) ([]byte, error) {
	names := mt.Fields()
	fields := make([]arrow.Field, len(names))
	arrays := make([]arrow.Array, len(names))
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()

	for i, name := range names {
		var (
			col      arrow.Array
			dataType arrow.DataType
		)
		switch {
		case i == 0:
			col, dataType = timestampColumn(recs), arrow.PrimitiveTypes.Float64
		case numericColumn(recs, i):
			col, dataType = floatColumn(recs, i), arrow.PrimitiveTypes.Float64
		default:
			col, dataType = stringColumn(recs, i), arrow.BinaryTypes.String
		}
		arrays[i] = col
		fields[i] = arrow.Field{Name: name, Type: dataType, Nullable: i != 0}
	}

	schema := arrow.NewSchema(fields, nil)
	record := array.NewRecord(schema, arrays, int64(len(recs)))
	defer record.Release()

	var buf bytes.Buffer
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(e.compression),
		parquet.WithDictionaryDefault(true),
		parquet.WithStats(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	e.logger.Debug().
		Str("message", mt.Name()).
		Int("columns", len(fields)).
		Int("rows", len(recs)).
		Int("size", buf.Len()).
		Msg("Wrote Parquet table")

	return buf.Bytes(), nil
}

func timestampColumn(recs []*models.Record) arrow.Array {
	b := array.NewFloat64Builder(allocator)
	defer b.Release()
	b.Reserve(len(recs))
	for _, r := range recs {
		b.Append(r.Timestamp())
	}
	return b.NewArray()
}

func numericColumn(recs []*models.Record, idx int) bool {
	seen := false
	for _, r := range recs {
		v, ok := r.Value(idx)
		if !ok {
			continue
		}
		if _, err := models.ParseFloat(strings.TrimSpace(v)); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

func floatColumn(recs []*models.Record, idx int) arrow.Array {
	b := array.NewFloat64Builder(allocator)
	defer b.Release()
	b.Reserve(len(recs))
	for _, r := range recs {
		v, ok := r.Value(idx)
		if !ok {
			b.AppendNull()
			continue
		}
		f, _ := models.ParseFloat(strings.TrimSpace(v))
		b.Append(f)
	}
	return b.NewArray()
}

func stringColumn(recs []*models.Record, idx int) arrow.Array {
	b := array.NewStringBuilder(allocator)
	defer b.Release()
	b.Reserve(len(recs))
	for _, r := range recs {
		v, ok := r.Value(idx)
		if !ok {
			b.AppendNull()
			continue
		}
		b.Append(v)
	}
	return b.NewArray()
}
