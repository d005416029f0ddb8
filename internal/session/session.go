// Package session owns one loaded log: the message registry built from the
// log header, the record store built from the datafile, and the query
// operations served once both are loaded.
//
// A session moves through three phases. It starts empty, becomes building
// once a schema is registered, and is ready after the datafile has been
// parsed and the store frozen. Queries are only answered when ready; Reset
// discards everything and returns to empty.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basekick-labs/pprzlog/internal/export"
	"github.com/basekick-labs/pprzlog/internal/ingest"
	"github.com/basekick-labs/pprzlog/internal/metrics"
	"github.com/basekick-labs/pprzlog/internal/schema"
	"github.com/basekick-labs/pprzlog/internal/series"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/basekick-labs/pprzlog/internal/store"
	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotReady is returned by queries before a log has been fully loaded.
	ErrNotReady = errors.New("session not ready")
	// ErrAlreadyLoaded is returned when loading into a session that already holds data.
	ErrAlreadyLoaded = errors.New("session already loaded")
)

// Phase is the lifecycle state of a Session.
type Phase int32

const (
	PhaseEmpty Phase = iota
	PhaseBuilding
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseBuilding:
		return "building"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Options configures a Session.
type Options struct {
	Classes     []schema.MessageClass
	Strict      bool
	Arity       ingest.ArityPolicy
	MaxWarnings int
	// Verbose appends every stored record to TraceFile in the workspace.
	Verbose   bool
	TraceFile string
	// SeriesPrefix and ExportPrefix are prepended to artifact paths.
	SeriesPrefix string
	ExportPrefix string
	Compression  string
	Concurrency  int
}

// MessageCount is the number of records one vehicle logged for a message.
type MessageCount struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
}

// Info summarizes a session.
type Info struct {
	ID       string         `json:"id"`
	Phase    Phase          `json:"phase"`
	LoadedAt *time.Time     `json:"loaded_at,omitempty"`
	Messages int            `json:"messages"`
	Records  int            `json:"records"`
	Vehicles []int          `json:"vehicles,omitempty"`
	Report   *ingest.Report `json:"report,omitempty"`
}

// Session holds one loaded log. It is safe for concurrent use: loads and
// Reset take the write lock, queries share the read lock.
type Session struct {
	opts      Options
	workspace *storage.LocalBackend
	artifacts storage.Backend
	extractor *schema.Extractor
	logger    zerolog.Logger

	mu        sync.RWMutex
	id        string
	phase     Phase
	registry  *schema.Registry
	store     *store.Store
	converter *series.Converter
	exporter  *export.ParquetExporter
	report    *ingest.Report
	loadedAt  time.Time
}

// New creates an empty session. Schema fragments and the verbose trace are
// written to workspace; series and table artifacts go to artifacts.
func New(opts Options, workspace *storage.LocalBackend, artifacts storage.Backend, logger zerolog.Logger) (*Session, error) {
	if workspace == nil {
		return nil, errors.New("session: workspace backend is required")
	}
	if artifacts == nil {
		return nil, errors.New("session: artifact backend is required")
	}
	if opts.Arity == "" {
		opts.Arity = ingest.ArityLenient
	}
	if opts.TraceFile == "" {
		opts.TraceFile = "data_log.txt"
	}
	if _, err := export.ParseCompression(opts.Compression); err != nil {
		return nil, err
	}

	s := &Session{
		opts:      opts,
		workspace: workspace,
		artifacts: artifacts,
		extractor: schema.NewExtractor(schema.ExtractorOptions{Classes: opts.Classes, Strict: opts.Strict}, logger),
		logger:    logger.With().Str("component", "session").Logger(),
	}
	if err := s.resetLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// resetLocked discards registry and store. Callers hold mu.
func (s *Session) resetLocked() error {
	reg := schema.NewRegistry(s.logger)
	st := store.New()

	exp, err := export.NewParquetExporter(reg, st, s.artifacts, export.Options{
		Prefix:      s.opts.ExportPrefix,
		Compression: s.opts.Compression,
	}, s.logger)
	if err != nil {
		return err
	}

	s.id = uuid.New().String()
	s.phase = PhaseEmpty
	s.registry = reg
	s.store = st
	s.converter = s.newConverter("")
	s.exporter = exp
	s.report = nil
	s.loadedAt = time.Time{}
	metrics.Get().SetMessagesRegistered(0)
	return nil
}

// newConverter builds the series converter over the current registry and
// store. datafile is reported in coercion errors.
func (s *Session) newConverter(datafile string) *series.Converter {
	return series.NewConverter(s.registry, s.store, s.artifacts, series.Options{
		Prefix:      s.opts.SeriesPrefix,
		Concurrency: s.opts.Concurrency,
		Datafile:    datafile,
	}, s.logger)
}

// ID returns the identifier of the current load.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Reset discards the loaded log and returns the session to PhaseEmpty.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Compression was validated in New, so rebuilding cannot fail.
	_ = s.resetLocked()
	s.logger.Info().Str("session", s.id).Msg("Session reset")
}

// Close resets the session. It lets a Session register with shutdown.
func (s *Session) Close() error {
	s.Reset()
	return nil
}

// LoadSchema extracts the configured message classes from a log header,
// persists each fragment to the workspace as its class file, then registers
// the persisted files in class order. Any failure leaves the session empty.
func (s *Session) LoadSchema(ctx context.Context, source string, header []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseEmpty {
		return ErrAlreadyLoaded
	}
	start := time.Now()

	if err := s.loadSchemaLocked(ctx, source, header); err != nil {
		metrics.Get().IncSchemaErrors()
		_ = s.resetLocked()
		return err
	}

	s.phase = PhaseBuilding
	metrics.Get().IncSchemaLoads()
	metrics.Get().SetMessagesRegistered(int64(s.registry.Len()))
	s.logger.Info().
		Str("session", s.id).
		Str("source", source).
		Int("messages", s.registry.Len()).
		Dur("duration", time.Since(start)).
		Msg("Schema loaded")
	return nil
}

func (s *Session) loadSchemaLocked(ctx context.Context, source string, header []byte) error {
	fragments, err := s.extractor.Extract(source, header)
	if err != nil {
		return err
	}

	for _, f := range fragments {
		if err := s.workspace.Write(ctx, f.Class.File, []byte(f.XML)); err != nil {
			return fmt.Errorf("persist %s fragment: %w", f.Class.Name, err)
		}
	}

	for _, f := range fragments {
		data, err := s.workspace.Read(ctx, f.Class.File)
		if err != nil {
			return fmt.Errorf("read %s fragment: %w", f.Class.Name, err)
		}
		if _, err := s.registry.Register(s.workspace.FullPath(f.Class.File), data); err != nil {
			return err
		}
	}
	return nil
}

// LoadData parses the datafile into the store, freezes it and marks the
// session ready. Malformed and unknown lines are counted in the report.
// When reading fails part way, the records already parsed are kept, the
// session still becomes ready and the error is returned with the report.
func (s *Session) LoadData(ctx context.Context, source string, r io.Reader) (*ingest.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseEmpty:
		return nil, fmt.Errorf("%w: no schema loaded", ErrNotReady)
	case PhaseReady:
		return nil, ErrAlreadyLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := ingest.Options{
		Source:      source,
		Arity:       s.opts.Arity,
		MaxWarnings: s.opts.MaxWarnings,
	}
	if s.opts.Verbose {
		trace, err := s.workspace.OpenAppend(s.opts.TraceFile)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		defer trace.Close()
		opts.Trace = trace
	}

	parser := ingest.NewParser(s.registry, s.store, opts, s.logger)
	report, err := parser.Parse(&ctxReader{ctx: ctx, r: r})

	s.store.Freeze()
	s.converter = s.newConverter(source)
	s.phase = PhaseReady
	s.report = report
	s.loadedAt = time.Now()

	if report != nil {
		m := metrics.Get()
		m.IncIngestLines(int64(report.Lines))
		m.IncIngestRecords(int64(report.Records))
		m.IncIngestMalformed(int64(report.Malformed))
		m.IncIngestUnknown(int64(report.Unknown))
	}
	return report, err
}

// LoadFiles loads a log header file and its datafile. Either may be gzip or
// zstd compressed.
func (s *Session) LoadFiles(ctx context.Context, logPath, dataPath string) (*ingest.Report, error) {
	header, err := readAll(logPath)
	if err != nil {
		return nil, err
	}
	if err := s.LoadSchema(ctx, logPath, header); err != nil {
		return nil, err
	}

	rc, err := ingest.OpenFile(dataPath)
	if err != nil {
		s.Reset()
		return nil, err
	}
	defer rc.Close()
	return s.LoadData(ctx, dataPath, rc)
}

func readAll(path string) ([]byte, error) {
	rc, err := ingest.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Info returns a summary of the session in any phase.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:       s.id,
		Phase:    s.phase,
		Messages: s.registry.Len(),
		Records:  s.store.Len(),
		Report:   s.report,
	}
	if s.phase == PhaseReady {
		t := s.loadedAt
		info.LoadedAt = &t
		info.Vehicles = s.store.Vehicles()
	}
	return info
}

// Report returns the datafile parse report, or nil before LoadData.
func (s *Session) Report() *ingest.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// ready must be called with mu held.
func (s *Session) ready() error {
	if s.phase != PhaseReady {
		return fmt.Errorf("%w (phase %s)", ErrNotReady, s.phase)
	}
	return nil
}

// Vehicles returns the vehicle ids present in the datafile, ascending.
func (s *Session) Vehicles() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Vehicles(), nil
}

// Messages returns every registered message type, sorted by name.
func (s *Session) Messages() ([]*models.MessageType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry.Messages(), nil
}

// MessageType returns the registered type of one message.
func (s *Session) MessageType(name string) (*models.MessageType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	mt, ok := s.registry.Lookup(name)
	if !ok {
		return nil, &series.UnknownSeriesError{Message: name, Reason: "message not registered"}
	}
	return mt, nil
}

// SearchMessages returns registered message names containing query,
// case-insensitively.
func (s *Session) SearchMessages(query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry.Search(query), nil
}

// VehicleMessages returns the messages one vehicle logged with their record counts.
func (s *Session) VehicleMessages(vehicleID int) ([]MessageCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	names := s.store.Messages(vehicleID)
	if len(names) == 0 {
		return nil, &series.UnknownSeriesError{Vehicle: vehicleID, Reason: "vehicle not in datafile"}
	}
	out := make([]MessageCount, len(names))
	for i, n := range names {
		out[i] = MessageCount{Name: n, Records: s.store.Count(vehicleID, n)}
	}
	return out, nil
}

// Series extracts and persists the numeric series of one field.
func (s *Session) Series(ctx context.Context, vehicleID int, message, field string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.converter.Extract(ctx, vehicleID, message, field)
}

// MessageSeries extracts and persists every field of one message.
func (s *Session) MessageSeries(ctx context.Context, vehicleID int, message string) (map[string][]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.converter.ExtractMessage(ctx, vehicleID, message)
}

// ExportTable writes the Parquet table of one message and returns where it went.
func (s *Session) ExportTable(ctx context.Context, vehicleID int, message string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return "", err
	}
	p, err := s.exporter.Export(ctx, vehicleID, message)
	if err != nil {
		return "", err
	}
	return storage.Location(s.artifacts, p), nil
}

// ctxReader stops a long parse when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
