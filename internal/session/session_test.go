package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/pprzlog/internal/ingest"
	"github.com/basekick-labs/pprzlog/internal/schema"
	"github.com/basekick-labs/pprzlog/internal/series"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = `<?xml version="1.0"?>
<configuration>
  <protocol>
    <msg_class NAME="telemetry" ID="1">
      <message NAME="INS" ID="3">
        <field NAME="x" TYPE="float"/>
        <field NAME="y" TYPE="float"/>
      </message>
      <message NAME="GVF" ID="4">
        <field NAME="error" TYPE="float"/>
        <field NAME="mode" TYPE="string"/>
      </message>
    </msg_class>
    <msg_class NAME="datalink" ID="2">
      <message NAME="PING" ID="8"/>
    </msg_class>
  </protocol>
</configuration>
`

const data = `0.1 2 INS 1.0 2.0
0.2 2 INS 1.5 2.5
0.3 3 GVF 0.25 AUTO
0.4 2 UNKNOWN 1
bad 2 INS 1 2

0.5 3 PING
`

type fixture struct {
	s         *Session
	workspace *storage.LocalBackend
	artifacts *storage.LocalBackend
}

func newSession(t *testing.T, opts Options) *fixture {
	t.Helper()
	ws, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	art, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	s, err := New(opts, ws, art, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{s: s, workspace: ws, artifacts: art}
}

func loaded(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := newSession(t, opts)
	ctx := context.Background()
	require.NoError(t, f.s.LoadSchema(ctx, "flight.log", []byte(header)))
	_, err := f.s.LoadData(ctx, "flight.data", strings.NewReader(data))
	require.NoError(t, err)
	return f
}

func TestNew_Validation(t *testing.T) {
	ws, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = New(Options{}, nil, ws, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Options{}, ws, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Options{Compression: "rar"}, ws, ws, zerolog.Nop())
	assert.Error(t, err)
}

func TestSession_Lifecycle(t *testing.T) {
	f := newSession(t, Options{})
	ctx := context.Background()
	assert.Equal(t, PhaseEmpty, f.s.Phase())

	_, err := f.s.Vehicles()
	assert.True(t, errors.Is(err, ErrNotReady))

	_, err = f.s.LoadData(ctx, "flight.data", strings.NewReader(data))
	assert.True(t, errors.Is(err, ErrNotReady), "data before schema")

	require.NoError(t, f.s.LoadSchema(ctx, "flight.log", []byte(header)))
	assert.Equal(t, PhaseBuilding, f.s.Phase())
	assert.True(t, errors.Is(f.s.LoadSchema(ctx, "flight.log", []byte(header)), ErrAlreadyLoaded))

	_, err = f.s.Messages()
	assert.True(t, errors.Is(err, ErrNotReady), "queries wait for data")

	report, err := f.s.LoadData(ctx, "flight.data", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, f.s.Phase())
	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 1, report.Malformed)
	assert.Equal(t, 1, report.Blank)

	_, err = f.s.LoadData(ctx, "flight.data", strings.NewReader(data))
	assert.True(t, errors.Is(err, ErrAlreadyLoaded))

	id := f.s.ID()
	f.s.Reset()
	assert.Equal(t, PhaseEmpty, f.s.Phase())
	assert.NotEqual(t, id, f.s.ID())
	assert.Nil(t, f.s.Report())
	assert.Zero(t, f.s.Info().Messages)
}

func TestLoadSchema_PersistsFragments(t *testing.T) {
	f := newSession(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.s.LoadSchema(ctx, "flight.log", []byte(header)))

	for _, c := range schema.DefaultClasses {
		ok, err := f.workspace.Exists(ctx, c.File)
		require.NoError(t, err)
		assert.True(t, ok, c.File)
	}

	tele, err := f.workspace.Read(ctx, "telemetry_messages.xml")
	require.NoError(t, err)
	assert.Contains(t, string(tele), `NAME="INS"`)
	assert.NotContains(t, string(tele), `NAME="PING"`)
}

func TestLoadSchema_FailureLeavesEmpty(t *testing.T) {
	f := newSession(t, Options{})

	err := f.s.LoadSchema(context.Background(), "flight.log", []byte(`<configuration/>`))
	assert.True(t, errors.Is(err, schema.ErrSchemaExtraction))
	assert.Equal(t, PhaseEmpty, f.s.Phase())

	bad := strings.Replace(header, `<message NAME="GVF" ID="4">`, `<message ID="4">`, 1)
	err = f.s.LoadSchema(context.Background(), "flight.log", []byte(bad))
	assert.True(t, errors.Is(err, schema.ErrSchemaRegistration))
	assert.Equal(t, PhaseEmpty, f.s.Phase())
	assert.Zero(t, f.s.Info().Messages)

	require.NoError(t, f.s.LoadSchema(context.Background(), "flight.log", []byte(header)))
}

func TestQueries(t *testing.T) {
	f := loaded(t, Options{SeriesPrefix: "series/"})
	ctx := context.Background()

	vehicles, err := f.s.Vehicles()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, vehicles)

	msgs, err := f.s.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "GVF", msgs[0].Name())

	mt, err := f.s.MessageType("INS")
	require.NoError(t, err)
	assert.Equal(t, []string{"TIMESTAMP", "x", "y"}, mt.Fields())

	_, err = f.s.MessageType("NOPE")
	assert.True(t, errors.Is(err, series.ErrUnknownSeries))

	found, err := f.s.SearchMessages("in")
	require.NoError(t, err)
	assert.Equal(t, []string{"INS", "PING"}, found)

	counts, err := f.s.VehicleMessages(3)
	require.NoError(t, err)
	assert.Equal(t, []MessageCount{{Name: "GVF", Records: 1}, {Name: "PING", Records: 1}}, counts)

	_, err = f.s.VehicleMessages(99)
	assert.True(t, errors.Is(err, series.ErrUnknownSeries))

	xs, err := f.s.Series(ctx, 2, "INS", "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 1.5}, xs)

	ok, err := f.artifacts.Exists(ctx, "series/INS/x.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := f.s.MessageSeries(ctx, 2, "INS")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, all["TIMESTAMP"])
	assert.Equal(t, []float64{2.0, 2.5}, all["y"])

	_, err = f.s.Series(ctx, 3, "GVF", "mode")
	assert.True(t, errors.Is(err, series.ErrFieldCoercion))
	var fce *series.FieldCoercionError
	require.True(t, errors.As(err, &fce))
	assert.Equal(t, "flight.data", fce.Source)
	assert.Positive(t, fce.Line)
	assert.Contains(t, err.Error(), fmt.Sprintf("flight.data:%d", fce.Line))
}

func TestExportTable(t *testing.T) {
	f := loaded(t, Options{ExportPrefix: "tables/"})

	loc, err := f.s.ExportTable(context.Background(), 3, "GVF")
	require.NoError(t, err)
	assert.Equal(t, f.artifacts.FullPath("tables/3/GVF.parquet"), loc)

	_, err = f.s.ExportTable(context.Background(), 2, "GVF")
	assert.True(t, errors.Is(err, series.ErrUnknownSeries))
}

func TestInfo(t *testing.T) {
	f := newSession(t, Options{})
	info := f.s.Info()
	assert.Equal(t, PhaseEmpty, info.Phase)
	assert.Nil(t, info.LoadedAt)

	f = loaded(t, Options{})
	info = f.s.Info()
	assert.Equal(t, PhaseReady, info.Phase)
	assert.NotNil(t, info.LoadedAt)
	assert.Equal(t, 3, info.Messages)
	assert.Equal(t, 4, info.Records)
	assert.Equal(t, []int{2, 3}, info.Vehicles)
	require.NotNil(t, info.Report)
	assert.Equal(t, "flight.data", info.Report.Source)

	b, err := PhaseReady.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(b))
}

func TestLoadData_VerboseTrace(t *testing.T) {
	f := loaded(t, Options{Verbose: true, TraceFile: "trace.txt"})

	out, err := f.workspace.Read(context.Background(), "trace.txt")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "INS(TIMESTAMP=0.1, x=1.0, y=2.0)", lines[0])
	assert.Equal(t, "PING(TIMESTAMP=0.5)", lines[3])
}

func TestLoadData_StrictArity(t *testing.T) {
	f := newSession(t, Options{Arity: ingest.ArityStrict})
	ctx := context.Background()
	require.NoError(t, f.s.LoadSchema(ctx, "flight.log", []byte(header)))

	report, err := f.s.LoadData(ctx, "flight.data", strings.NewReader("0.1 2 INS 1.0\n0.2 2 INS 1 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.Malformed)
}

func TestLoadData_Cancelled(t *testing.T) {
	f := newSession(t, Options{})
	require.NoError(t, f.s.LoadSchema(context.Background(), "flight.log", []byte(header)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.s.LoadData(ctx, "flight.data", strings.NewReader(data))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseBuilding, f.s.Phase())
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "flight.log")
	require.NoError(t, os.WriteFile(logPath, []byte(header), 0644))

	dataPath := filepath.Join(dir, "flight.data.gz")
	fh, err := os.Create(dataPath)
	require.NoError(t, err)
	zw := gzip.NewWriter(fh)
	_, err = zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, fh.Close())

	f := newSession(t, Options{})
	report, err := f.s.LoadFiles(context.Background(), logPath, dataPath)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Records)
	assert.Equal(t, PhaseReady, f.s.Phase())
}

func TestLoadFiles_MissingData(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "flight.log")
	require.NoError(t, os.WriteFile(logPath, []byte(header), 0644))

	f := newSession(t, Options{})
	_, err := f.s.LoadFiles(context.Background(), logPath, filepath.Join(dir, "missing.data"))
	assert.Error(t, err)
	assert.Equal(t, PhaseEmpty, f.s.Phase())
}
