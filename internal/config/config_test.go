package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basekick-labs/pprzlog/internal/schema"
	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/rs/zerolog"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(orig) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Schema.WorkDir != "./tmp" {
		t.Errorf("Schema.WorkDir = %q, want ./tmp", cfg.Schema.WorkDir)
	}
	if len(cfg.Schema.Classes) != 2 || cfg.Schema.Classes[0] != "telemetry:1" || cfg.Schema.Classes[1] != "datalink:2" {
		t.Errorf("Schema.Classes = %v", cfg.Schema.Classes)
	}
	if cfg.Ingest.TraceFile != "data_log.txt" {
		t.Errorf("Ingest.TraceFile = %q", cfg.Ingest.TraceFile)
	}
	if cfg.Ingest.Arity != "lenient" {
		t.Errorf("Ingest.Arity = %q, want lenient", cfg.Ingest.Arity)
	}
	if cfg.Ingest.MaxWarnings != 100 {
		t.Errorf("Ingest.MaxWarnings = %d, want 100", cfg.Ingest.MaxWarnings)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.LocalPath != "./output" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Export.Compression != "snappy" {
		t.Errorf("Export.Compression = %q", cfg.Export.Compression)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Series.Concurrency < 2 || cfg.Series.Concurrency > 16 {
		t.Errorf("Series.Concurrency = %d, want within [2,16]", cfg.Series.Concurrency)
	}
}

func TestLoad_File(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "pprzlog.toml")
	content := `
[log]
level = "debug"

[schema]
strict = true
classes = ["telemetry:1"]

[ingest]
arity = "strict"
verbose = true

[server]
port = 9090
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"", path} {
		cfg, err := Load(p)
		if err != nil {
			t.Fatalf("Load(%q) error = %v", p, err)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("Load(%q): Log.Level = %q, want debug", p, cfg.Log.Level)
		}
		if !cfg.Schema.Strict || !cfg.Ingest.Verbose {
			t.Errorf("Load(%q): strict/verbose not applied", p)
		}
		if len(cfg.Schema.Classes) != 1 {
			t.Errorf("Load(%q): Schema.Classes = %v", p, cfg.Schema.Classes)
		}
		if cfg.Ingest.Arity != "strict" {
			t.Errorf("Load(%q): Ingest.Arity = %q", p, cfg.Ingest.Arity)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Load(%q): Server.Port = %d", p, cfg.Server.Port)
		}
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PPRZLOG_SERVER_PORT", "7070")
	t.Setenv("PPRZLOG_STORAGE_BACKEND", "s3")
	t.Setenv("PPRZLOG_STORAGE_S3_BUCKET", "flights")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "s3" || cfg.Storage.S3Bucket != "flights" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}

	opts := cfg.StorageOptions()
	if opts.Backend != "s3" || opts.S3.Bucket != "flights" || opts.S3.Region != "us-east-1" {
		t.Errorf("StorageOptions() = %+v", opts)
	}
	if opts.Retry.MaxRetries != 3 {
		t.Errorf("StorageOptions().Retry.MaxRetries = %d, want 3", opts.Retry.MaxRetries)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"arity", "PPRZLOG_INGEST_ARITY", "sloppy"},
		{"compression", "PPRZLOG_EXPORT_COMPRESSION", "rar"},
		{"backend", "PPRZLOG_STORAGE_BACKEND", "ftp"},
		{"port", "PPRZLOG_SERVER_PORT", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv("HOME", t.TempDir())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("Load() with %s=%s succeeded, want error", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() of a missing explicit file succeeded, want error")
	}
}

func TestParseMessageClasses(t *testing.T) {
	got, err := ParseMessageClasses([]string{"telemetry:1", " datalink : 2 "})
	if err != nil {
		t.Fatalf("ParseMessageClasses() error = %v", err)
	}
	want := []schema.MessageClass{
		{Name: "telemetry", ID: "1", File: "telemetry_messages.xml"},
		{Name: "datalink", ID: "2", File: "datalink_messages.xml"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d classes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("class %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	defaults, err := ParseMessageClasses(nil)
	if err != nil || len(defaults) != len(schema.DefaultClasses) {
		t.Errorf("ParseMessageClasses(nil) = %v, %v", defaults, err)
	}
}

func TestParseMessageClasses_Invalid(t *testing.T) {
	for _, entries := range [][]string{
		{"telemetry"},
		{":1"},
		{"telemetry:"},
		{"../evil:1"},
		{"telemetry:1", "telemetry:3"},
	} {
		if _, err := ParseMessageClasses(entries); err == nil {
			t.Errorf("ParseMessageClasses(%v) succeeded, want error", entries)
		}
	}
}

func TestStorageOptions_RemoteBackends(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PPRZLOG_STORAGE_BACKEND", "azure")
	t.Setenv("PPRZLOG_STORAGE_AZURE_CONTAINER", "flights")
	t.Setenv("PPRZLOG_STORAGE_AZURE_ACCOUNT_NAME", "devstoreaccount1")
	t.Setenv("PPRZLOG_STORAGE_AZURE_ACCOUNT_KEY", "c2VjcmV0")
	t.Setenv("PPRZLOG_STORAGE_AZURE_ENDPOINT", "http://127.0.0.1:10000/devstoreaccount1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := storage.New(cfg.StorageOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	defer b.Close()
	if b.Type() != "azure" {
		t.Errorf("Type() = %q, want azure", b.Type())
	}
	if got := storage.Location(b, "2/INS.parquet"); got != "azure://flights/2/INS.parquet" {
		t.Errorf("Location() = %q", got)
	}

	t.Setenv("PPRZLOG_STORAGE_BACKEND", "s3")
	t.Setenv("PPRZLOG_STORAGE_S3_BUCKET", "flights")
	t.Setenv("PPRZLOG_STORAGE_S3_ENDPOINT", "localhost:9000")
	t.Setenv("PPRZLOG_STORAGE_S3_ACCESS_KEY", "minio")
	t.Setenv("PPRZLOG_STORAGE_S3_SECRET_KEY", "minio123")
	t.Setenv("PPRZLOG_STORAGE_S3_PATH_STYLE", "true")

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Storage.S3PathStyle || cfg.Storage.S3AccessKey != "minio" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	b, err = storage.New(cfg.StorageOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	if got := storage.Location(b, "INS/x.txt"); got != "s3://flights/INS/x.txt" {
		t.Errorf("Location() = %q", got)
	}
}
