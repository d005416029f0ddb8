package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/basekick-labs/pprzlog/internal/storage"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PPRZLOG_LOG_LEVEL.
const EnvPrefix = "PPRZLOG"

// Config holds all configuration for pprzlog
type Config struct {
	Log     LogConfig
	Schema  SchemaConfig
	Ingest  IngestConfig
	Series  SeriesConfig
	Export  ExportConfig
	Storage StorageConfig
	Server  ServerConfig
}

type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

type SchemaConfig struct {
	WorkDir string   // Where extracted message-class fragments are persisted
	Strict  bool     // Reject malformed headers instead of recovering
	Classes []string // "NAME:ID" entries, e.g. "telemetry:1"
}

type IngestConfig struct {
	Verbose     bool   // Append every parsed record to the trace file
	TraceFile   string // Trace file name inside SchemaConfig.WorkDir
	Arity       string // "lenient" or "strict"
	MaxWarnings int
}

type SeriesConfig struct {
	Prefix      string // Prepended to every artifact path
	Concurrency int    // Parallel field writes when extracting a whole message
}

type ExportConfig struct {
	Compression string // snappy, gzip, zstd or none
}

type StorageConfig struct {
	Backend   string // local, s3 or azure
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3UseSSL    bool
	S3PathStyle bool // Use path-style addressing (required for MinIO)
	// Azure Blob Storage configuration
	AzureContainer          string
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
	// Retry settings for remote backends
	MaxRetries int
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageOptions maps the storage section onto backend options.
func (c *Config) StorageOptions() storage.Options {
	s := c.Storage
	retry := storage.DefaultRetryConfig()
	retry.MaxRetries = s.MaxRetries
	return storage.Options{
		Backend:   s.Backend,
		LocalPath: s.LocalPath,
		S3: storage.S3Config{
			Bucket:    s.S3Bucket,
			Region:    s.S3Region,
			Prefix:    s.S3Prefix,
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
			PathStyle: s.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   s.AzureConnectionString,
			AccountName:        s.AzureAccountName,
			AccountKey:         s.AzureAccountKey,
			SASToken:           s.AzureSASToken,
			UseManagedIdentity: s.AzureUseManagedIdentity,
			ContainerName:      s.AzureContainer,
			Endpoint:           s.AzureEndpoint,
		},
		Retry: retry,
	}
}

// Load reads configuration from defaults, an optional config file and
// PPRZLOG_* environment variables, in increasing precedence. When path is
// empty, pprzlog.toml is searched in the working directory, /etc/pprzlog/
// and $HOME/.pprzlog/; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pprzlog")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pprzlog/")
		v.AddConfigPath("$HOME/.pprzlog/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Schema: SchemaConfig{
			WorkDir: v.GetString("schema.work_dir"),
			Strict:  v.GetBool("schema.strict"),
			Classes: v.GetStringSlice("schema.classes"),
		},
		Ingest: IngestConfig{
			Verbose:     v.GetBool("ingest.verbose"),
			TraceFile:   v.GetString("ingest.trace_file"),
			Arity:       v.GetString("ingest.arity"),
			MaxWarnings: v.GetInt("ingest.max_warnings"),
		},
		Series: SeriesConfig{
			Prefix:      v.GetString("series.prefix"),
			Concurrency: v.GetInt("series.concurrency"),
		},
		Export: ExportConfig{
			Compression: v.GetString("export.compression"),
		},
		Storage: StorageConfig{
			Backend:                 v.GetString("storage.backend"),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Prefix:                v.GetString("storage.s3_prefix"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			MaxRetries:              v.GetInt("storage.max_retries"),
		},
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     time.Duration(v.GetInt("server.read_timeout")) * time.Second,
			WriteTimeout:    time.Duration(v.GetInt("server.write_timeout")) * time.Second,
			ShutdownTimeout: time.Duration(v.GetInt("server.shutdown_timeout")) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later in a less obvious place.
func (c *Config) Validate() error {
	if _, err := ParseMessageClasses(c.Schema.Classes); err != nil {
		return fmt.Errorf("invalid schema.classes: %w", err)
	}
	switch strings.ToLower(c.Ingest.Arity) {
	case "", "lenient", "strict":
	default:
		return fmt.Errorf("invalid ingest.arity %q (use lenient or strict)", c.Ingest.Arity)
	}
	switch strings.ToLower(c.Export.Compression) {
	case "", "snappy", "gzip", "zstd", "none", "uncompressed":
	default:
		return fmt.Errorf("invalid export.compression %q", c.Export.Compression)
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", "local", "s3", "minio", "azure", "azblob":
	default:
		return fmt.Errorf("invalid storage.backend %q (use local, s3 or azure)", c.Storage.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Schema defaults
	v.SetDefault("schema.work_dir", "./tmp")
	v.SetDefault("schema.strict", false)
	v.SetDefault("schema.classes", []string{"telemetry:1", "datalink:2"})

	// Ingest defaults
	v.SetDefault("ingest.verbose", false)
	v.SetDefault("ingest.trace_file", "data_log.txt")
	v.SetDefault("ingest.arity", "lenient")
	v.SetDefault("ingest.max_warnings", 100)

	// Series defaults
	v.SetDefault("series.prefix", "")
	v.SetDefault("series.concurrency", getDefaultConcurrency())

	// Export defaults
	v.SetDefault("export.compression", "snappy")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./output")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.max_retries", 3)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 10)
}

// getDefaultConcurrency bounds parallel artifact writes by the CPU count.
func getDefaultConcurrency() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}
