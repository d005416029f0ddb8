package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// latencyBounds are the HTTP latency histogram upper bounds in microseconds.
var latencyBounds = [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

// Metrics holds all pprzlog counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64
	httpLatencyBuckets  [len(latencyBounds) + 1]atomic.Int64
	httpLatencySum      atomic.Int64
	httpLatencyCount    atomic.Int64

	// Schema metrics
	schemaLoadsTotal   atomic.Int64
	schemaErrorsTotal  atomic.Int64
	messagesRegistered atomic.Int64

	// Datafile metrics
	ingestLinesTotal     atomic.Int64
	ingestRecordsTotal   atomic.Int64
	ingestMalformedTotal atomic.Int64
	ingestUnknownTotal   atomic.Int64

	// Series metrics
	seriesValuesTotal   atomic.Int64
	coercionErrorsTotal atomic.Int64

	// Export metrics
	exportTablesTotal atomic.Int64
	exportBytesTotal  atomic.Int64

	// Storage metrics
	storageErrorsTotal atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess() { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError() { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Schema Metrics
func (m *Metrics) IncSchemaLoads() { m.schemaLoadsTotal.Add(1) }
func (m *Metrics) IncSchemaErrors() { m.schemaErrorsTotal.Add(1) }
func (m *Metrics) SetMessagesRegistered(count int64) { m.messagesRegistered.Store(count) }

// Datafile Metrics
func (m *Metrics) IncIngestLines(count int64) { m.ingestLinesTotal.Add(count) }
func (m *Metrics) IncIngestRecords(count int64) { m.ingestRecordsTotal.Add(count) }
func (m *Metrics) IncIngestMalformed(count int64) { m.ingestMalformedTotal.Add(count) }
func (m *Metrics) IncIngestUnknown(count int64) { m.ingestUnknownTotal.Add(count) }

// Series Metrics
func (m *Metrics) IncSeriesExtracted(values int64) { m.seriesValuesTotal.Add(values) }
func (m *Metrics) IncCoercionErrors() { m.coercionErrorsTotal.Add(1) }

// Export Metrics
func (m *Metrics) IncExportTables() { m.exportTablesTotal.Add(1) }
func (m *Metrics) IncExportBytes(bytes int64) { m.exportBytesTotal.Add(bytes) }

// Storage Metrics
func (m *Metrics) IncStorageErrors() { m.storageErrorsTotal.Add(1) }

// Snapshot returns current values keyed by metric name.
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var avgLatencyMs float64
	if n := m.httpLatencyCount.Load(); n > 0 {
		avgLatencyMs = float64(m.httpLatencySum.Load()) / float64(n) / 1000
	}

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"go_version":         runtime.Version(),
		"memory_alloc_bytes": memStats.Alloc,
		"memory_sys_bytes":   memStats.Sys,
		"gc_cycles":          memStats.NumGC,

		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_avg_ms":   avgLatencyMs,

		"schema_loads_total":  m.schemaLoadsTotal.Load(),
		"schema_errors_total": m.schemaErrorsTotal.Load(),
		"messages_registered": m.messagesRegistered.Load(),

		"ingest_lines_total":     m.ingestLinesTotal.Load(),
		"ingest_records_total":   m.ingestRecordsTotal.Load(),
		"ingest_malformed_total": m.ingestMalformedTotal.Load(),
		"ingest_unknown_total":   m.ingestUnknownTotal.Load(),

		"series_values_total":   m.seriesValuesTotal.Load(),
		"coercion_errors_total": m.coercionErrorsTotal.Load(),

		"export_tables_total": m.exportTablesTotal.Load(),
		"export_bytes_total":  m.exportBytesTotal.Load(),

		"storage_errors_total": m.storageErrorsTotal.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value func(m *Metrics) float64
}

var promMetrics = []promMetric{
	{"pprzlog_http_requests_total", "Total HTTP requests", "counter", func(m *Metrics) float64 { return float64(m.httpRequestsTotal.Load()) }},
	{"pprzlog_http_requests_error_total", "HTTP requests answered with an error", "counter", func(m *Metrics) float64 { return float64(m.httpRequestsError.Load()) }},
	{"pprzlog_schema_loads_total", "Schema headers loaded", "counter", func(m *Metrics) float64 { return float64(m.schemaLoadsTotal.Load()) }},
	{"pprzlog_schema_errors_total", "Schema loads that failed", "counter", func(m *Metrics) float64 { return float64(m.schemaErrorsTotal.Load()) }},
	{"pprzlog_messages_registered", "Message types in the registry", "gauge", func(m *Metrics) float64 { return float64(m.messagesRegistered.Load()) }},
	{"pprzlog_ingest_lines_total", "Data lines read", "counter", func(m *Metrics) float64 { return float64(m.ingestLinesTotal.Load()) }},
	{"pprzlog_ingest_records_total", "Records stored", "counter", func(m *Metrics) float64 { return float64(m.ingestRecordsTotal.Load()) }},
	{"pprzlog_ingest_malformed_total", "Data lines skipped as malformed", "counter", func(m *Metrics) float64 { return float64(m.ingestMalformedTotal.Load()) }},
	{"pprzlog_ingest_unknown_total", "Data lines naming unregistered messages", "counter", func(m *Metrics) float64 { return float64(m.ingestUnknownTotal.Load()) }},
	{"pprzlog_series_values_total", "Numeric values extracted", "counter", func(m *Metrics) float64 { return float64(m.seriesValuesTotal.Load()) }},
	{"pprzlog_coercion_errors_total", "Series extractions failed on non-numeric values", "counter", func(m *Metrics) float64 { return float64(m.coercionErrorsTotal.Load()) }},
	{"pprzlog_export_tables_total", "Parquet tables exported", "counter", func(m *Metrics) float64 { return float64(m.exportTablesTotal.Load()) }},
	{"pprzlog_export_bytes_total", "Parquet bytes written", "counter", func(m *Metrics) float64 { return float64(m.exportBytesTotal.Load()) }},
	{"pprzlog_storage_errors_total", "Artifact storage failures", "counter", func(m *Metrics) float64 { return float64(m.storageErrorsTotal.Load()) }},
}

// PrometheusFormat renders every metric in the Prometheus text format.
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendHeader(b, "pprzlog_uptime_seconds", "Time since pprzlog started", "gauge")
	b = appendMetric(b, "pprzlog_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "pprzlog_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "pprzlog_goroutines", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "pprzlog_memory_alloc_bytes", "Current allocated memory", "gauge")
	b = appendMetric(b, "pprzlog_memory_alloc_bytes", float64(memStats.Alloc))

	for _, pm := range promMetrics {
		b = appendHeader(b, pm.name, pm.help, pm.kind)
		b = appendMetric(b, pm.name, pm.value(m))
	}

	// HTTP latency histogram (seconds)
	b = appendHeader(b, "pprzlog_http_request_duration_seconds", "HTTP request latency", "histogram")
	var cumulative int64
	for i, bound := range latencyBounds {
		cumulative += m.httpLatencyBuckets[i].Load()
		le := strconv.FormatFloat(float64(bound)/1e6, 'g', -1, 64)
		b = appendMetricWithLabel(b, "pprzlog_http_request_duration_seconds_bucket", "le", le, float64(cumulative))
	}
	cumulative += m.httpLatencyBuckets[len(latencyBounds)].Load()
	b = appendMetricWithLabel(b, "pprzlog_http_request_duration_seconds_bucket", "le", "+Inf", float64(cumulative))
	b = appendMetric(b, "pprzlog_http_request_duration_seconds_sum", float64(m.httpLatencySum.Load())/1e6)
	b = appendMetric(b, "pprzlog_http_request_duration_seconds_count", float64(m.httpLatencyCount.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}
