package metrics

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
	assert.Same(t, Get(), Init(zerolog.Nop()))
}

func TestLatencyBucket(t *testing.T) {
	tests := []struct {
		micros int64
		want   int
	}{
		{0, 0},
		{1000, 0},
		{1001, 1},
		{50000, 4},
		{1000000, 8},
		{1000001, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, latencyBucket(tt.micros), "micros=%d", tt.micros)
	}
}

func TestSnapshot_Counters(t *testing.T) {
	m := Get()
	before := m.Snapshot()

	m.IncIngestRecords(5)
	m.IncIngestMalformed(2)
	m.IncSeriesExtracted(3)
	m.SetMessagesRegistered(42)

	after := m.Snapshot()
	assert.Equal(t, before["ingest_records_total"].(int64)+5, after["ingest_records_total"])
	assert.Equal(t, before["ingest_malformed_total"].(int64)+2, after["ingest_malformed_total"])
	assert.Equal(t, before["series_values_total"].(int64)+3, after["series_values_total"])
	assert.Equal(t, int64(42), after["messages_registered"])
}

func TestPrometheusFormat(t *testing.T) {
	m := Get()
	m.IncHTTPRequests()
	m.RecordHTTPLatency(2000)

	out := m.PrometheusFormat()
	assert.Contains(t, out, "# TYPE pprzlog_ingest_records_total counter\n")
	assert.Contains(t, out, "# TYPE pprzlog_messages_registered gauge\n")
	assert.Contains(t, out, `pprzlog_http_request_duration_seconds_bucket{le="+Inf"}`)
	assert.Contains(t, out, `pprzlog_http_request_duration_seconds_bucket{le="0.005"}`)

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		assert.Len(t, strings.Fields(line), 2, line)
	}
}
