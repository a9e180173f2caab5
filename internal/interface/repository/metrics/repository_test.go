package metrics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"webserv/internal/domain"
)

func newTestRepository(t *testing.T) (*Repository, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	repo, err := New(filepath.Join(t.TempDir(), "metrics.json"), provider.Meter("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return repo, reader
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestRepositoryCounters(t *testing.T) {
	repo, reader := newTestRepository(t)

	repo.IncrementConnections()
	repo.IncrementConnections()
	repo.DecrementConnections()
	repo.RecordRequest(200, 10*time.Millisecond)
	repo.RecordRequest(404, time.Millisecond)
	repo.RecordRequest(500, time.Millisecond)
	repo.RecordError()
	repo.AddBytesTransferred(1500)
	repo.RecordRejectedConnection()
	repo.RecordIdleEviction()
	repo.RecordCGI(time.Second, false)
	repo.RecordCGI(5*time.Second, true)

	snap := repo.GetSnapshot()
	want := map[string]int64{
		"current_connections":  1,
		"total_requests":       3,
		"bytes_transferred":    1500,
		"rejected_connections": 1,
		"idle_evictions":       1,
		"cgi_executions":       2,
		"cgi_timeouts":         1,
		"errors":               1,
	}
	for key, v := range want {
		if got := snap[key].(int64); got != v {
			t.Errorf("snapshot[%s] = %d, want %d", key, got, v)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got := sumOf(t, rm, "webserv.requests"); got != 3 {
		t.Errorf("webserv.requests = %d, want 3", got)
	}
	if got := sumOf(t, rm, "webserv.connections.active"); got != 1 {
		t.Errorf("webserv.connections.active = %d, want 1", got)
	}
	if got := sumOf(t, rm, "webserv.bytes.sent"); got != 1500 {
		t.Errorf("webserv.bytes.sent = %d, want 1500", got)
	}
}

func TestSaveMetrics(t *testing.T) {
	repo, _ := newTestRepository(t)
	repo.RecordRequest(200, time.Millisecond)

	snap := &domain.MetricsSnapshot{
		Timestamp:     time.Now(),
		StartTime:     repo.startTime,
		TotalRequests: 1,
		Uptime:        "1s",
	}
	if err := repo.SaveMetrics(snap); err != nil {
		t.Fatalf("SaveMetrics() error = %v", err)
	}

	data, err := os.ReadFile(repo.metricsFile)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	var got domain.MetricsSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", got.TotalRequests)
	}
	if _, err := os.Stat(repo.metricsFile + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestNilMeter(t *testing.T) {
	repo, err := New("", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	repo.RecordRequest(200, time.Millisecond)
	if err := repo.SaveMetrics(&domain.MetricsSnapshot{}); err != nil {
		t.Errorf("SaveMetrics() without file = %v", err)
	}
}
