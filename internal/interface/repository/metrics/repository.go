package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"webserv/internal/domain"
)

// Repository はメトリクスのリポジトリ実装.
// スナップショット用のアトミックなカウンタとOpenTelemetryの計器を同時に更新する.
type Repository struct {
	mu          sync.RWMutex
	metricsFile string
	startTime   time.Time
	connections int64
	requests    int64
	bytes       int64
	rejected    int64
	evictions   int64
	cgiRuns     int64
	cgiTimeouts int64
	errors      int64

	inst instruments
}

type instruments struct {
	connections metric.Int64UpDownCounter
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	bytes       metric.Int64Counter
	rejected    metric.Int64Counter
	evictions   metric.Int64Counter
	cgi         metric.Float64Histogram
	errors      metric.Int64Counter
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. meter が nil なら計器は何もしない.
func New(metricsFile string, meter metric.Meter) (*Repository, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("webserv")
	}

	inst, err := newInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		inst:        inst,
	}, nil
}

func newInstruments(meter metric.Meter) (instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.connections, err = meter.Int64UpDownCounter("webserv.connections.active",
		metric.WithDescription("Current number of client connections")); err != nil {
		return inst, err
	}
	if inst.requests, err = meter.Int64Counter("webserv.requests",
		metric.WithDescription("Total number of served requests")); err != nil {
		return inst, err
	}
	if inst.duration, err = meter.Float64Histogram("webserv.request.duration",
		metric.WithDescription("Time from parsed request to queued response"),
		metric.WithUnit("s")); err != nil {
		return inst, err
	}
	if inst.bytes, err = meter.Int64Counter("webserv.bytes.sent",
		metric.WithDescription("Total number of response bytes sent"),
		metric.WithUnit("By")); err != nil {
		return inst, err
	}
	if inst.rejected, err = meter.Int64Counter("webserv.connections.rejected",
		metric.WithDescription("Connections refused with 503 at capacity")); err != nil {
		return inst, err
	}
	if inst.evictions, err = meter.Int64Counter("webserv.connections.evicted",
		metric.WithDescription("Connections closed by the idle timeout")); err != nil {
		return inst, err
	}
	if inst.cgi, err = meter.Float64Histogram("webserv.cgi.duration",
		metric.WithDescription("CGI script wall-clock time"),
		metric.WithUnit("s")); err != nil {
		return inst, err
	}
	if inst.errors, err = meter.Int64Counter("webserv.errors",
		metric.WithDescription("Total number of 5xx responses")); err != nil {
		return inst, err
	}
	return inst, nil
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
	r.inst.connections.Add(context.Background(), 1)
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
	r.inst.connections.Add(context.Background(), -1)
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
	r.inst.bytes.Add(context.Background(), bytes)
}

func (r *Repository) RecordRequest(status int, d time.Duration) {
	atomic.AddInt64(&r.requests, 1)
	attrs := metric.WithAttributes(attribute.Int("http.response.status_code", status))
	r.inst.requests.Add(context.Background(), 1, attrs)
	r.inst.duration.Record(context.Background(), d.Seconds(), attrs)
}

func (r *Repository) RecordRejectedConnection() {
	atomic.AddInt64(&r.rejected, 1)
	r.inst.rejected.Add(context.Background(), 1)
}

func (r *Repository) RecordIdleEviction() {
	atomic.AddInt64(&r.evictions, 1)
	r.inst.evictions.Add(context.Background(), 1)
}

func (r *Repository) RecordCGI(d time.Duration, timedOut bool) {
	atomic.AddInt64(&r.cgiRuns, 1)
	if timedOut {
		atomic.AddInt64(&r.cgiTimeouts, 1)
	}
	r.inst.cgi.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.Bool("cgi.timed_out", timedOut)))
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
	r.inst.errors.Add(context.Background(), 1)
}

func (r *Repository) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":            time.Now(),
		"start_time":           r.startTime,
		"current_connections":  atomic.LoadInt64(&r.connections),
		"total_requests":       atomic.LoadInt64(&r.requests),
		"bytes_transferred":    atomic.LoadInt64(&r.bytes),
		"rejected_connections": atomic.LoadInt64(&r.rejected),
		"idle_evictions":       atomic.LoadInt64(&r.evictions),
		"cgi_executions":       atomic.LoadInt64(&r.cgiRuns),
		"cgi_timeouts":         atomic.LoadInt64(&r.cgiTimeouts),
		"errors":               atomic.LoadInt64(&r.errors),
		"uptime":               time.Since(r.startTime).String(),
	}
}
