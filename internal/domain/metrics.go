package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest(status int, duration time.Duration)
	RecordRejectedConnection()
	RecordIdleEviction()
	RecordCGI(duration time.Duration, timedOut bool)
	RecordError()
	GetSnapshot() map[string]interface{}
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	StartTime           time.Time `json:"start_time"`
	CurrentConnections  int64     `json:"current_connections"`
	TotalRequests       int64     `json:"total_requests"`
	BytesTransferred    int64     `json:"bytes_transferred"`
	RejectedConnections int64     `json:"rejected_connections"`
	IdleEvictions       int64     `json:"idle_evictions"`
	CGIExecutions       int64     `json:"cgi_executions"`
	CGITimeouts         int64     `json:"cgi_timeouts"`
	Errors              int64     `json:"errors"`
	Uptime              string    `json:"uptime"`
}

// MetricsFormatter はメトリクスのフォーマット機能を提供するインターフェース
type MetricsFormatter interface {
	ToPrometheusFormat() string
}

// メトリクスのフォーマット用メソッド
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	return formatMetricsToPrometheus(ms)
}

// formatMetricsToPrometheus はメトリクスをPrometheus形式にフォーマット
func formatMetricsToPrometheus(ms *MetricsSnapshot) string {
	var metrics []string

	metrics = append(metrics,
		fmt.Sprintf("# HELP webserv_current_connections Current number of client connections\n"+
			"# TYPE webserv_current_connections gauge\n"+
			"webserv_current_connections %d", ms.CurrentConnections),

		fmt.Sprintf("# HELP webserv_total_requests Total number of served requests\n"+
			"# TYPE webserv_total_requests counter\n"+
			"webserv_total_requests %d", ms.TotalRequests),

		fmt.Sprintf("# HELP webserv_bytes_transferred Total number of response bytes sent\n"+
			"# TYPE webserv_bytes_transferred counter\n"+
			"webserv_bytes_transferred %d", ms.BytesTransferred),

		fmt.Sprintf("# HELP webserv_rejected_connections Connections refused with 503 at capacity\n"+
			"# TYPE webserv_rejected_connections counter\n"+
			"webserv_rejected_connections %d", ms.RejectedConnections),

		fmt.Sprintf("# HELP webserv_idle_evictions Connections closed by the idle timeout\n"+
			"# TYPE webserv_idle_evictions counter\n"+
			"webserv_idle_evictions %d", ms.IdleEvictions),

		fmt.Sprintf("# HELP webserv_cgi_executions Total number of CGI executions\n"+
			"# TYPE webserv_cgi_executions counter\n"+
			"webserv_cgi_executions %d", ms.CGIExecutions),

		fmt.Sprintf("# HELP webserv_cgi_timeouts CGI executions killed by the timeout\n"+
			"# TYPE webserv_cgi_timeouts counter\n"+
			"webserv_cgi_timeouts %d", ms.CGITimeouts),

		fmt.Sprintf("# HELP webserv_errors Total number of 5xx responses\n"+
			"# TYPE webserv_errors counter\n"+
			"webserv_errors %d", ms.Errors),
	)

	return strings.Join(metrics, "\n\n") + "\n"
}
