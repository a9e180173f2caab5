package domain

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Config は起動時に一度だけ構築され、プロセスの生存期間中は変更されない設定全体.
type Config struct {
	Servers   []*VirtualHost
	Limits    Limits
	Log       LogConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

// Limits は接続・CGIに関する運用上の上限値.
type Limits struct {
	MaxClients               int
	MaxRequestsPerConnection int
	IdleTimeout              time.Duration
	PollTimeout              time.Duration
	CGITimeout               time.Duration
	MaxHeaderBytes           int
	MaxBodyBytes             int64
}

// DefaultLimits はデフォルトの上限値を返す.
func DefaultLimits() Limits {
	return Limits{
		MaxClients:               1024,
		MaxRequestsPerConnection: 100,
		IdleTimeout:              30 * time.Second,
		PollTimeout:              5 * time.Second,
		CGITimeout:               5 * time.Second,
		MaxHeaderBytes:           16 * 1024,
		MaxBodyBytes:             10 * 1024 * 1024,
	}
}

// LogConfig はロガーの出力先設定.
type LogConfig struct {
	Dir    string
	File   string
	Level  string
	Stderr bool
}

// MetricsConfig はメトリクス用サイドポートの設定.
type MetricsConfig struct {
	Addr         string
	File         string
	SaveInterval time.Duration
}

// TelemetryConfig はOpenTelemetryエクスポートの設定.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// VirtualHost はひとつのserverブロックを表す.
type VirtualHost struct {
	Host        string
	Port        int
	ServerName  string
	Root        string
	Index       string
	MaxBodySize int64
	ErrorPages  map[int]string
	Locations   []*Location
}

// ListenKey は待ち受けソケットを識別する "host:port" を返す.
func (h *VirtualHost) ListenKey() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// ErrorPage は指定ステータスのカスタムエラーページのパスを返す.
func (h *VirtualHost) ErrorPage(status int) (string, bool) {
	p, ok := h.ErrorPages[status]
	return p, ok && p != ""
}

// Location はパスプレフィックスに対するルール.
type Location struct {
	Path      string
	Root      string
	Index     string
	Autoindex bool
	Methods   []string
	Redirect  string
	CGIPath   string
	CGIExt    string
	UploadDir string
}

// Allows はメソッドが許可されているかを判定.
func (l *Location) Allows(method string) bool {
	for _, m := range l.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// HandlesCGI はリクエストパスの拡張子がCGIの対象かを判定.
func (l *Location) HandlesCGI(path string) bool {
	if l.CGIPath == "" || l.CGIExt == "" {
		return false
	}
	slash := strings.LastIndexByte(path, '/')
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot < slash {
		return false
	}
	return path[dot:] == l.CGIExt
}
