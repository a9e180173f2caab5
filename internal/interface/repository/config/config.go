package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"webserv/internal/domain"
)

// 既定値
const (
	defaultHost        = "0.0.0.0"
	defaultPort        = 8080
	defaultRoot        = "www"
	defaultIndex       = "index.html"
	defaultMaxBodySize = 1000000
)

type fileConfig struct {
	Servers   []serverConfig  `yaml:"servers"`
	Limits    limitsConfig    `yaml:"limits"`
	Log       logConfig       `yaml:"log"`
	Metrics   metricsConfig   `yaml:"metrics"`
	Telemetry telemetryConfig `yaml:"telemetry"`
}

type serverConfig struct {
	Host              string           `yaml:"host"`
	Port              *int             `yaml:"port"`
	ServerName        string           `yaml:"server_name"`
	Root              string           `yaml:"root"`
	Index             string           `yaml:"index"`
	ClientMaxBodySize int64            `yaml:"client_max_body_size"`
	ErrorPages        map[int]string   `yaml:"error_pages,omitempty"`
	Locations         []locationConfig `yaml:"locations"`
}

type locationConfig struct {
	Path         string   `yaml:"path"`
	Root         string   `yaml:"root,omitempty"`
	Index        string   `yaml:"index,omitempty"`
	Autoindex    bool     `yaml:"autoindex"`
	AllowMethods []string `yaml:"allow_methods"`
	Redirect     string   `yaml:"redirect,omitempty"`
	CGIPath      string   `yaml:"cgi_path,omitempty"`
	CGIExt       string   `yaml:"cgi_ext,omitempty"`
	UploadDir    string   `yaml:"upload_dir,omitempty"`
}

type limitsConfig struct {
	MaxClients               int           `yaml:"max_clients"`
	MaxRequestsPerConnection int           `yaml:"max_requests_per_connection"`
	IdleTimeout              time.Duration `yaml:"idle_timeout"`
	PollTimeout              time.Duration `yaml:"poll_timeout"`
	CGITimeout               time.Duration `yaml:"cgi_timeout"`
	MaxHeaderBytes           int           `yaml:"max_header_bytes"`
	MaxBodyBytes             int64         `yaml:"max_body_bytes"`
}

type logConfig struct {
	Dir    string `yaml:"dir"`
	File   string `yaml:"file"`
	Level  string `yaml:"level"`
	Stderr bool   `yaml:"stderr"`
}

type metricsConfig struct {
	Addr         string        `yaml:"addr"`
	File         string        `yaml:"file"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

type telemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load は設定ファイルを読み込む. ファイルが無ければ既定の設定を書き出して使う.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return nil, err
	}

	return Parse(data)
}

// Parse はYAMLを検証済みの設定に変換する.
func Parse(data []byte) (*domain.Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg, err := fc.prepare()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func createDefaultConfig(path string) (*domain.Config, error) {
	fc := defaultFileConfig()

	data, err := yaml.Marshal(fc)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return fc.prepare()
}

func defaultFileConfig() *fileConfig {
	port := defaultPort
	limits := domain.DefaultLimits()
	return &fileConfig{
		Servers: []serverConfig{{
			Host:              defaultHost,
			Port:              &port,
			ServerName:        "localhost",
			Root:              defaultRoot,
			Index:             defaultIndex,
			ClientMaxBodySize: defaultMaxBodySize,
			Locations: []locationConfig{
				{Path: "/", AllowMethods: []string{"GET"}},
				{Path: "/uploads", AllowMethods: []string{"GET", "POST", "DELETE"}, Autoindex: true, UploadDir: defaultRoot + "/uploads"},
			},
		}},
		Limits: limitsConfig{
			MaxClients:               limits.MaxClients,
			MaxRequestsPerConnection: limits.MaxRequestsPerConnection,
			IdleTimeout:              limits.IdleTimeout,
			PollTimeout:              limits.PollTimeout,
			CGITimeout:               limits.CGITimeout,
			MaxHeaderBytes:           limits.MaxHeaderBytes,
			MaxBodyBytes:             limits.MaxBodyBytes,
		},
		Log: logConfig{
			Dir:   "logs",
			File:  "webserv.log",
			Level: "info",
		},
		Metrics: metricsConfig{
			Addr:         "127.0.0.1:9090",
			File:         "metrics.json",
			SaveInterval: time.Minute,
		},
		Telemetry: telemetryConfig{
			ServiceName: "webserv",
		},
	}
}

// prepare は設定データを正規化・検証する
func (c *fileConfig) prepare() (*domain.Config, error) {
	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("at least one server is required")
	}

	cfg := &domain.Config{
		Limits: c.Limits.prepare(),
		Log: domain.LogConfig{
			Dir:    c.Log.Dir,
			File:   c.Log.File,
			Level:  c.Log.Level,
			Stderr: c.Log.Stderr,
		},
		Metrics: domain.MetricsConfig{
			Addr:         c.Metrics.Addr,
			File:         c.Metrics.File,
			SaveInterval: c.Metrics.SaveInterval,
		},
		Telemetry: domain.TelemetryConfig{
			OTLPEndpoint: c.Telemetry.OTLPEndpoint,
			ServiceName:  c.Telemetry.ServiceName,
		},
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = "logs"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "webserv.log"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "webserv"
	}

	names := make(map[string]bool)
	for i, sc := range c.Servers {
		vh, err := sc.prepare()
		if err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		if vh.ServerName != "" {
			key := vh.ListenKey() + "/" + vh.ServerName
			if names[key] {
				return nil, fmt.Errorf("servers[%d]: duplicate server_name %q on %s", i, vh.ServerName, vh.ListenKey())
			}
			names[key] = true
		}
		cfg.Servers = append(cfg.Servers, vh)
	}

	return cfg, nil
}

func (l limitsConfig) prepare() domain.Limits {
	limits := domain.DefaultLimits()
	if l.MaxClients > 0 {
		limits.MaxClients = l.MaxClients
	}
	if l.MaxRequestsPerConnection > 0 {
		limits.MaxRequestsPerConnection = l.MaxRequestsPerConnection
	}
	if l.IdleTimeout > 0 {
		limits.IdleTimeout = l.IdleTimeout
	}
	if l.PollTimeout > 0 {
		limits.PollTimeout = l.PollTimeout
	}
	if l.CGITimeout > 0 {
		limits.CGITimeout = l.CGITimeout
	}
	if l.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = l.MaxHeaderBytes
	}
	if l.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = l.MaxBodyBytes
	}
	return limits
}

func (s serverConfig) prepare() (*domain.VirtualHost, error) {
	vh := &domain.VirtualHost{
		Host:        strings.TrimSpace(s.Host),
		Port:        defaultPort,
		ServerName:  strings.TrimSpace(s.ServerName),
		Root:        strings.TrimRight(s.Root, "/"),
		Index:       strings.TrimLeft(s.Index, "/"),
		MaxBodySize: s.ClientMaxBodySize,
		ErrorPages:  make(map[int]string),
	}
	if s.Port != nil {
		vh.Port = *s.Port
	}
	if vh.Host == "" {
		vh.Host = defaultHost
	}
	if vh.Root == "" {
		vh.Root = defaultRoot
	}
	if vh.Index == "" {
		vh.Index = defaultIndex
	}
	if vh.MaxBodySize == 0 {
		vh.MaxBodySize = defaultMaxBodySize
	}

	if vh.Port < 0 || vh.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", vh.Port)
	}
	if vh.MaxBodySize < 0 {
		return nil, fmt.Errorf("client_max_body_size must not be negative")
	}
	for code, page := range s.ErrorPages {
		if code < 400 || code > 599 {
			return nil, fmt.Errorf("error_pages: %d is not an error status", code)
		}
		vh.ErrorPages[code] = page
	}

	seen := make(map[string]bool)
	for i, lc := range s.Locations {
		loc, err := lc.prepare(vh)
		if err != nil {
			return nil, fmt.Errorf("locations[%d]: %w", i, err)
		}
		if seen[loc.Path] {
			return nil, fmt.Errorf("locations[%d]: duplicate path %q", i, loc.Path)
		}
		seen[loc.Path] = true
		vh.Locations = append(vh.Locations, loc)
	}

	return vh, nil
}

func (l locationConfig) prepare(vh *domain.VirtualHost) (*domain.Location, error) {
	loc := &domain.Location{
		Path:      strings.TrimSpace(l.Path),
		Root:      strings.TrimRight(l.Root, "/"),
		Index:     strings.TrimLeft(l.Index, "/"),
		Autoindex: l.Autoindex,
		Redirect:  strings.TrimSpace(l.Redirect),
		CGIPath:   strings.TrimSpace(l.CGIPath),
		CGIExt:    strings.TrimSpace(l.CGIExt),
		UploadDir: strings.TrimSpace(l.UploadDir),
	}
	if !strings.HasPrefix(loc.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", loc.Path)
	}
	if loc.Root == "" {
		loc.Root = vh.Root
	}
	if loc.Index == "" {
		loc.Index = vh.Index
	}

	for _, m := range l.AllowMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || strings.IndexFunc(m, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
			return nil, fmt.Errorf("invalid method %q", m)
		}
		loc.Methods = append(loc.Methods, m)
	}
	if len(loc.Methods) == 0 {
		loc.Methods = []string{"GET"}
	}

	if (loc.CGIPath == "") != (loc.CGIExt == "") {
		return nil, fmt.Errorf("cgi_path and cgi_ext must be set together")
	}
	if loc.CGIExt != "" && !strings.HasPrefix(loc.CGIExt, ".") {
		loc.CGIExt = "." + loc.CGIExt
	}

	return loc, nil
}
