package cgi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webserv/internal/domain"
)

const (
	DefaultTimeout = 5 * time.Second

	// kill 後にパイプが閉じるのを待つ上限
	waitDelay = time.Second
)

// Repository はCGIゲートウェイのリポジトリ実装.
// 子プロセスの起動・待機は呼び出し元のゴルーチンで行う.
type Repository struct {
	uploads domain.UploadStore
	metrics domain.MetricsCollector
	logger  domain.Logger
	tracer  trace.Tracer
	timeout time.Duration
}

// Verify interface implementation
var _ domain.CGIGateway = (*Repository)(nil)

// Config はCGIゲートウェイの設定.
type Config struct {
	Timeout time.Duration
	// Tracer が nil ならグローバルのプロバイダから取得する.
	Tracer trace.Tracer
}

// New は新しいRepositoryインスタンスを作成
func New(
	uploads domain.UploadStore,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config Config,
) *Repository {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer("webserv/cgi")
	}

	return &Repository{
		uploads: uploads,
		metrics: metrics,
		logger:  logger,
		tracer:  config.Tracer,
		timeout: config.Timeout,
	}
}

// Execute はロケーションのインタプリタでスクリプトを実行し, 出力をレスポンスに変換する.
// 失敗はすべて 500 と診断用のボディで返す.
func (r *Repository) Execute(ctx context.Context, req *domain.Request) *domain.Response {
	loc := req.Location
	script, err := filepath.Abs(filepath.Join(loc.Root, filepath.FromSlash(path.Clean("/"+req.Path))))
	if err != nil {
		return r.failed(req, &domain.ErrGateway{Script: req.Path, Err: err})
	}

	info, err := os.Stat(script)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewResponse(404)
		}
		return r.failed(req, &domain.ErrGateway{Script: script, Err: err})
	}
	if info.IsDir() {
		return domain.NewResponse(403)
	}

	if req.Method == "POST" && loc.UploadDir != "" {
		r.saveUploads(req)
	}

	ctx, span := r.tracer.Start(ctx, "cgi.execute", trace.WithAttributes(
		attribute.String("cgi.interpreter", loc.CGIPath),
		attribute.String("cgi.script", script),
		attribute.String("http.request.method", req.Method),
		attribute.Int("cgi.stdin.size", len(req.Body)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, loc.CGIPath, script)
	cmd.Env = BuildEnv(req, script)
	cmd.Dir = filepath.Dir(script)
	cmd.Stdin = bytes.NewReader(req.Body)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		terr := &domain.ErrTimeout{Script: script, After: r.timeout}
		span.RecordError(terr)
		span.SetStatus(codes.Error, "timeout")
		r.metrics.RecordCGI(elapsed, true)
		r.logger.Error("CGI script timed out", terr, map[string]interface{}{
			"request_id": req.ID,
			"elapsed":    elapsed.String(),
		})
		return domain.TextResponse(500, "CGI execution failed: CGI script timed out")
	}
	r.metrics.RecordCGI(elapsed, false)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			span.SetAttributes(attribute.Int("process.exit.code", exitErr.ExitCode()))
			r.logger.Error("CGI script failed", &domain.ErrGateway{Script: script, Err: err}, map[string]interface{}{
				"request_id": req.ID,
				"stderr":     stderr.String(),
			})
			msg := stderr.String()
			if msg == "" {
				msg = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			}
			return domain.TextResponse(500, "CGI execution failed: "+msg)
		}
		return r.failed(req, &domain.ErrGateway{Script: script, Err: err})
	}

	resp := ParseOutput(stdout.Bytes())
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	r.logger.Debug("CGI script executed", map[string]interface{}{
		"request_id": req.ID,
		"script":     script,
		"elapsed":    elapsed.String(),
		"status":     resp.StatusCode,
	})
	return resp
}

func (r *Repository) failed(req *domain.Request, err error) *domain.Response {
	r.logger.Error("CGI execution failed", err, map[string]interface{}{
		"request_id": req.ID,
	})
	return domain.TextResponse(500, "CGI execution failed: "+err.Error())
}

// saveUploads は multipart のファイルパートをスクリプト実行前に保存する.
// 失敗はログに残すだけでスクリプトは実行する.
func (r *Repository) saveUploads(req *domain.Request) {
	ct := req.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "multipart/form-data" {
		return
	}
	if _, err := r.uploads.SaveMultipart(req.Location.UploadDir, ct, req.Body); err != nil {
		r.logger.Warn("Multipart upload aborted", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
}
