package handler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"webserv/internal/domain"
	"webserv/internal/usecase"
)

// RequestHandler はパース済みリクエストに接続単位のポリシーを適用し,
// ServeUseCase に処理を渡す. イベントループのゴルーチンから呼ばれる.
type RequestHandler struct {
	router      *usecase.Router
	serve       *usecase.ServeUseCase
	metrics     domain.MetricsCollector
	logger      domain.Logger
	maxRequests int
}

// NewRequestHandler は新しいRequestHandlerインスタンスを作成
func NewRequestHandler(
	router *usecase.Router,
	serve *usecase.ServeUseCase,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	maxRequests int,
) *RequestHandler {
	return &RequestHandler{
		router:      router,
		serve:       serve,
		metrics:     metrics,
		logger:      logger,
		maxRequests: maxRequests,
	}
}

// Serve はリクエストを処理する. CGI の場合は Deferred を返し,
// その中身はワーカーのゴルーチンで実行される.
// 返すエラーは仮想ホストが解決できない設定の不整合のみ.
func (h *RequestHandler) Serve(
	ctx context.Context, conn *domain.Connection, req *domain.Request,
) (*domain.Response, domain.Deferred, error) {
	req.ID = uuid.NewString()
	req.RemoteAddr = conn.PeerAddr
	req.RemotePort = conn.PeerPort
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	conn.Served++

	if req.Protocol != "HTTP/1.1" {
		conn.PendingClose = true
		return h.finish(req, h.serve.Finish(h.router.DefaultHost(conn.Listen), domain.NewResponse(505)), false), nil, nil
	}

	if !req.Header.Has("Host") {
		conn.PendingClose = true
		return h.finish(req, h.serve.Finish(h.router.DefaultHost(conn.Listen), domain.NewResponse(400)), false), nil, nil
	}

	if err := h.router.Route(conn.Listen, req); err != nil {
		return nil, nil, err
	}

	keepAlive := h.keepAlive(conn, req)
	conn.PendingClose = !keepAlive

	resp, deferred := h.serve.Serve(ctx, req)
	if deferred != nil {
		// ワーカー側では conn に触れない
		return nil, func() *domain.Response {
			return h.finish(req, deferred(), keepAlive)
		}, nil
	}
	return h.finish(req, resp, keepAlive), nil, nil
}

// Reject はリクエストとして扱えない入力に返すレスポンスを作る.
// パースエラーと接続数超過で使い, 常に接続を閉じる.
func (h *RequestHandler) Reject(listen string, status int) *domain.Response {
	resp := h.serve.Finish(h.router.DefaultHost(listen), domain.NewResponse(status))
	resp.Header.Set("Connection", "close")
	if status >= 500 {
		h.metrics.RecordError()
	}
	h.logger.Info("Request rejected", map[string]interface{}{
		"listen": listen,
		"status": status,
	})
	return resp
}

// keepAlive は Connection ヘッダ, プロトコルの既定値, 処理済み件数から
// 応答後に接続を維持するかを決める.
func (h *RequestHandler) keepAlive(conn *domain.Connection, req *domain.Request) bool {
	if h.maxRequests > 0 && conn.Served > h.maxRequests {
		h.logger.Debug("Request limit reached", map[string]interface{}{
			"request_id": req.ID,
			"served":     conn.Served,
			"limit":      h.maxRequests,
		})
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "close") {
				return false
			}
		}
	}
	return true
}

// finish は Connection ヘッダを付け, アクセスログとメトリクスを記録する.
func (h *RequestHandler) finish(req *domain.Request, resp *domain.Response, keepAlive bool) *domain.Response {
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}

	elapsed := time.Since(req.ReceivedAt)
	h.metrics.RecordRequest(resp.StatusCode, elapsed)
	if resp.StatusCode >= 500 {
		h.metrics.RecordError()
	}

	fields := map[string]interface{}{
		"request_id": req.ID,
		"peer":       req.RemoteAddr,
		"method":     req.Method,
		"path":       req.Path,
		"status":     resp.StatusCode,
		"bytes":      len(resp.Body),
		"duration":   elapsed.String(),
	}
	if req.Host != nil {
		fields["server_name"] = req.Host.ServerName
	}
	h.logger.Info("Request served", fields)
	return resp
}
