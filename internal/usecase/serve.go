package usecase

import (
	"context"
	"fmt"
	"html"
	"strings"

	"webserv/internal/domain"
	"webserv/internal/protocol"
)

// ServeUseCase はルーティング済みリクエストからレスポンスを生成する.
type ServeUseCase struct {
	static domain.StaticResponder
	cgi    domain.CGIGateway
	logger domain.Logger
}

// NewServeUseCase は新しいServeUseCaseインスタンスを作成
func NewServeUseCase(
	static domain.StaticResponder,
	cgi domain.CGIGateway,
	logger domain.Logger,
) *ServeUseCase {
	return &ServeUseCase{
		static: static,
		cgi:    cgi,
		logger: logger,
	}
}

// Serve はリクエストを処理する. CGIの場合はレスポンスの代わりに
// ループ外で実行する Deferred を返す.
//
// 判定順は ロケーション(404), ボディ上限(413), リダイレクト(301),
// メソッド(405), CGI, 静的ファイル.
func (uc *ServeUseCase) Serve(ctx context.Context, req *domain.Request) (*domain.Response, domain.Deferred) {
	loc := req.Location
	if loc == nil {
		return uc.Finish(req.Host, domain.NewResponse(404)), nil
	}

	if limit := req.Host.MaxBodySize; limit > 0 && int64(len(req.Body)) > limit {
		uc.logger.Debug("Request body exceeds client_max_body_size", map[string]interface{}{
			"request_id": req.ID,
			"size":       len(req.Body),
			"limit":      limit,
		})
		return uc.Finish(req.Host, domain.NewResponse(413)), nil
	}

	if loc.Redirect != "" {
		return redirect(loc.Redirect), nil
	}

	if !loc.Allows(req.Method) {
		resp := domain.NewResponse(405)
		resp.Header.Set("Allow", strings.Join(loc.Methods, ", "))
		return uc.Finish(req.Host, resp), nil
	}

	if loc.HandlesCGI(req.Path) {
		return nil, func() *domain.Response {
			return uc.Finish(req.Host, uc.cgi.Execute(ctx, req))
		}
	}

	var resp *domain.Response
	switch req.Method {
	case "GET":
		resp = uc.static.Get(req)
	case "POST":
		resp = uc.static.Post(req)
	case "DELETE":
		resp = uc.static.Delete(req)
	default:
		resp = domain.NewResponse(501)
	}
	return uc.Finish(req.Host, resp), nil
}

// Finish はボディの無いエラーレスポンスにエラーページを差し込む.
// host が nil の場合は組み込みのページを使う.
func (uc *ServeUseCase) Finish(host *domain.VirtualHost, resp *domain.Response) *domain.Response {
	if !resp.IsError() || len(resp.Body) > 0 {
		return resp
	}

	if host != nil {
		if page, ok := uc.static.ErrorPage(host, resp.StatusCode); ok {
			resp.Body = page
			resp.Header.Set("Content-Type", "text/html")
			return resp
		}
	}

	resp.Body = []byte(DefaultErrorPage(resp.StatusCode))
	resp.Header.Set("Content-Type", "text/html")
	return resp
}

// DefaultErrorPage は組み込みのエラーページHTMLを返す.
func DefaultErrorPage(status int) string {
	title := fmt.Sprintf("%d %s", status, protocol.ReasonPhrase(status))
	return "<html><head><title>" + title + "</title></head><body><h1>" + title + "</h1></body></html>"
}

func redirect(target string) *domain.Response {
	esc := html.EscapeString(target)
	resp := domain.HTMLResponse(301,
		"<html><head><title>301 Moved</title></head><body>"+
			"<h1>301 Moved Permanently</h1>"+
			"<p>Redirecting to <a href=\""+esc+"\">"+esc+"</a></p></body></html>")
	resp.Header.Set("Location", target)
	return resp
}
