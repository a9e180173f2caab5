package static

import (
	"errors"
	"html"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"webserv/internal/domain"
)

// Repository はロケーションのドキュメントルート配下のファイルを扱う.
// エラー時はボディを空で返す.
type Repository struct {
	uploads domain.UploadStore
	logger  domain.Logger
}

// Verify interface implementation
var _ domain.StaticResponder = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(uploads domain.UploadStore, logger domain.Logger) *Repository {
	return &Repository{
		uploads: uploads,
		logger:  logger,
	}
}

// Get はファイルまたはディレクトリを返す.
// ディレクトリはインデックスファイル, 自動インデックス, 403 の順に試す.
func (r *Repository) Get(req *domain.Request) *domain.Response {
	urlPath, fsPath, ok := resolve(req)
	if !ok {
		return domain.NewResponse(400)
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		return r.fail(req, fsPath, err)
	}

	if info.IsDir() {
		if index := req.Location.Index; index != "" {
			indexPath := filepath.Join(fsPath, filepath.FromSlash(index))
			if ii, err := os.Stat(indexPath); err == nil && ii.Mode().IsRegular() {
				return r.serveFile(req, indexPath, ii)
			}
		}
		if req.Location.Autoindex {
			return r.listDir(req, urlPath, fsPath)
		}
		r.logger.Debug("Directory listing disabled", map[string]interface{}{
			"request_id": req.ID,
			"path":       fsPath,
		})
		return domain.NewResponse(403)
	}

	if !info.Mode().IsRegular() {
		return domain.NewResponse(403)
	}
	return r.serveFile(req, fsPath, info)
}

func (r *Repository) serveFile(req *domain.Request, fsPath string, info fs.FileInfo) *domain.Response {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return r.fail(req, fsPath, err)
	}

	resp := &domain.Response{StatusCode: 200, Body: data}
	resp.Header.Set("Content-Type", contentType(fsPath))
	resp.Header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	return resp
}

// listDir はディレクトリの一覧をHTMLで返す. エントリは名前順で, ディレクトリには '/' を付ける.
func (r *Repository) listDir(req *domain.Request, urlPath, fsPath string) *domain.Response {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return r.fail(req, fsPath, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	base := urlPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	title := html.EscapeString(urlPath)

	var b strings.Builder
	b.WriteString("<html><head><title>Index of " + title + "</title></head><body>\n")
	b.WriteString("<h1>Index of " + title + "</h1>\n<ul>\n")
	if urlPath != "/" {
		parent := path.Dir(strings.TrimSuffix(urlPath, "/"))
		if parent != "/" {
			parent += "/"
		}
		b.WriteString("<li><a href=\"" + html.EscapeString(parent) + "\">[Parent Directory]</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		href := base + (&url.URL{Path: name}).EscapedPath()
		b.WriteString("<li><a href=\"" + html.EscapeString(href) + "\">" + html.EscapeString(name) + "</a></li>\n")
	}
	b.WriteString("</ul>\n</body></html>\n")

	return domain.HTMLResponse(200, b.String())
}

// Post は multipart/form-data をアップロードディレクトリに保存し,
// それ以外のボディは解決したパスに書き込む.
func (r *Repository) Post(req *domain.Request) *domain.Response {
	urlPath, fsPath, ok := resolve(req)
	if !ok {
		return domain.NewResponse(400)
	}

	ct := req.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "multipart/form-data" {
		return r.saveMultipart(req, ct, fsPath)
	}

	if strings.HasSuffix(req.Path, "/") {
		return domain.NewResponse(403)
	}
	if info, err := os.Stat(fsPath); err == nil && info.IsDir() {
		return domain.NewResponse(403)
	}

	if _, err := r.uploads.Save(filepath.Dir(fsPath), filepath.Base(fsPath), req.Body); err != nil {
		return r.fail(req, fsPath, err)
	}

	r.logger.Info("POST body stored", map[string]interface{}{
		"request_id": req.ID,
		"path":       fsPath,
		"size":       len(req.Body),
	})
	return domain.HTMLResponse(201,
		"<html><body>\n<h1>POST Received</h1>\n<br>\n<p>Path: "+html.EscapeString(urlPath)+"</p>\n</body></html>")
}

func (r *Repository) saveMultipart(req *domain.Request, contentType, fsPath string) *domain.Response {
	dir := req.Location.UploadDir
	if dir == "" {
		info, err := os.Stat(fsPath)
		if err != nil || !info.IsDir() {
			return domain.NewResponse(403)
		}
		dir = fsPath
	}

	saved, err := r.uploads.SaveMultipart(dir, contentType, req.Body)
	if err != nil {
		r.logger.Warn("Rejected multipart upload", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return domain.NewResponse(400)
	}

	var b strings.Builder
	b.WriteString("<html><body>\n<h1>Upload Complete</h1>\n<ul>\n")
	for _, p := range saved {
		b.WriteString("<li>" + html.EscapeString(filepath.Base(p)) + "</li>\n")
	}
	b.WriteString("</ul>\n</body></html>")
	return domain.HTMLResponse(201, b.String())
}

// Delete は解決したファイルを削除する. ディレクトリは削除しない.
func (r *Repository) Delete(req *domain.Request) *domain.Response {
	urlPath, fsPath, ok := resolve(req)
	if !ok {
		return domain.NewResponse(400)
	}

	info, err := os.Lstat(fsPath)
	if err != nil {
		return r.fail(req, fsPath, err)
	}
	if info.IsDir() {
		return domain.NewResponse(403)
	}

	if err := os.Remove(fsPath); err != nil {
		return r.fail(req, fsPath, err)
	}

	r.logger.Info("File deleted", map[string]interface{}{
		"request_id": req.ID,
		"path":       fsPath,
	})
	return domain.HTMLResponse(200,
		"<html><body><h1>File Deleted</h1><p>Deleted: "+html.EscapeString(urlPath)+"</p></body></html>")
}

// ErrorPage はホストに設定されたカスタムエラーページを読み込む.
func (r *Repository) ErrorPage(host *domain.VirtualHost, status int) ([]byte, bool) {
	p, ok := host.ErrorPage(status)
	if !ok {
		return nil, false
	}

	fsPath := filepath.Join(host.Root, filepath.FromSlash(path.Clean("/"+p)))
	data, err := os.ReadFile(fsPath)
	if err != nil {
		r.logger.Warn("Custom error page unavailable", map[string]interface{}{
			"status": status,
			"path":   fsPath,
			"error":  err.Error(),
		})
		return nil, false
	}
	return data, true
}

// fail はファイルシステムのエラーをステータスに変換する.
func (r *Repository) fail(req *domain.Request, fsPath string, err error) *domain.Response {
	status := statusFor(err)
	fields := map[string]interface{}{
		"request_id": req.ID,
		"path":       fsPath,
		"status":     status,
	}
	if status == 500 {
		r.logger.Error("Filesystem error", err, fields)
	} else {
		r.logger.Debug("Filesystem lookup failed", fields)
	}
	return domain.NewResponse(status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return 404
	case errors.Is(err, fs.ErrPermission):
		return 403
	}
	return 500
}

// resolve はリクエストパスをデコード・正規化し, ロケーションのルート配下の
// パスに変換する. 正規化でルートの外には出られない.
func resolve(req *domain.Request) (string, string, bool) {
	decoded, err := url.PathUnescape(req.Path)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return "", "", false
	}

	urlPath := path.Clean("/" + decoded)
	if strings.HasSuffix(decoded, "/") && urlPath != "/" {
		urlPath += "/"
	}
	return urlPath, filepath.Join(req.Location.Root, filepath.FromSlash(urlPath)), true
}
