package domain

import (
	"strings"
	"time"
)

// HeaderField はヘッダの1行.
type HeaderField struct {
	Name  string
	Value string
}

// Header は大文字小文字を区別しない名前で引くヘッダのマルチマップ.
// 受信した順序と表記を保持する.
type Header []HeaderField

// Get は最初に一致した値を返す.
func (h Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup は値と存在有無を返す.
func (h Header) Lookup(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values は一致する全ての値を返す.
func (h Header) Values(name string) []string {
	var vs []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Has はヘッダが存在するかを判定.
func (h Header) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Add は値を追加する.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set は既存の値を置き換える.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del は一致する全ての値を削除する.
func (h *Header) Del(name string) {
	kept := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Request はパース済みのHTTPリクエストを表す.
// Host と Location はルーティング後に設定され, 不変の設定テーブルを参照する.
type Request struct {
	ID       string
	Method   string
	Target   string
	Path     string
	Query    string
	Protocol string
	Header   Header
	Body     []byte
	Chunked  bool

	Host     *VirtualHost
	Location *Location

	RemoteAddr string
	RemotePort int
	ReceivedAt time.Time
}

// Response はHTTPレスポンスを表す.
// Content-Length はシリアライズ時に Body から算出される.
type Response struct {
	StatusCode int
	Header     Header
	Body       []byte
}

// NewResponse はステータスのみのレスポンスを作成.
func NewResponse(status int) *Response {
	return &Response{StatusCode: status}
}

// HTMLResponse はHTMLボディのレスポンスを作成.
func HTMLResponse(status int, body string) *Response {
	resp := &Response{StatusCode: status, Body: []byte(body)}
	resp.Header.Set("Content-Type", "text/html")
	return resp
}

// TextResponse はテキストボディのレスポンスを作成.
func TextResponse(status int, body string) *Response {
	resp := &Response{StatusCode: status, Body: []byte(body)}
	resp.Header.Set("Content-Type", "text/plain")
	return resp
}

// IsError はエラーステータスかを判定.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// Deferred はイベントループの外で実行される処理. CGIで使う.
type Deferred func() *Response
