package cgi

import (
	"bytes"
	"strconv"
	"strings"

	"webserv/internal/domain"
)

// ParseOutput はCGIの標準出力をレスポンスに変換する.
// ヘッダと本文は空行で区切られ, 各ヘッダ行は最初のコロンで分割する.
// Status ヘッダはステータスを上書きし, Status の無い Location は 302 になる.
// 区切りが無ければ出力全体を本文として扱う.
func ParseOutput(out []byte) *domain.Response {
	resp := &domain.Response{StatusCode: 200}

	head, body, ok := splitHead(out)
	if !ok {
		resp.Body = out
		resp.Header.Set("Content-Type", "text/html")
		return resp
	}
	resp.Body = body

	hasStatus := false
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if strings.EqualFold(name, "Status") {
			code, _, _ := strings.Cut(value, " ")
			if n, err := strconv.Atoi(code); err == nil && n >= 100 && n <= 999 {
				resp.StatusCode = n
				hasStatus = true
			}
			continue
		}
		resp.Header.Add(name, value)
	}

	if !hasStatus && resp.Header.Has("Location") {
		resp.StatusCode = 302
	}
	if !resp.Header.Has("Content-Type") {
		resp.Header.Set("Content-Type", "text/html")
	}
	return resp
}

// splitHead は最初の空行 (CRLF または LF) で分割する.
func splitHead(out []byte) ([]byte, []byte, bool) {
	crlf := bytes.Index(out, []byte("\r\n\r\n"))
	lf := bytes.Index(out, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return out[:crlf], out[crlf+4:], true
	case lf >= 0:
		return out[:lf], out[lf+2:], true
	}
	return nil, nil, false
}
