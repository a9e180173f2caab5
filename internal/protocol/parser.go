// 接続のバイト列を一度にひとつずつ domain.Request に変換する.
package protocol

import (
	"bytes"
	"strconv"
	"strings"

	"webserv/internal/domain"
)

const (
	DefaultMaxHeaderBytes = 16 * 1024
	DefaultMaxBodyBytes   = 10 * 1024 * 1024
)

// 行とヘッダ部の区切り.
var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Parser は接続バッファからリクエストを切り出す. 状態を持たない.
type Parser struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// NewParser は新しいParserインスタンスを作成.
func NewParser(maxHeaderBytes int, maxBodyBytes int64) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Parser{MaxHeaderBytes: maxHeaderBytes, MaxBodyBytes: maxBodyBytes}
}

// Parse は raw の先頭から一つのリクエストを読み取り, 消費したバイト数を返す.
// バイトが足りなければ ErrIncomplete, 不正なら *Error を返す.
// 返されるリクエストは raw を参照しない.
func (p *Parser) Parse(raw []byte) (*domain.Request, int, error) {
	end := bytes.Index(raw, crlfcrlf)
	if end == -1 {
		// リクエスト行だけで不正と分かる場合がある.
		if lf := bytes.IndexByte(raw, '\n'); lf != -1 {
			if _, _, _, err := parseRequestLine(raw[:lf+1]); err != nil {
				return nil, 0, err
			}
		}
		if len(raw) > p.MaxHeaderBytes {
			return nil, 0, badRequest("header section exceeds %d bytes", p.MaxHeaderBytes)
		}
		return nil, 0, ErrIncomplete
	}
	if end+len(crlfcrlf) > p.MaxHeaderBytes {
		return nil, 0, badRequest("header section exceeds %d bytes", p.MaxHeaderBytes)
	}

	head := raw[:end+len(crlf)]
	lf := bytes.Index(head, crlf)
	method, target, proto, err := parseRequestLine(head[:lf+len(crlf)])
	if err != nil {
		return nil, 0, err
	}

	req := &domain.Request{
		Method:   method,
		Target:   target,
		Protocol: proto,
	}
	req.Path, req.Query, _ = strings.Cut(target, "?")

	if err := parseHeaders(head[lf+len(crlf):], &req.Header); err != nil {
		return nil, 0, err
	}

	crs := end + len(crlfcrlf)
	body, n, err := p.parseBody(req, raw[crs:])
	if err != nil {
		return nil, 0, err
	}
	req.Body = body

	return req, crs + n, nil
}

// リクエスト行は "METHOD SP target SP HTTP/x.y CRLF".
func parseRequestLine(line []byte) (string, string, string, error) {
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", "", "", badRequest("request line not terminated by CRLF")
	}
	line = line[:len(line)-2]
	if len(line) == 0 {
		return "", "", "", badRequest("empty request line")
	}

	parts := bytes.Split(line, []byte{' '})
	if len(parts) != 3 {
		return "", "", "", badRequest("request line must have 3 tokens, got %d", len(parts))
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if len(method) == 0 || len(target) == 0 || len(proto) == 0 {
		return "", "", "", badRequest("empty token in request line")
	}

	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return "", "", "", badRequest("invalid method %q", method)
		}
	}
	if target[0] != '/' {
		return "", "", "", badRequest("request target must be origin-form: %q", target)
	}
	if !validProtocol(proto) {
		return "", "", "", badRequest("invalid protocol %q", proto)
	}

	return string(method), string(target), string(proto), nil
}

// HTTP/<数字>.<数字> の形式.
func validProtocol(p []byte) bool {
	if len(p) != 8 || !bytes.HasPrefix(p, []byte("HTTP/")) {
		return false
	}
	return isDigit(p[5]) && p[6] == '.' && isDigit(p[7])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ヘッダ行はそれぞれ CRLF で終わる.
func parseHeaders(block []byte, h *domain.Header) error {
	for len(block) > 0 {
		lf := bytes.Index(block, crlf)
		line := block[:lf]
		block = block[lf+len(crlf):]

		if line[0] == ' ' || line[0] == '\t' {
			return badRequest("obsolete line folding is not supported")
		}
		coloni := bytes.IndexByte(line, ':')
		if coloni <= 0 {
			return badRequest("invalid header line %q", line)
		}
		name := line[:coloni]
		for _, c := range name {
			if !isTokenChar(c) {
				return badRequest("invalid header name %q", name)
			}
		}
		val := bytes.Trim(line[coloni+1:], " \t")
		h.Add(string(name), string(val))
	}
	return nil
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', isDigit(c):
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// ボディの区切りは chunked, Content-Length, なしのいずれか.
func (p *Parser) parseBody(req *domain.Request, raw []byte) ([]byte, int, error) {
	if te := req.Header.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(strings.Join(te, ","), ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if last != "chunked" {
			return nil, 0, &Error{Status: 501, Reason: "unsupported transfer-encoding " + last}
		}
		req.Chunked = true
		return DecodeChunked(raw, p.MaxBodyBytes)
	}

	cl := req.Header.Values("Content-Length")
	if len(cl) == 0 {
		return nil, 0, nil
	}
	n, err := parseContentLength(cl)
	if err != nil {
		return nil, 0, err
	}
	if n > p.MaxBodyBytes {
		return nil, 0, &Error{Status: 413, Reason: "declared body exceeds " + strconv.FormatInt(p.MaxBodyBytes, 10) + " bytes"}
	}
	if int64(len(raw)) < n {
		return nil, 0, ErrIncomplete
	}

	body := make([]byte, n)
	copy(body, raw[:n])
	return body, int(n), nil
}

func parseContentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, badRequest("empty Content-Length")
		}
		for i := 0; i < len(v); i++ {
			if !isDigit(v[i]) {
				return 0, badRequest("non-numeric Content-Length %q", v)
			}
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, badRequest("Content-Length out of range %q", v)
		}
		if n != -1 && parsed != n {
			return 0, badRequest("conflicting Content-Length values")
		}
		n = parsed
	}
	return n, nil
}
