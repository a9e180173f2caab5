package protocol

import (
	"strconv"
	"strings"

	"webserv/internal/domain"
)

var protoPrefix = []byte("HTTP/1.1 ")

// Serialize はレスポンスをワイヤ形式に変換する.
// Content-Length は常に Body の長さから付け直す.
func Serialize(resp *domain.Response) []byte {
	code := resp.StatusCode
	if code < 100 || code > 999 {
		code = 500
	}
	reason := ReasonPhrase(code)

	size := len(protoPrefix) + 3 + 1 + len(reason) + 2 + 40 + len(resp.Body)
	for _, h := range resp.Header {
		size += len(h.Name) + 2 + len(h.Value) + 2
	}

	dst := make([]byte, 0, size)
	dst = append(dst, protoPrefix...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, crlf...)

	for _, h := range resp.Header {
		if strings.EqualFold(h.Name, "Content-Length") || strings.EqualFold(h.Name, "Transfer-Encoding") {
			continue
		}
		dst = append(dst, h.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, h.Value...)
		dst = append(dst, crlf...)
	}

	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(resp.Body)), 10)
	dst = append(dst, crlfcrlf...)
	dst = append(dst, resp.Body...)
	return dst
}
