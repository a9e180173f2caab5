package protocol

import (
	"bytes"
	"strconv"
)

// maxChunkLine は拡張を含むチャンクサイズ行の上限.
const maxChunkLine = 1024

// DecodeChunked は raw の先頭からchunked形式のボディを復号し,
// 連結したペイロードと消費したバイト数を返す.
// サイズ0のチャンクと末尾のトレーラを読み終えるまでは ErrIncomplete.
func DecodeChunked(raw []byte, limit int64) ([]byte, int, error) {
	body := make([]byte, 0)
	pos := 0

	for {
		lineEnd := bytes.Index(raw[pos:], crlf)
		if lineEnd == -1 {
			if len(raw)-pos > maxChunkLine {
				return nil, 0, badRequest("chunk size line too long")
			}
			return nil, 0, ErrIncomplete
		}
		if lineEnd > maxChunkLine {
			return nil, 0, badRequest("chunk size line too long")
		}

		size, err := parseChunkSize(raw[pos : pos+lineEnd])
		if err != nil {
			return nil, 0, err
		}
		pos += lineEnd + len(crlf)

		if size == 0 {
			// トレーラは空行で終わる.
			for {
				te := bytes.Index(raw[pos:], crlf)
				if te == -1 {
					return nil, 0, ErrIncomplete
				}
				pos += te + len(crlf)
				if te == 0 {
					return body, pos, nil
				}
			}
		}

		// 加算はオーバーフローし得るので残り容量と比較する.
		if size > limit-int64(len(body)) {
			return nil, 0, &Error{Status: 413, Reason: "chunked body exceeds " + strconv.FormatInt(limit, 10) + " bytes"}
		}
		if int64(len(raw)-pos-len(crlf)) < size {
			return nil, 0, ErrIncomplete
		}

		body = append(body, raw[pos:pos+int(size)]...)
		pos += int(size)
		if raw[pos] != '\r' || raw[pos+1] != '\n' {
			return nil, 0, badRequest("chunk data not followed by CRLF")
		}
		pos += len(crlf)
	}
}

// parseChunkSize は16進のサイズを読む. ";ext" は無視する.
func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = bytes.Trim(line, " \t")
	if len(line) == 0 {
		return 0, badRequest("empty chunk size")
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, badRequest("invalid chunk size %q", line)
	}
	return size, nil
}
