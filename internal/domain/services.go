package domain

import "context"

// StaticResponder はロケーション配下のファイルを扱う.
// エラー時はボディを空のまま返し, エラーページの差し込みは呼び出し側が行う.
type StaticResponder interface {
	Get(req *Request) *Response
	Post(req *Request) *Response
	Delete(req *Request) *Response
	ErrorPage(host *VirtualHost, status int) ([]byte, bool)
}

// CGIGateway は外部インタプリタでリクエストを処理する.
type CGIGateway interface {
	Execute(ctx context.Context, req *Request) *Response
}

// UploadStore はアップロードされたファイルを保存する.
type UploadStore interface {
	Save(dir, filename string, data []byte) (string, error)
	SaveMultipart(dir, contentType string, body []byte) ([]string, error)
}
