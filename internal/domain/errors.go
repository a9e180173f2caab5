package domain

import (
	"fmt"
	"time"
)

// ErrNoVirtualHost は待ち受けソケットに対応する設定が無い (不変条件の違反).
type ErrNoVirtualHost struct {
	Listen string
}

func (e *ErrNoVirtualHost) Error() string {
	return fmt.Sprintf("no virtual host configured for %s", e.Listen)
}

// ErrGateway はCGIプロセスの起動・実行失敗.
type ErrGateway struct {
	Script string
	Err    error
}

func (e *ErrGateway) Error() string {
	return fmt.Sprintf("cgi gateway failed for %s: %v", e.Script, e.Err)
}

func (e *ErrGateway) Unwrap() error {
	return e.Err
}

// ErrTimeout はCGIスクリプトのタイムアウト.
type ErrTimeout struct {
	Script string
	After  time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("cgi script %s timed out after %s", e.Script, e.After)
}

// ErrUpload はmultipartパートの保存失敗.
type ErrUpload struct {
	Part string
	Err  error
}

func (e *ErrUpload) Error() string {
	return fmt.Sprintf("upload of part %q failed: %v", e.Part, e.Err)
}

func (e *ErrUpload) Unwrap() error {
	return e.Err
}
