package domain

// Logger はアプリケーション全体で使うロガーのインターフェース.
// 起動時に一つ作成し, 各コンポーネントへ注入する.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
}
