package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogLevel はログレベルを表す.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// ParseLevel は設定値の文字列をLogLevelに変換. 空文字列はINFO.
func ParseLevel(s string) (LogLevel, error) {
	if s == "" {
		return INFO, nil
	}
	lvl := LogLevel(strings.ToUpper(s))
	if _, ok := levelRank[lvl]; !ok {
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// Enabled は min 以上のレベルかを判定.
func (l LogLevel) Enabled(min LogLevel) bool {
	return levelRank[l] >= levelRank[min]
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LogEntry はログエントリを表す.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Format はログエントリを文字列に変換.
func (e *LogEntry) Format() string {
	timestamp := e.Timestamp.Format("2006/01/02 15:04:05.000")

	logMsg := fmt.Sprintf("[%s] %s %s", timestamp, e.Level, e.Message)

	if len(e.Fields) > 0 {
		if fields, err := json.Marshal(e.Fields); err == nil {
			logMsg += fmt.Sprintf(" fields=%s", string(fields))
		}
	}

	if e.Error != "" {
		logMsg += fmt.Sprintf(" error=%s", e.Error)
	}

	return logMsg + "\n"
}

// Attrs はslog向けの属性に変換.
func (e *LogEntry) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(e.Fields)+1)
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	return attrs
}

// NewLogEntry は新しいLogEntryインスタンスを作成.
func NewLogEntry(
	level LogLevel, msg string, err error, fields map[string]interface{},
) *LogEntry {
	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	return entry
}
