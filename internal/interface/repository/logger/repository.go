package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"webserv/internal/domain"
)

// Repository はロガーのリポジトリ実装.
// ファイル出力を基本とし, 標準エラーとslogへの転送を任意で追加できる.
type Repository struct {
	mu       sync.Mutex
	out      io.Writer
	file     *os.File
	config   *RotationConfig
	dir      string
	filename string
	level    LogLevel
	stderr   bool
	sink     *slog.Logger
	done     chan struct{}
	closed   bool
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// Options はファイル以外の出力設定.
type Options struct {
	Level  LogLevel
	Stderr bool
	// Sink が設定されていれば全エントリをslogにも書き込む.
	Sink *slog.Logger
}

// New は新しいRepositoryインスタンスを作成.
func New(directory, filename string, config *RotationConfig, opts Options) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	filepath := filepath.Join(directory, filename)
	file, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	logger := &Repository{
		out:      file,
		file:     file,
		config:   config,
		dir:      directory,
		filename: filename,
		done:     make(chan struct{}),
	}
	logger.apply(opts)

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

// NewWriter は任意のWriterに書き込むRepositoryを作成. ローテーションは行わない.
func NewWriter(w io.Writer, opts Options) *Repository {
	logger := &Repository{
		out:  w,
		done: make(chan struct{}),
	}
	logger.apply(opts)
	return logger
}

func (r *Repository) apply(opts Options) {
	r.level = opts.Level
	if r.level == "" {
		r.level = INFO
	}
	r.stderr = opts.Stderr
	r.sink = opts.Sink
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(INFO, msg, nil, fields))
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(WARN, msg, nil, fields))
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(NewLogEntry(ERROR, msg, err, fields))
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(NewLogEntry(DEBUG, msg, nil, fields))
}

// log はログエントリを書き込み.
func (r *Repository) log(entry *LogEntry) {
	if !entry.Level.Enabled(r.level) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// ローテーションのチェック.
	if r.file != nil {
		if needs, err := needsRotation(r.file, r.config.MaxSize); err == nil && needs {
			if err := r.rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
		}
	}

	formatted := entry.Format()
	if _, err := io.WriteString(r.out, formatted); err != nil {
		// エラーが発生した場合は標準エラー出力に書き込み.
		fmt.Fprintf(os.Stderr, "Failed to write log: %v\n", err)
	}
	if r.stderr && r.out != os.Stderr {
		os.Stderr.WriteString(formatted)
	}

	if r.sink != nil {
		r.sink.LogAttrs(context.Background(), entry.Level.slogLevel(), entry.Message, entry.Attrs()...)
	}
}

// rotate はログファイルをローテーション.
func (r *Repository) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	if err := rotateFile(r.file.Name(), time.Now()); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(r.dir, r.filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	r.file = file
	r.out = file
	return nil
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := cleanOldLogs(r.dir, r.filename, r.config); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to clean logs: %v\n", err)
			}
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
