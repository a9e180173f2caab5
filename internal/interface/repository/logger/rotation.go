package logger

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ローテート済みファイルの保持期間
	MaxBackups int           // ローテート済みファイルの保持数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,
		MaxAge:     7 * 24 * time.Hour,
		MaxBackups: 5,
	}
}

const backupLayout = "20060102150405.000000000"

// backup はローテート済みのログファイル.
type backup struct {
	path    string
	modTime time.Time
}

// needsRotation は書き込み中のファイルが上限サイズに達したかを判定.
func needsRotation(file *os.File, maxSize int64) (bool, error) {
	if maxSize <= 0 {
		return false, nil
	}
	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() >= maxSize, nil
}

// rotateFile は現在のファイルを "<name>.<時刻>" に退避する.
func rotateFile(basePath string, now time.Time) error {
	rotated := basePath + "." + now.Format(backupLayout)
	if _, err := os.Lstat(rotated); err == nil {
		rotated += ".1"
	}
	return os.Rename(basePath, rotated)
}

// listBackups は directory 内の "<filename>." で始まるファイルを新しい順に返す.
// ファイル名はパターンとして解釈しない.
func listBackups(directory, filename string) ([]backup, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, err
	}

	prefix := filename + "."
	var backups []backup
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(directory, e.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})
	return backups, nil
}

// cleanOldLogs は期限切れと保持数超過のローテート済みファイルを削除.
func cleanOldLogs(directory, filename string, config *RotationConfig) error {
	backups, err := listBackups(directory, filename)
	if err != nil {
		return err
	}

	now := time.Now()
	var errs error
	for i, b := range backups {
		expired := config.MaxAge > 0 && now.Sub(b.modTime) > config.MaxAge
		surplus := config.MaxBackups > 0 && i >= config.MaxBackups
		if !expired && !surplus {
			continue
		}
		if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
