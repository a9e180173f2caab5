package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"webserv/internal/domain"
)

// ErrInvalidName はファイル名がディレクトリ外を指すか空の場合.
var ErrInvalidName = errors.New("invalid upload file name")

// Repository はアップロードのリポジトリ実装
type Repository struct {
	mu     sync.Mutex
	logger domain.Logger
}

// Verify interface implementation
var _ domain.UploadStore = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(logger domain.Logger) *Repository {
	return &Repository{logger: logger}
}

// Save は data を dir/filename に書き込み, 書き込んだパスを返す.
// filename のディレクトリ成分は捨てる.
func (r *Repository) Save(dir, filename string, data []byte) (string, error) {
	name, err := sanitize(filename)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if err := r.writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SaveMultipart は multipart/form-data のボディを分解して各ファイルパートを保存する.
// filename の無いパートは読み飛ばし, 途中で途切れたパートで処理を打ち切る.
// いずれもログに残すだけでエラーにはしない. boundary が無い場合のみエラー.
func (r *Repository) SaveMultipart(dir, contentType string, body []byte) ([]string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart body: %s", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart body without boundary")
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var saved []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.logger.Warn("Malformed multipart body", map[string]interface{}{
				"saved": len(saved),
				"error": err.Error(),
			})
			break
		}

		filename := part.FileName()
		if filename == "" {
			r.logger.Warn("Skipping multipart part without filename", map[string]interface{}{
				"form_name": part.FormName(),
			})
			part.Close()
			continue
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			r.logger.Warn("Unterminated multipart part", map[string]interface{}{
				"filename": filename,
				"error":    err.Error(),
			})
			break
		}

		path, err := r.Save(dir, filename, data)
		if err != nil {
			r.logger.Error("Failed to save upload", &domain.ErrUpload{Part: filename, Err: err}, nil)
			continue
		}
		r.logger.Info("Saved upload", map[string]interface{}{
			"path": path,
			"size": len(data),
		})
		saved = append(saved, path)
	}

	return saved, nil
}

// writeFile は一時ファイル経由で書き込む
func (r *Repository) writeFile(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func sanitize(filename string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", ErrInvalidName
	}
	return name, nil
}
