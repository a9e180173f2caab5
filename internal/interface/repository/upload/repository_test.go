package upload

import (
	"bytes"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"webserv/internal/interface/repository/logger"
)

func newTestRepository() *Repository {
	return New(logger.NewWriter(io.Discard, logger.Options{}))
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	repo := newTestRepository()

	testCases := []struct {
		name     string
		filename string
		want     string
		wantErr  bool
	}{
		{"Plain name", "a.txt", "a.txt", false},
		{"Traversal is flattened", "../../etc/passwd", "passwd", false},
		{"Windows separators", `C:\tmp\b.txt`, "b.txt", false},
		{"Empty", "", "", true},
		{"Dot dot", "..", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path, err := repo.Save(dir, tc.filename, []byte("data"))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if path != filepath.Join(dir, tc.want) {
				t.Errorf("path = %s, want %s", path, filepath.Join(dir, tc.want))
			}
			if got, _ := os.ReadFile(path); string(got) != "data" {
				t.Errorf("content = %q", got)
			}
		})
	}
}

func TestSaveMultipart(t *testing.T) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, _ := w.CreateFormFile("file1", "hello.txt")
	fw.Write([]byte("hello"))
	w.WriteField("comment", "no filename here")
	fw, _ = w.CreateFormFile("file2", "bin.dat")
	fw.Write([]byte{0, 1, 2, 3})
	w.Close()

	dir := filepath.Join(t.TempDir(), "uploads")
	saved, err := newTestRepository().SaveMultipart(dir, w.FormDataContentType(), body.Bytes())
	if err != nil {
		t.Fatalf("SaveMultipart() error = %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved = %v, want 2 files", saved)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "hello.txt")); string(got) != "hello" {
		t.Errorf("hello.txt = %q", got)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "bin.dat")); !bytes.Equal(got, []byte{0, 1, 2, 3}) {
		t.Errorf("bin.dat = %v", got)
	}
}

func TestSaveMultipartUnterminated(t *testing.T) {
	body := "--B\r\n" +
		"Content-Disposition: form-data; name=\"f\"; filename=\"a.txt\"\r\n\r\n" +
		"complete\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=\"g\"; filename=\"b.txt\"\r\n\r\n" +
		"truncated"

	dir := t.TempDir()
	saved, err := newTestRepository().SaveMultipart(dir, "multipart/form-data; boundary=B", []byte(body))
	if err != nil {
		t.Fatalf("SaveMultipart() error = %v", err)
	}
	if len(saved) != 1 || saved[0] != filepath.Join(dir, "a.txt") {
		t.Errorf("saved = %v, want only a.txt", saved)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); !os.IsNotExist(err) {
		t.Errorf("truncated part was written")
	}
}

func TestSaveMultipartWithoutBoundary(t *testing.T) {
	_, err := newTestRepository().SaveMultipart(t.TempDir(), "multipart/form-data", []byte("x"))
	if err == nil {
		t.Fatal("expected error for missing boundary")
	}
}
