package static

import (
	"bytes"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"webserv/internal/domain"
	"webserv/internal/interface/repository/logger"
	"webserv/internal/interface/repository/upload"
)

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":       "<h1>home</h1>",
		"style.css":        "body{}",
		"docs/b.txt":       "bee",
		"docs/a.txt":       "ay",
		"docs/sub/c.md":    "# c",
		"errors/404.html":  "<p>custom not found</p>",
		"data/archive.bin": "\x00\x01",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newTestRepository() *Repository {
	l := logger.NewWriter(io.Discard, logger.Options{})
	return New(upload.New(l), l)
}

func request(method, path string, loc *domain.Location) *domain.Request {
	return &domain.Request{Method: method, Path: path, Protocol: "HTTP/1.1", Location: loc}
}

func TestGet(t *testing.T) {
	root := setupRoot(t)
	repo := newTestRepository()

	loc := &domain.Location{Path: "/", Root: root, Index: "index.html"}
	listing := &domain.Location{Path: "/", Root: root, Index: "index.html", Autoindex: true}

	testCases := []struct {
		name        string
		path        string
		loc         *domain.Location
		status      int
		contentType string
		body        string
	}{
		{"HTML file", "/index.html", loc, 200, "text/html", "<h1>home</h1>"},
		{"CSS file", "/style.css", loc, 200, "text/css", "body{}"},
		{"Unknown extension", "/data/archive.bin", loc, 200, "application/octet-stream", "\x00\x01"},
		{"Directory index", "/", loc, 200, "text/html", "<h1>home</h1>"},
		{"Directory without autoindex", "/docs", loc, 403, "", ""},
		{"Missing file", "/missing", loc, 404, "", ""},
		{"Missing below a file", "/index.html/x", loc, 404, "", ""},
		{"Traversal stays under root", "/../../../etc/passwd", loc, 404, "", ""},
		{"Escaped name", "/docs/%61.txt", loc, 200, "text/plain", "ay"},
		{"Bad escape", "/%zz", loc, 400, "", ""},
		{"Autoindex", "/docs/sub", listing, 200, "text/html", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := repo.Get(request("GET", tc.path, tc.loc))
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if tc.contentType != "" && resp.Header.Get("Content-Type") != tc.contentType {
				t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), tc.contentType)
			}
			if tc.body != "" && string(resp.Body) != tc.body {
				t.Errorf("body = %q, want %q", resp.Body, tc.body)
			}
			if resp.IsError() && len(resp.Body) != 0 {
				t.Errorf("error response carries a body: %q", resp.Body)
			}
		})
	}
}

func TestListDir(t *testing.T) {
	root := setupRoot(t)
	loc := &domain.Location{Path: "/", Root: root, Autoindex: true}

	resp := newTestRepository().Get(request("GET", "/docs/", loc))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := string(resp.Body)

	for _, want := range []string{
		"<title>Index of /docs/</title>",
		`<a href="/">[Parent Directory]</a>`,
		`<a href="/docs/a.txt">a.txt</a>`,
		`<a href="/docs/sub/">sub/</a>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("listing missing %s:\n%s", want, body)
		}
	}
	a, b, sub := strings.Index(body, "a.txt"), strings.Index(body, "b.txt"), strings.Index(body, "sub/")
	if !(a < b && b < sub) {
		t.Errorf("entries not sorted:\n%s", body)
	}

	resp = newTestRepository().Get(request("GET", "/", &domain.Location{Path: "/", Root: filepath.Join(root, "docs"), Autoindex: true}))
	if strings.Contains(string(resp.Body), "Parent Directory") {
		t.Errorf("root listing has a parent link")
	}
}

func TestPostAndDelete(t *testing.T) {
	root := setupRoot(t)
	repo := newTestRepository()
	loc := &domain.Location{Path: "/", Root: root}

	req := request("POST", "/data/new.txt", loc)
	req.Body = []byte("posted")
	resp := repo.Post(req)
	if resp.StatusCode != 201 {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "data", "new.txt")); string(got) != "posted" {
		t.Errorf("stored content = %q", got)
	}

	if resp := repo.Post(request("POST", "/docs", loc)); resp.StatusCode != 403 {
		t.Errorf("POST to directory status = %d, want 403", resp.StatusCode)
	}

	if resp := repo.Delete(request("DELETE", "/data/new.txt", loc)); resp.StatusCode != 200 {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if resp := repo.Delete(request("DELETE", "/data/new.txt", loc)); resp.StatusCode != 404 {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
	if resp := repo.Delete(request("DELETE", "/docs", loc)); resp.StatusCode != 403 {
		t.Errorf("DELETE directory status = %d, want 403", resp.StatusCode)
	}
}

func TestPostMultipart(t *testing.T) {
	root := setupRoot(t)
	uploads := filepath.Join(t.TempDir(), "uploads")
	loc := &domain.Location{Path: "/upload", Root: root, UploadDir: uploads}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, _ := w.CreateFormFile("file", "report.txt")
	fw.Write([]byte("quarterly"))
	w.Close()

	req := request("POST", "/upload", loc)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Body = body.Bytes()

	resp := newTestRepository().Post(req)
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "report.txt") {
		t.Errorf("body = %q", resp.Body)
	}
	if got, _ := os.ReadFile(filepath.Join(uploads, "report.txt")); string(got) != "quarterly" {
		t.Errorf("uploaded content = %q", got)
	}

	req.Header.Set("Content-Type", "multipart/form-data")
	if resp := newTestRepository().Post(req); resp.StatusCode != 400 {
		t.Errorf("missing boundary status = %d, want 400", resp.StatusCode)
	}
}

func TestErrorPage(t *testing.T) {
	root := setupRoot(t)
	host := &domain.VirtualHost{Root: root, ErrorPages: map[int]string{404: "errors/404.html", 500: "errors/none.html"}}
	repo := newTestRepository()

	if page, ok := repo.ErrorPage(host, 404); !ok || string(page) != "<p>custom not found</p>" {
		t.Errorf("ErrorPage(404) = %q, %v", page, ok)
	}
	if _, ok := repo.ErrorPage(host, 500); ok {
		t.Errorf("ErrorPage(500) found a missing file")
	}
	if _, ok := repo.ErrorPage(host, 403); ok {
		t.Errorf("ErrorPage(403) found an unconfigured page")
	}
}
