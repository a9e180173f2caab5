package cgi

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"webserv/internal/domain"
	"webserv/internal/interface/repository/logger"
	"webserv/internal/interface/repository/metrics"
	"webserv/internal/interface/repository/upload"
)

const shell = "/bin/sh"

func newTestRepository(t *testing.T, timeout time.Duration) (*Repository, *metrics.Repository) {
	t.Helper()
	if _, err := os.Stat(shell); err != nil {
		t.Skipf("%s not available", shell)
	}
	l := logger.NewWriter(io.Discard, logger.Options{})
	m, err := metrics.New("", nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(upload.New(l), m, l, Config{Timeout: timeout}), m
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
}

func cgiRequest(method, path, query string, root string) *domain.Request {
	return &domain.Request{
		Method:   method,
		Path:     path,
		Query:    query,
		Protocol: "HTTP/1.1",
		Host:     &domain.VirtualHost{Port: 8080, ServerName: "example.com"},
		Location: &domain.Location{Path: "/cgi-bin", Root: root, CGIPath: shell, CGIExt: ".sh"},
	}
}

func TestExecute(t *testing.T) {
	repo, m := newTestRepository(t, 2*time.Second)
	root := t.TempDir()
	bin := filepath.Join(root, "cgi-bin")
	os.MkdirAll(bin, 0755)

	writeScript(t, bin, "hello.sh", `printf 'Content-Type: text/plain\r\n\r\nquery=%s method=%s' "$QUERY_STRING" "$REQUEST_METHOD"`)
	writeScript(t, bin, "status.sh", `printf 'Status: 404 Not Found\r\nX-Script: yes\r\n\r\nnope'`)
	writeScript(t, bin, "redirect.sh", `printf 'Location: /elsewhere\n\n'`)
	writeScript(t, bin, "echo.sh", `IFS= read -r line || true; printf 'Content-Type: text/plain\n\n%s|%s' "$line" "$CONTENT_LENGTH"`)
	writeScript(t, bin, "fail.sh", `echo oops >&2; exit 3`)
	writeScript(t, bin, "env.sh", `printf '\n\nhome=[%s] gw=%s name=%s agent=%s' "$HOME" "$GATEWAY_INTERFACE" "$SERVER_NAME" "$HTTP_X_AGENT"`)
	writeScript(t, bin, "pwd.sh", `printf '\n\n%s' "$PWD"`)

	testCases := []struct {
		name   string
		method string
		path   string
		query  string
		body   string
		header [2]string
		status int
		want   string
	}{
		{"Headers and body", "GET", "/cgi-bin/hello.sh", "a=1", "", [2]string{}, 200, "query=a=1 method=GET"},
		{"Query only for GET", "POST", "/cgi-bin/hello.sh", "a=1", "", [2]string{}, 200, "query= method=POST"},
		{"Status header", "GET", "/cgi-bin/status.sh", "", "", [2]string{}, 404, "nope"},
		{"Location without status", "GET", "/cgi-bin/redirect.sh", "", "", [2]string{}, 302, ""},
		{"Body on stdin", "POST", "/cgi-bin/echo.sh", "", "payload", [2]string{}, 200, "payload|7"},
		{"Non-zero exit", "GET", "/cgi-bin/fail.sh", "", "", [2]string{}, 500, "CGI execution failed: oops\n"},
		{"Clean environment", "GET", "/cgi-bin/env.sh", "", "", [2]string{"X-Agent", "tester"}, 200, "home=[] gw=CGI/1.1 name=example.com agent=tester"},
		{"Working directory", "GET", "/cgi-bin/pwd.sh", "", "", [2]string{}, 200, bin},
		{"Missing script", "GET", "/cgi-bin/none.sh", "", "", [2]string{}, 404, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := cgiRequest(tc.method, tc.path, tc.query, root)
			req.Body = []byte(tc.body)
			if tc.header[0] != "" {
				req.Header.Add(tc.header[0], tc.header[1])
			}

			resp := repo.Execute(context.Background(), req)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %q)", resp.StatusCode, tc.status, resp.Body)
			}
			if tc.want != "" && string(resp.Body) != tc.want {
				t.Errorf("body = %q, want %q", resp.Body, tc.want)
			}
		})
	}

	if got := m.GetSnapshot()["cgi_executions"].(int64); got == 0 {
		t.Errorf("cgi_executions not recorded")
	}
}

func TestExecuteTimeout(t *testing.T) {
	repo, m := newTestRepository(t, 300*time.Millisecond)
	root := t.TempDir()
	writeScript(t, root, "spin.sh", `while :; do :; done`)

	req := cgiRequest("GET", "/spin.sh", "", root)

	started := time.Now()
	resp := repo.Execute(context.Background(), req)
	elapsed := time.Since(started)

	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "timed out") {
		t.Errorf("body = %q", resp.Body)
	}
	if elapsed > 300*time.Millisecond+waitDelay+time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if got := m.GetSnapshot()["cgi_timeouts"].(int64); got != 1 {
		t.Errorf("cgi_timeouts = %d, want 1", got)
	}
}

func TestExecuteSavesUploads(t *testing.T) {
	repo, _ := newTestRepository(t, 2*time.Second)
	root := t.TempDir()
	uploads := filepath.Join(t.TempDir(), "up")
	writeScript(t, root, "up.sh", `printf '\n\nok'`)

	req := cgiRequest("POST", "/up.sh", "", root)
	req.Location.UploadDir = uploads
	req.Header.Set("Content-Type", "multipart/form-data; boundary=X")
	req.Body = []byte("--X\r\nContent-Disposition: form-data; name=\"f\"; filename=\"u.txt\"\r\n\r\nuploaded\r\n--X--\r\n")

	resp := repo.Execute(context.Background(), req)
	if resp.StatusCode != 200 || string(resp.Body) != "ok" {
		t.Fatalf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	if got, _ := os.ReadFile(filepath.Join(uploads, "u.txt")); string(got) != "uploaded" {
		t.Errorf("upload content = %q", got)
	}
}

func TestBuildEnv(t *testing.T) {
	req := cgiRequest("GET", "/cgi-bin/a.py", "x=1", "/srv")
	req.Body = []byte("abc")
	req.RemoteAddr = "10.0.0.1"
	req.RemotePort = 5555
	req.Header.Add("Content-Type", "text/plain")
	req.Header.Add("Accept-Language", "en")
	req.Header.Add("X-Multi", "a")
	req.Header.Add("x-multi", "b")
	req.Header.Add("Transfer-Encoding", "chunked")

	env := map[string]string{}
	for _, kv := range BuildEnv(req, "/srv/cgi-bin/a.py") {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	want := map[string]string{
		"REQUEST_METHOD":       "GET",
		"SCRIPT_NAME":          "/cgi-bin/a.py",
		"PATH_INFO":            "/cgi-bin/a.py",
		"SCRIPT_FILENAME":      "/srv/cgi-bin/a.py",
		"SERVER_PROTOCOL":      "HTTP/1.1",
		"CONTENT_LENGTH":       "3",
		"CONTENT_TYPE":         "text/plain",
		"QUERY_STRING":         "x=1",
		"HTTP_ACCEPT_LANGUAGE": "en",
		"HTTP_X_MULTI":         "a, b",
		"REMOTE_ADDR":          "10.0.0.1",
		"SERVER_PORT":          "8080",
		"SERVER_NAME":          "example.com",
		"GATEWAY_INTERFACE":    "CGI/1.1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	for _, k := range []string{"HTTP_CONTENT_TYPE", "HTTP_TRANSFER_ENCODING", "PATH", "HOME"} {
		if _, ok := env[k]; ok {
			t.Errorf("unexpected %s in environment", k)
		}
	}
}

func TestParseOutput(t *testing.T) {
	testCases := []struct {
		name        string
		out         string
		status      int
		contentType string
		body        string
	}{
		{"CRLF separator", "Content-Type: text/plain\r\n\r\nhi", 200, "text/plain", "hi"},
		{"LF separator", "Content-Type: application/json\n\n{}", 200, "application/json", "{}"},
		{"Status line", "Status: 201 Created\n\nmade", 201, "text/html", "made"},
		{"Colon in value", "X-Time: 10:30\r\n\r\n", 200, "text/html", ""},
		{"No separator", "just text", 200, "text/html", "just text"},
		{"Invalid status ignored", "Status: abc\n\nx", 200, "text/html", "x"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ParseOutput([]byte(tc.out))
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if got := resp.Header.Get("Content-Type"); got != tc.contentType {
				t.Errorf("Content-Type = %q, want %q", got, tc.contentType)
			}
			if string(resp.Body) != tc.body {
				t.Errorf("body = %q, want %q", resp.Body, tc.body)
			}
		})
	}

	resp := ParseOutput([]byte("X-Time: 10:30\r\n\r\n"))
	if got := resp.Header.Get("X-Time"); got != "10:30" {
		t.Errorf("X-Time = %q", got)
	}
}
