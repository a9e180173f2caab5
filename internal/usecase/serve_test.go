package usecase

import (
	"context"
	"io"
	"strings"
	"testing"

	"webserv/internal/domain"
	"webserv/internal/interface/repository/logger"
)

type fakeStatic struct {
	calls []string
	pages map[int]string
}

func (f *fakeStatic) Get(*domain.Request) *domain.Response {
	f.calls = append(f.calls, "GET")
	return domain.TextResponse(200, "static")
}

func (f *fakeStatic) Post(*domain.Request) *domain.Response {
	f.calls = append(f.calls, "POST")
	return domain.NewResponse(201)
}

func (f *fakeStatic) Delete(*domain.Request) *domain.Response {
	f.calls = append(f.calls, "DELETE")
	return domain.NewResponse(404)
}

func (f *fakeStatic) ErrorPage(_ *domain.VirtualHost, status int) ([]byte, bool) {
	p, ok := f.pages[status]
	return []byte(p), ok
}

type fakeCGI struct {
	calls int
}

func (f *fakeCGI) Execute(context.Context, *domain.Request) *domain.Response {
	f.calls++
	return domain.NewResponse(500)
}

func newServe() (*ServeUseCase, *fakeStatic, *fakeCGI) {
	st := &fakeStatic{pages: map[int]string{404: "custom 404"}}
	gw := &fakeCGI{}
	return NewServeUseCase(st, gw, logger.NewWriter(io.Discard, logger.Options{})), st, gw
}

func serveRequest(method, path string, loc *domain.Location, body string) *domain.Request {
	return &domain.Request{
		Method:   method,
		Path:     path,
		Protocol: "HTTP/1.1",
		Body:     []byte(body),
		Host:     &domain.VirtualHost{MaxBodySize: 10},
		Location: loc,
	}
}

func TestServePrecedence(t *testing.T) {
	cgiLoc := &domain.Location{Path: "/cgi", Methods: []string{"GET"}, CGIPath: "/usr/bin/python3", CGIExt: ".py"}
	redirectLoc := &domain.Location{Path: "/old", Methods: []string{"GET"}, Redirect: "/new"}
	plain := &domain.Location{Path: "/", Methods: []string{"GET", "POST", "DELETE", "PUT"}}

	testCases := []struct {
		name     string
		req      *domain.Request
		status   int
		deferred bool
	}{
		{"No location", serveRequest("GET", "/x", nil, ""), 404, false},
		{"Body limit before redirect", serveRequest("POST", "/old", redirectLoc, "01234567890"), 413, false},
		{"Redirect before method", serveRequest("DELETE", "/old", redirectLoc, ""), 301, false},
		{"Method before CGI", serveRequest("POST", "/cgi/a.py", cgiLoc, ""), 405, false},
		{"CGI", serveRequest("GET", "/cgi/a.py", cgiLoc, ""), 0, true},
		{"CGI extension mismatch", serveRequest("GET", "/cgi/a.sh", cgiLoc, ""), 0, false},
		{"Static GET", serveRequest("GET", "/a", plain, ""), 200, false},
		{"Allowed but unimplemented", serveRequest("PUT", "/a", plain, ""), 501, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			uc, _, _ := newServe()
			resp, deferred := uc.Serve(context.Background(), tc.req)
			if tc.deferred {
				if deferred == nil || resp != nil {
					t.Fatalf("Serve() = %v, %v, want deferred", resp, deferred)
				}
				return
			}
			if deferred != nil {
				t.Fatalf("Serve() returned deferred work")
			}
			if tc.status != 0 && resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestServeDelegates(t *testing.T) {
	uc, st, gw := newServe()
	cgiLoc := &domain.Location{Path: "/", Methods: []string{"GET"}, CGIPath: "/bin/sh", CGIExt: ".sh"}

	_, deferred := uc.Serve(context.Background(), serveRequest("GET", "/x.sh", cgiLoc, ""))
	if gw.calls != 0 {
		t.Fatalf("CGI ran before the deferred work was invoked")
	}
	resp := deferred()
	if gw.calls != 1 || resp.StatusCode != 500 {
		t.Errorf("deferred = %d calls, status %d", gw.calls, resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "500 Internal Server Error") {
		t.Errorf("CGI error page = %q", resp.Body)
	}

	uc.Serve(context.Background(), serveRequest("GET", "/x.txt", cgiLoc, ""))
	if len(st.calls) != 1 || st.calls[0] != "GET" {
		t.Errorf("static calls = %v", st.calls)
	}
}

func TestServeMethodNotAllowed(t *testing.T) {
	uc, _, _ := newServe()
	loc := &domain.Location{Path: "/", Methods: []string{"GET", "POST"}}

	resp, _ := uc.Serve(context.Background(), serveRequest("DELETE", "/a", loc, ""))
	if resp.StatusCode != 405 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q", got)
	}
}

func TestServeRedirect(t *testing.T) {
	uc, _, _ := newServe()
	loc := &domain.Location{Path: "/old", Methods: []string{"GET"}, Redirect: "/new?a=1&b=2"}

	resp, _ := uc.Serve(context.Background(), serveRequest("GET", "/old", loc, ""))
	if resp.StatusCode != 301 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/new?a=1&b=2" {
		t.Errorf("Location = %q", got)
	}
	if !strings.Contains(string(resp.Body), "/new?a=1&amp;b=2") {
		t.Errorf("body not escaped: %q", resp.Body)
	}
}

func TestFinish(t *testing.T) {
	uc, _, _ := newServe()
	host := &domain.VirtualHost{}

	testCases := []struct {
		name string
		resp *domain.Response
		want string
	}{
		{"Custom page", domain.NewResponse(404), "custom 404"},
		{"Built-in page", domain.NewResponse(403), "<h1>403 Forbidden</h1>"},
		{"Body kept", domain.TextResponse(500, "CGI execution failed: x"), "CGI execution failed: x"},
		{"Success untouched", domain.NewResponse(204), ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := uc.Finish(host, tc.resp)
			if !strings.Contains(string(got.Body), tc.want) {
				t.Errorf("body = %q, want %q", got.Body, tc.want)
			}
		})
	}

	if got := uc.Finish(nil, domain.NewResponse(400)); !strings.Contains(string(got.Body), "400 Bad Request") {
		t.Errorf("Finish(nil) body = %q", got.Body)
	}
}
