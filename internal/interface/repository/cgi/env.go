package cgi

import (
	"sort"
	"strconv"
	"strings"

	"webserv/internal/domain"
)

// BuildEnv はCGIスクリプトに渡す環境変数を組み立てる.
// 親プロセスの環境は一切引き継がない.
func BuildEnv(req *domain.Request, script string) []string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    req.Method,
		"SCRIPT_NAME":       req.Path,
		"SCRIPT_FILENAME":   script,
		"PATH_INFO":         req.Path,
		"SERVER_PROTOCOL":   req.Protocol,
		"CONTENT_LENGTH":    strconv.Itoa(len(req.Body)),
		"REDIRECT_STATUS":   "200",
	}

	if req.Method == "GET" && req.Query != "" {
		env["QUERY_STRING"] = req.Query
	}
	if req.RemoteAddr != "" {
		env["REMOTE_ADDR"] = req.RemoteAddr
		env["REMOTE_PORT"] = strconv.Itoa(req.RemotePort)
	}
	if host := req.Host; host != nil {
		env["SERVER_PORT"] = strconv.Itoa(host.Port)
		env["SERVER_NAME"] = host.ServerName
	}
	if env["SERVER_NAME"] == "" {
		env["SERVER_NAME"] = stripPort(req.Header.Get("Host"))
	}

	for _, h := range req.Header {
		key := headerKey(h.Name)
		if key == "CONTENT_TYPE" {
			env[key] = h.Value
			continue
		}
		// ボディは復号済みで, 長さは CONTENT_LENGTH に入っている.
		if key == "CONTENT_LENGTH" || key == "TRANSFER_ENCODING" {
			continue
		}
		key = "HTTP_" + key
		if prev, ok := env[key]; ok {
			env[key] = prev + ", " + h.Value
		} else {
			env[key] = h.Value
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func headerKey(name string) string {
	return strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
