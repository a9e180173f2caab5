package usecase

import (
	"net"
	"strings"

	"webserv/internal/domain"
)

// Router は仮想ホストとロケーションの解決を行う.
// 設定テーブルは読み取り専用なのでロックを持たない.
type Router struct {
	byListen map[string][]*domain.VirtualHost
}

// NewRouter は新しいRouterインスタンスを作成. 同じ待ち受けアドレスの
// ホストは設定順を保つ.
func NewRouter(hosts []*domain.VirtualHost) *Router {
	r := &Router{byListen: make(map[string][]*domain.VirtualHost)}
	for _, h := range hosts {
		key := h.ListenKey()
		r.byListen[key] = append(r.byListen[key], h)
	}
	return r
}

// DefaultHost は待ち受けアドレスの最初のホストを返す.
func (r *Router) DefaultHost(listen string) *domain.VirtualHost {
	if hosts := r.byListen[listen]; len(hosts) > 0 {
		return hosts[0]
	}
	return nil
}

// ResolveHost は Host ヘッダに server_name が一致するホストを返し,
// 一致しなければ待ち受けアドレスの既定ホストを返す.
func (r *Router) ResolveHost(listen, hostHeader string) (*domain.VirtualHost, error) {
	hosts := r.byListen[listen]
	if len(hosts) == 0 {
		return nil, &domain.ErrNoVirtualHost{Listen: listen}
	}

	name := stripPort(hostHeader)
	for _, h := range hosts {
		if h.ServerName != "" && h.ServerName == name {
			return h, nil
		}
	}
	return hosts[0], nil
}

// Route はリクエストにホストとロケーションを一度だけ設定する.
// ロケーションが見つからない場合 req.Location は nil のまま.
func (r *Router) Route(listen string, req *domain.Request) error {
	host, err := r.ResolveHost(listen, req.Header.Get("Host"))
	if err != nil {
		return err
	}
	req.Host = host
	req.Location = MatchLocation(host.Locations, req.Path)
	return nil
}

// MatchLocation は最長一致のプレフィックスを持つロケーションを選ぶ.
// プレフィックスはパス全体と等しいか, 直後が '/' の場合のみ一致する.
// 一致しなければ "/" のロケーションにフォールバックする.
func MatchLocation(locs []*domain.Location, path string) *domain.Location {
	var best, root *domain.Location
	for _, loc := range locs {
		if loc.Path == "/" {
			root = loc
		}
		if !prefixMatches(loc.Path, path) {
			continue
		}
		if best == nil || len(loc.Path) > len(best.Path) {
			best = loc
		}
	}
	if best != nil {
		return best
	}
	return root
}

func prefixMatches(prefix, path string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	// "/" や "/static/" は末尾が区切り文字.
	return prefix[len(prefix)-1] == '/' || path[len(prefix)] == '/'
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
