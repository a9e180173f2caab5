package server

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"webserv/internal/domain"
	"webserv/internal/interface/connection"
	"webserv/internal/protocol"
)

const readChunk = 64 * 1024

// Handler はパース済みリクエストを処理する.
// Deferred を返した場合はワーカーのゴルーチンで実行し, 結果をループに戻す.
type Handler interface {
	Serve(ctx context.Context, conn *domain.Connection, req *domain.Request) (*domain.Response, domain.Deferred, error)
	Reject(listen string, status int) *domain.Response
}

// Server は単一ゴルーチンのepollイベントループ.
// 接続の状態はすべてループのゴルーチンが所有する.
type Server struct {
	limits  domain.Limits
	handler Handler
	parser  *protocol.Parser
	logger  domain.Logger
	metrics domain.MetricsCollector

	manager   *connection.Manager
	poller    *poller
	mailbox   *mailbox
	listeners map[int]*listener
	order     []*listener

	readBuf []byte
	// バッファがこれを超えたら 413 で閉じる
	maxBuffer int

	workers   sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New は待ち受けソケットを作成し, ポーラーに登録する.
// 同じ "host:port" を持つ仮想ホストはひとつのソケットを共有する.
func New(
	cfg *domain.Config,
	handler Handler,
	logger domain.Logger,
	metrics domain.MetricsCollector,
) (*Server, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("epoll: %w", err)
	}

	s := &Server{
		limits:    cfg.Limits,
		handler:   handler,
		parser:    protocol.NewParser(cfg.Limits.MaxHeaderBytes, cfg.Limits.MaxBodyBytes),
		logger:    logger,
		metrics:   metrics,
		manager:   connection.NewManager(cfg.Limits.MaxClients, cfg.Limits.IdleTimeout),
		poller:    p,
		listeners: make(map[int]*listener),
		readBuf:   make([]byte, readChunk),
		maxBuffer: cfg.Limits.MaxHeaderBytes + 2*int(cfg.Limits.MaxBodyBytes) + readChunk,
	}

	s.mailbox, err = newMailbox()
	if err != nil {
		p.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := p.add(s.mailbox.fd, acceptInterest); err != nil {
		s.Close()
		return nil, fmt.Errorf("register eventfd: %w", err)
	}

	seen := make(map[string]bool)
	for _, host := range cfg.Servers {
		key := host.ListenKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		l, err := listen(key)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.listeners[l.fd] = l
		s.order = append(s.order, l)

		if _, err := s.manager.Add(l.fd, domain.RoleListening, key); err != nil {
			s.Close()
			return nil, err
		}
		if err := p.add(l.fd, acceptInterest); err != nil {
			s.Close()
			return nil, fmt.Errorf("register listener %s: %w", key, err)
		}
		logger.Info("Listening", map[string]interface{}{
			"listen": key,
			"addr":   l.addr,
		})
	}

	return s, nil
}

// Addr は設定上の "host:port" に対して実際にバインドしたアドレスを返す.
func (s *Server) Addr(listen string) string {
	for _, l := range s.order {
		if l.key == listen {
			return l.addr
		}
	}
	return ""
}

// Run はコンテキストがキャンセルされるか致命的なエラーが起きるまでループを回す.
// 戻る前にすべての接続と待ち受けソケットを閉じる.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	stop := context.AfterFunc(ctx, s.mailbox.wake)
	defer stop()

	return s.loop(ctx)
}

// Close はワーカーの終了を待ってからすべてのディスクリプタを閉じる.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		// ワーカーは mailbox に書くので先に待つ
		s.workers.Wait()

		for _, conn := range s.manager.All() {
			if conn.Role == domain.RoleClient {
				s.closeConn(conn, "shutdown")
			}
		}
		for _, l := range s.order {
			s.poller.remove(l.fd)
			unix.Close(l.fd)
			s.manager.Remove(l.fd)
		}
		if s.mailbox != nil {
			s.mailbox.close()
		}
		s.poller.close()
		s.logger.Info("Server closed", nil)
	})
}
