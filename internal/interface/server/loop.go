package server

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"webserv/internal/domain"
	"webserv/internal/protocol"
)

func (s *Server) loop(ctx context.Context) error {
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			s.logger.Info("Event loop stopping", nil)
			return nil
		}

		events, err := s.poller.wait(s.limits.PollTimeout)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, ev := range events {
			if err := s.dispatch(ctx, ev, now); err != nil {
				return err
			}
		}

		if len(events) == 0 || now.Sub(lastSweep) >= s.limits.PollTimeout {
			s.sweep(now)
			lastSweep = now
		}
	}
}

// dispatch はひとつのディスクリプタに対して一単位の処理 (accept, 受信, 送信) を行う.
func (s *Server) dispatch(ctx context.Context, ev unix.EpollEvent, now time.Time) error {
	fd := int(ev.Fd)

	if fd == s.mailbox.fd {
		s.complete(now)
		return nil
	}

	if l, ok := s.listeners[fd]; ok {
		s.accept(l)
		return nil
	}

	conn, ok := s.manager.Get(fd)
	if !ok {
		// 既に閉じた接続のイベント
		s.poller.remove(fd)
		return nil
	}

	switch conn.Phase {
	case domain.PhaseReceiving:
		return s.receive(ctx, conn, now)
	case domain.PhaseSending:
		if ev.Events&unix.EPOLLERR != 0 {
			s.closeConn(conn, "socket error")
			return nil
		}
		return s.send(ctx, conn, now)
	}
	// PhaseProcessing: CGI の完了を待つ
	return nil
}

func (s *Server) accept(l *listener) {
	fd, sa, err := l.accept()
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			s.logger.Warn("Accept failed", map[string]interface{}{
				"listen": l.key,
				"error":  err.Error(),
			})
		}
		return
	}
	addr, port := sockaddrHostPort(sa)

	if s.manager.AtCapacity() {
		out := protocol.Serialize(s.handler.Reject(l.key, 503))
		// ベストエフォート. 送り切れなくても閉じる
		if n, err := unix.Write(fd, out); err == nil {
			s.metrics.AddBytesTransferred(int64(n))
		}
		unix.Close(fd)
		s.metrics.RecordRejectedConnection()
		s.logger.Warn("Connection limit reached", map[string]interface{}{
			"peer":        addr,
			"max_clients": s.limits.MaxClients,
		})
		return
	}

	conn, err := s.manager.Add(fd, domain.RoleClient, l.key)
	if err != nil {
		s.logger.Error("Failed to track connection", err, nil)
		unix.Close(fd)
		return
	}
	conn.PeerAddr = addr
	conn.PeerPort = port

	if err := s.poller.add(fd, readInterest); err != nil {
		s.logger.Error("Failed to register connection", err, map[string]interface{}{"fd": fd})
		s.manager.Remove(fd)
		unix.Close(fd)
		return
	}
	s.metrics.IncrementConnections()
	s.logger.Debug("Connection accepted", map[string]interface{}{
		"fd":     fd,
		"peer":   conn.Peer(),
		"listen": l.key,
	})
}

func (s *Server) receive(ctx context.Context, conn *domain.Connection, now time.Time) error {
	n, err := unix.Read(conn.Fd, s.readBuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		s.closeConn(conn, "read error: "+err.Error())
		return nil
	}

	if n == 0 {
		if len(conn.Buffer) == 0 {
			s.closeConn(conn, "peer closed")
			return nil
		}
		// 途中で切れたリクエスト
		s.reject(conn, 400, now)
		return nil
	}

	conn.Append(s.readBuf[:n], now)
	if len(conn.Buffer) > s.maxBuffer {
		s.reject(conn, 413, now)
		return nil
	}
	return s.process(ctx, conn, now)
}

// process はバッファからリクエストをひとつ取り出して処理する.
// 完全なリクエストが無ければ受信を続ける.
func (s *Server) process(ctx context.Context, conn *domain.Connection, now time.Time) error {
	req, consumed, err := s.parser.Parse(conn.Buffer)
	if err != nil {
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		status := 400
		var perr *protocol.Error
		if errors.As(err, &perr) {
			status = perr.Status
		}
		s.logger.Debug("Malformed request", map[string]interface{}{
			"peer":  conn.Peer(),
			"error": err.Error(),
		})
		s.reject(conn, status, now)
		return nil
	}
	conn.Trim(consumed)
	req.ReceivedAt = now
	conn.Phase = domain.PhaseProcessing

	resp, deferred, err := s.handler.Serve(ctx, conn, req)
	if err != nil {
		return err
	}

	if deferred == nil {
		s.queue(conn, resp, now)
		return nil
	}

	if err := s.poller.modify(conn.Fd, parkInterest); err != nil {
		s.closeConn(conn, "park failed")
		return nil
	}
	id, fd := conn.ID, conn.Fd
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.mailbox.post(completion{id: id, fd: fd, resp: deferred()})
	}()
	return nil
}

// complete はワーカーの結果を対応する接続に戻す.
// 接続が既に無いか別の接続に置き換わっていれば捨てる.
func (s *Server) complete(now time.Time) {
	for _, c := range s.mailbox.drain() {
		conn, ok := s.manager.Get(c.fd)
		if !ok || conn.ID != c.id || conn.Phase != domain.PhaseProcessing {
			s.logger.Debug("Dropping result for closed connection", map[string]interface{}{"fd": c.fd})
			continue
		}
		s.queue(conn, c.resp, now)
	}
}

func (s *Server) reject(conn *domain.Connection, status int, now time.Time) {
	conn.Buffer = conn.Buffer[:0]
	conn.PendingClose = true
	conn.Phase = domain.PhaseProcessing
	s.queue(conn, s.handler.Reject(conn.Listen, status), now)
}

// queue はレスポンスを直列化して送信フェーズに移る.
func (s *Server) queue(conn *domain.Connection, resp *domain.Response, now time.Time) {
	if resp.Header.Get("Connection") == "close" {
		conn.PendingClose = true
	}
	conn.StartSending(protocol.Serialize(resp), now)
	if err := s.poller.modify(conn.Fd, writeInterest); err != nil {
		s.closeConn(conn, "modify failed")
	}
}

func (s *Server) send(ctx context.Context, conn *domain.Connection, now time.Time) error {
	n, err := unix.Write(conn.Fd, conn.Pending())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		s.closeConn(conn, "write error: "+err.Error())
		return nil
	}
	s.metrics.AddBytesTransferred(int64(n))

	if !conn.Advance(n, now) {
		return nil
	}

	if conn.PendingClose {
		s.closeConn(conn, "connection close")
		return nil
	}

	conn.FinishSending()
	if err := s.poller.modify(conn.Fd, readInterest); err != nil {
		s.closeConn(conn, "modify failed")
		return nil
	}
	// パイプライン化された次のリクエスト
	if len(conn.Buffer) > 0 {
		return s.process(ctx, conn, now)
	}
	return nil
}

// sweep はアイドル時間が上限を超えたクライアントを閉じる.
func (s *Server) sweep(now time.Time) {
	for _, conn := range s.manager.Expired(now) {
		s.metrics.RecordIdleEviction()
		s.logger.Info("Idle connection evicted", map[string]interface{}{
			"peer": conn.Peer(),
			"idle": conn.IdleFor(now).String(),
		})
		s.closeConn(conn, "idle timeout")
	}
}

// closeConn はポーラー, ソケット, 接続テーブルからまとめて外す.
func (s *Server) closeConn(conn *domain.Connection, reason string) {
	s.poller.remove(conn.Fd)
	unix.Close(conn.Fd)
	if _, ok := s.manager.Remove(conn.Fd); ok {
		s.metrics.DecrementConnections()
	}
	s.logger.Debug("Connection closed", map[string]interface{}{
		"fd":     conn.Fd,
		"peer":   conn.Peer(),
		"served": conn.Served,
		"reason": reason,
	})
}
