// epoll の薄いラッパー. イベントループのゴルーチンだけが触る.
package server

import (
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// 監視イベント. クライアントが読み書きを同時に待つことはない.
// parkInterest は CGI 実行中の接続用で, HUP/ERR を高々一度だけ通知する.
const (
	acceptInterest = unix.EPOLLIN
	readInterest   = unix.EPOLLIN | unix.EPOLLRDHUP
	writeInterest  = unix.EPOLLOUT
	parkInterest   = unix.EPOLLONESHOT
)

type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// wait は最大 timeout までブロックする. 割り込まれた場合はイベント無しを返す.
func (p *poller) wait(timeout time.Duration) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return p.events[:n], nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}
