package server

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"webserv/internal/domain"
)

// completion はCGIの結果をループに戻す. id でディスクリプタの再利用を見分ける.
type completion struct {
	id   uint64
	fd   int
	resp *domain.Response
}

// mailbox はCGIワーカーが書き込み, eventfd で起きたループが取り出す.
type mailbox struct {
	fd      int
	mu      sync.Mutex
	pending []completion
}

func newMailbox() (*mailbox, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &mailbox{fd: fd}, nil
}

func (m *mailbox) post(c completion) {
	m.mu.Lock()
	m.pending = append(m.pending, c)
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN はカウンタが飽和した時だけで, ループは既に起きている.
	unix.Write(m.fd, buf[:])
}

func (m *mailbox) drain() []completion {
	var buf [8]byte
	unix.Read(m.fd, buf[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

func (m *mailbox) close() error {
	return unix.Close(m.fd)
}
