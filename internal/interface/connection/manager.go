package connection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"webserv/internal/domain"
)

// Manager はディスクリプタをキーにした接続テーブルを管理する.
// ポーラーへの登録はこのテーブルと同じキーで行い, 位置インデックスは使わない.
type Manager struct {
	mu          sync.RWMutex
	connections map[int]*domain.Connection
	clients     int
	maxClients  int
	idleTimeout time.Duration
	nextID      uint64
}

// ErrDuplicateDescriptor は登録済みのディスクリプタを再登録しようとした.
type ErrDuplicateDescriptor struct {
	Fd int
}

func (e *ErrDuplicateDescriptor) Error() string {
	return fmt.Sprintf("descriptor %d is already tracked", e.Fd)
}

// NewManager は新しいManagerインスタンスを作成
func NewManager(maxClients int, idleTimeout time.Duration) *Manager {
	return &Manager{
		connections: make(map[int]*domain.Connection),
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
	}
}

// Add は接続を登録する. listen は受け付けた待ち受けソケットの "host:port".
func (m *Manager) Add(fd int, role domain.Role, listen string) (*domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[fd]; exists {
		return nil, &ErrDuplicateDescriptor{Fd: fd}
	}

	m.nextID++
	conn := domain.NewConnection(m.nextID, fd, role, listen)
	m.connections[fd] = conn
	if role == domain.RoleClient {
		m.clients++
	}
	return conn, nil
}

// Get はディスクリプタに対応する接続を返す
func (m *Manager) Get(fd int) (*domain.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[fd]
	return conn, ok
}

// Remove は接続をテーブルから外す. ソケットのクローズは呼び出し側が行う.
func (m *Manager) Remove(fd int) (*domain.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[fd]
	if !ok {
		return nil, false
	}
	delete(m.connections, fd)
	if conn.Role == domain.RoleClient {
		m.clients--
	}
	return conn, true
}

// Clients は追跡中のクライアント接続数
func (m *Manager) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients
}

// AtCapacity はクライアント接続数が上限に達しているかを判定
func (m *Manager) AtCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxClients > 0 && m.clients >= m.maxClients
}

// Expired はアイドル時間が上限を超えたクライアント接続を返す.
// CGI 実行待ちの接続は対象外. 結果はディスクリプタ順.
func (m *Manager) Expired(now time.Time) []*domain.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*domain.Connection
	for _, conn := range m.connections {
		if conn.Role != domain.RoleClient || conn.Phase == domain.PhaseProcessing {
			continue
		}
		if conn.IdleFor(now) > m.idleTimeout {
			expired = append(expired, conn)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Fd < expired[j].Fd })
	return expired
}

// All は全ての接続を返す. シャットダウン時に使う.
func (m *Manager) All() []*domain.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*domain.Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		all = append(all, conn)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Fd < all[j].Fd })
	return all
}
