package domain

import (
	"fmt"
	"time"
)

// Role はソケットの役割.
type Role int

const (
	RoleListening Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleListening {
		return "LISTENING"
	}
	return "CLIENT"
}

// Phase はクライアント接続のI/Oフェーズ.
type Phase int

const (
	PhaseReceiving Phase = iota
	PhaseProcessing
	PhaseSending
)

func (p Phase) String() string {
	switch p {
	case PhaseReceiving:
		return "RECEIVING"
	case PhaseProcessing:
		return "PROCESSING"
	case PhaseSending:
		return "SENDING"
	}
	return "UNKNOWN"
}

// Connection はひとつのソケットの状態を表す.
// イベントループのゴルーチンだけが変更する.
type Connection struct {
	ID   uint64
	Fd   int
	Role Role

	Phase  Phase
	Buffer []byte

	// 送信中のレスポンス. Written は送信済みバイト数.
	Out     []byte
	Written int

	LastActivity time.Time
	Served       int

	PeerAddr string
	PeerPort int

	// Listen は接続を受け付けた待ち受けソケットの "host:port".
	Listen string

	PendingClose bool
}

// NewConnection は新しいConnectionインスタンスを作成.
func NewConnection(id uint64, fd int, role Role, listen string) *Connection {
	return &Connection{
		ID:           id,
		Fd:           fd,
		Role:         role,
		Phase:        PhaseReceiving,
		LastActivity: time.Now(),
		Listen:       listen,
	}
}

// Append は受信データをバッファに追加する. 送信中は追加しない.
func (c *Connection) Append(data []byte, now time.Time) bool {
	if c.Phase != PhaseReceiving {
		return false
	}
	c.Buffer = append(c.Buffer, data...)
	c.LastActivity = now
	return true
}

// Trim はパース済みの先頭nバイトを取り除く.
func (c *Connection) Trim(n int) {
	if n >= len(c.Buffer) {
		c.Buffer = c.Buffer[:0]
		return
	}
	rem := copy(c.Buffer, c.Buffer[n:])
	c.Buffer = c.Buffer[:rem]
}

// StartSending はレスポンスを送信キューに載せ, 送信フェーズへ移る.
func (c *Connection) StartSending(out []byte, now time.Time) {
	c.Out = out
	c.Written = 0
	c.Phase = PhaseSending
	c.LastActivity = now
}

// Advance は送信済みバイト数を進め, 送信が完了したかを返す.
func (c *Connection) Advance(n int, now time.Time) bool {
	c.Written += n
	c.LastActivity = now
	return c.Written >= len(c.Out)
}

// FinishSending は送信完了後に受信フェーズへ戻す.
func (c *Connection) FinishSending() {
	c.Out = nil
	c.Written = 0
	c.Phase = PhaseReceiving
}

// Pending は未送信のバイト列を返す.
func (c *Connection) Pending() []byte {
	return c.Out[c.Written:]
}

// IdleFor は最終アクティビティからの経過時間.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}

// Peer は "addr:port" 形式の接続元.
func (c *Connection) Peer() string {
	return fmt.Sprintf("%s:%d", c.PeerAddr, c.PeerPort)
}

func (c *Connection) String() string {
	return fmt.Sprintf("fd=%d role=%s phase=%s buffered=%d peer=%s served=%d",
		c.Fd, c.Role, c.Phase, len(c.Buffer), c.Peer(), c.Served)
}
