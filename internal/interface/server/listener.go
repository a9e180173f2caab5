package server

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// listener はバインド済みのノンブロッキング待ち受けソケット.
type listener struct {
	fd   int
	key  string // 設定上の "host:port"
	addr string // 実際にバインドしたアドレス
}

// listen はソケットを作成してバインドし, 待ち受けを開始する. ポート0なら空きポートを使う.
func listen(key string) (*listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", key)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		inet4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(inet4.Addr[:], ip4)
		}
		sa = inet4
	} else {
		family = unix.AF_INET6
		inet6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(inet6.Addr[:], tcpAddr.IP.To16())
		sa = inet6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", key, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt %s: %w", key, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", key, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname %s: %w", key, err)
	}
	ip, port := sockaddrHostPort(bound)

	return &listener{
		fd:   fd,
		key:  key,
		addr: net.JoinHostPort(ip, strconv.Itoa(port)),
	}, nil
}

// accept は保留中の接続をひとつ受け付ける. EAGAIN なら残りは無い.
func (l *listener) accept() (int, unix.Sockaddr, error) {
	return unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

func sockaddrHostPort(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	}
	return "", 0
}
