// Package netio owns the raw, non-blocking file descriptors the event loop
// drives: listening sockets, accepted client sockets, and CGI pipe ends. It
// never blocks the caller; every call maps directly onto a single syscall.
package netio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen binds a non-blocking IPv4 TCP listening socket on host:port.
func Listen(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		unix.Close(fd)
		return -1, fmt.Errorf("invalid bind address %q", host)
	}
	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip.To4())
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection as a non-blocking fd. It returns
// unix.EAGAIN (unwrapped) when no connection is pending, exactly like a raw
// accept4(2) would, so callers can loop "until WouldBlock".
func Accept(listenFd int) (fd int, peer string, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, "", err
	}
	peer = formatSockaddr(sa)
	return nfd, peer, nil
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	default:
		return ""
	}
}

// Read performs one non-blocking read. io.EOF-like "peer closed" is reported
// as (0, nil); EAGAIN is reported as (0, unix.EAGAIN) for the caller to treat
// as "come back later".
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write performs one non-blocking write, returning the number of bytes
// actually accepted by the kernel (which may be less than len(buf)).
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes fd, ignoring EBADF (already closed elsewhere).
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if err == unix.EBADF {
		return nil
	}
	return err
}

// WouldBlock reports whether err is the "try again" sentinel from a
// non-blocking read/write/accept.
func WouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// PeerAddr returns "ip:port" for a connected socket, best-effort.
func PeerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	return formatSockaddr(sa)
}
