//go:build linux

package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fileDesc owns one OS descriptor and closes it at most once.
type fileDesc struct {
	fd     int
	closed atomic.Bool
}

func newFileDesc(fd int) *fileDesc {
	return &fileDesc{fd: fd}
}

func (f *fileDesc) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}

func parseIPAddr(ip string) (ipAddr [4]byte, err error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		err = fmt.Errorf("invalid IPv4 address %q", ip)
		return
	}
	copy(ipAddr[:], parsed)
	return
}

func toTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), addr.Addr[:]...), Port: addr.Port}
	}
	return nil
}

// listenTCP4 creates, binds and listens an IPv4 socket. flags is or-ed into
// the socket type, e.g. unix.SOCK_NONBLOCK.
func listenTCP4(ip string, port, backlog, flags int) (*fileDesc, *net.TCPAddr, error) {
	ipAddr, err := parseIPAddr(ip)
	if err != nil {
		return nil, nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|flags, unix.IPPROTO_TCP)
	if err != nil {
		return nil, nil, fmt.Errorf("create socket error: %w", err)
	}
	sock := newFileDesc(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("set SO_REUSEADDR error: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: ipAddr, Port: port}); err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("bind socket %s:%d error: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("listen fd error: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("getsockname error: %w", err)
	}
	return sock, toTCPAddr(sa), nil
}

func readFd(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// writeAll loops until every byte is written or the write fails.
func writeAll(fd int, payload []byte) error {
	for len(payload) > 0 {
		n, err := unix.Write(fd, payload)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// Listener is a blocking IPv4 TCP listening socket.
type Listener struct {
	sock *fileDesc
	addr *net.TCPAddr
}

func Listen(ip string, port, backlog int) (*Listener, error) {
	sock, addr, err := listenTCP4(ip, port, backlog, 0)
	if err != nil {
		return nil, err
	}
	return &Listener{sock: sock, addr: addr}, nil
}

// Accept blocks until a client connects. The returned Stream owns the
// client descriptor.
func (l *Listener) Accept() (*Stream, error) {
	for {
		nfd, sa, err := unix.Accept4(l.sock.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("accept conn error: %w", err)
		}
		return &Stream{sock: newFileDesc(nfd), local: l.addr, remote: toTCPAddr(sa)}, nil
	}
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Shutdown wakes any goroutine blocked in Accept, which then fails.
func (l *Listener) Shutdown() error {
	return unix.Shutdown(l.sock.fd, unix.SHUT_RDWR)
}

func (l *Listener) Close() error {
	return l.sock.Close()
}

// Stream is one accepted client connection.
type Stream struct {
	sock   *fileDesc
	local  *net.TCPAddr
	remote *net.TCPAddr
}

// Read returns io.EOF once the peer closed its side.
func (s *Stream) Read(payload []byte) (int, error) {
	n, err := readFd(s.sock.fd, payload)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(payload) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes the whole payload.
func (s *Stream) Write(payload []byte) (int, error) {
	if err := writeAll(s.sock.fd, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (s *Stream) Close() error {
	return s.sock.Close()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.local
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.remote
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}
