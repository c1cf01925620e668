//go:build linux

package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"mpmc/util/log"
)

const (
	EpollRead    = unix.EPOLLIN
	maxEpollWait = 128
)

type role uint8

const (
	roleListener role = iota + 1
	roleTimer
	roleConn
	roleWake
)

// descriptor is an entry of the readiness table. gen travels in the epoll
// event payload so an event for a closed descriptor cannot reach the state
// of a newer one that reuses its number.
type descriptor struct {
	role     role
	sock     *fileDesc
	gen      uint32
	period   time.Duration
	callback func()
}

// EpollServer is the readiness based reactor. A single goroutine runs the
// loop, epoll_wait is its only blocking call.
type EpollServer struct {
	opts    Options
	epollFd *fileDesc
	wake    *fileDesc
	table   map[int]*descriptor
	nextGen uint32
	buf     []byte
	stats   counters
	running atomic.Bool
	closed  bool
}

func NewEpollServer(opts Options) (*EpollServer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create error: %w", err)
	}
	opts = opts.withDefaults()
	s := &EpollServer{
		opts:    opts,
		epollFd: newFileDesc(epfd),
		table:   make(map[int]*descriptor),
		buf:     make([]byte, opts.ReadBufferSize),
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = s.epollFd.Close()
		return nil, fmt.Errorf("eventfd create error: %w", err)
	}
	s.wake = newFileDesc(wfd)
	if err := s.register(&descriptor{role: roleWake, sock: s.wake}); err != nil {
		_ = s.wake.Close()
		_ = s.epollFd.Close()
		return nil, err
	}
	return s, nil
}

func (s *EpollServer) Listen(ip string, port int) (net.Addr, error) {
	if s.closed {
		return nil, ErrServerClosed
	}
	sock, addr, err := listenTCP4(ip, port, s.opts.Backlog, unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	if err := s.register(&descriptor{role: roleListener, sock: sock}); err != nil {
		_ = sock.Close()
		return nil, err
	}
	s.stats.listeners.Add(1)
	log.Info("epoll server listening on %s", addr)
	return addr, nil
}

// AddTimer registers a periodic timerfd. Timers fire until the server is
// closed; a single timer cannot be removed.
func (s *EpollServer) AddTimer(period time.Duration, callback func()) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	if s.closed {
		return ErrServerClosed
	}
	tfd, err := newTimerFd(period, unix.TFD_NONBLOCK)
	if err != nil {
		return err
	}
	d := &descriptor{role: roleTimer, sock: tfd, period: period, callback: callback}
	if err := s.register(d); err != nil {
		_ = tfd.Close()
		return err
	}
	return nil
}

// Run serves events until ctx is cancelled or epoll_wait fails.
func (s *EpollServer) Run(ctx context.Context) error {
	if s.closed {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	stop := make(chan struct{})
	defer close(stop)
	go watchContext(ctx, stop, s.wake)

	events := make([]unix.EpollEvent, maxEpollWait)
	for {
		n, err := unix.EpollWait(s.epollFd.fd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait error: %w", err)
		}
		for i := 0; i < n; i++ {
			if s.dispatch(&events[i]) {
				return nil
			}
		}
	}
}

// dispatch handles one ready descriptor and reports whether the loop should
// stop.
func (s *EpollServer) dispatch(event *unix.EpollEvent) bool {
	fd := int(event.Fd)
	d, ok := s.table[fd]
	if !ok || d.gen != uint32(event.Pad) {
		log.Debug("stale epoll event, fd: %d", fd)
		return false
	}
	switch d.role {
	case roleListener:
		s.accept(d)
	case roleTimer:
		s.fireTimer(d)
	case roleWake:
		drainCounter(d.sock.fd)
		return true
	default:
		s.serve(d)
	}
	return false
}

func (s *EpollServer) accept(listener *descriptor) {
	nfd, sa, err := unix.Accept4(listener.sock.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			log.Warn("accept conn error: %v", err)
		}
		return
	}
	conn := &descriptor{role: roleConn, sock: newFileDesc(nfd)}
	if err := s.register(conn); err != nil {
		log.Errorf("register conn error: %v", err)
		_ = conn.sock.Close()
		return
	}
	s.stats.accepted.Add(1)
	log.Debug("accepted %s, fd: %d", toTCPAddr(sa), nfd)
}

func (s *EpollServer) fireTimer(timer *descriptor) {
	func() {
		defer func() {
			if err := recover(); err != nil {
				log.Warn("timer callback panic: %v", err)
			}
		}()
		timer.callback()
	}()
	s.stats.timerFires.Add(1)
	// the expiration count must be consumed or the timerfd stays readable
	drainCounter(timer.sock.fd)
}

// serve reads one request, answers it and leaves the connection open.
func (s *EpollServer) serve(conn *descriptor) {
	n, err := readFd(conn.sock.fd, s.buf)
	if err != nil || n == 0 {
		if err != nil {
			log.Debug("read fd %d error: %v", conn.sock.fd, err)
		}
		s.closeConn(conn)
		return
	}
	s.stats.requests.Add(1)
	if err := writeAll(conn.sock.fd, respond(s.buf[:n], s.opts.Handler)); err != nil {
		log.Warn("write fd %d error: %v", conn.sock.fd, err)
		s.stats.writeErrors.Add(1)
		s.closeConn(conn)
	}
}

// closeConn deregisters before closing, a reused descriptor number must never
// see events of the old connection.
func (s *EpollServer) closeConn(conn *descriptor) {
	if err := unix.EpollCtl(s.epollFd.fd, unix.EPOLL_CTL_DEL, conn.sock.fd, nil); err != nil {
		log.Warn("epoll ctl del fd %d error: %v", conn.sock.fd, err)
	}
	delete(s.table, conn.sock.fd)
	_ = conn.sock.Close()
	s.stats.closed.Add(1)
}

func (s *EpollServer) register(d *descriptor) error {
	s.nextGen++
	d.gen = s.nextGen
	if err := epollCtl(s.epollFd.fd, d.sock.fd, unix.EPOLL_CTL_ADD, EpollRead, d.gen); err != nil {
		return fmt.Errorf("epoll ctl add fd %d error: %w", d.sock.fd, err)
	}
	s.table[d.sock.fd] = d
	return nil
}

func epollCtl(epfd int, fd int, op int, events uint32, gen uint32) error {
	return unix.EpollCtl(epfd, op, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
		Pad:    int32(gen),
	})
}

// Close releases every descriptor, clients first.
func (s *EpollServer) Close() error {
	if s.running.Load() {
		return ErrRunning
	}
	if s.closed {
		return nil
	}
	s.closed = true
	for fd, d := range s.table {
		if d.role == roleConn {
			s.closeConn(d)
			continue
		}
		_ = unix.EpollCtl(s.epollFd.fd, unix.EPOLL_CTL_DEL, fd, nil)
		_ = d.sock.Close()
	}
	s.table = nil
	return s.epollFd.Close()
}

func (s *EpollServer) Stats() Stats {
	return s.stats.snapshot()
}

func newTimerFd(period time.Duration, flags int) (*fileDesc, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|flags)
	if err != nil {
		return nil, fmt.Errorf("timerfd create error: %w", err)
	}
	ts := unix.NsecToTimespec(period.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		_ = unix.Close(tfd)
		return nil, fmt.Errorf("timerfd settime error: %w", err)
	}
	return newFileDesc(tfd), nil
}

// drainCounter reads the 8 byte counter of a timerfd or eventfd.
func drainCounter(fd int) {
	var counter [8]byte
	if _, err := readFd(fd, counter[:]); err != nil && err != unix.EAGAIN {
		log.Warn("read counter fd %d error: %v", fd, err)
	}
}

// watchContext signals the eventfd once ctx is done, unless stop closes
// first.
func watchContext(ctx context.Context, stop <-chan struct{}, wake *fileDesc) {
	select {
	case <-ctx.Done():
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, err := unix.Write(wake.fd, one[:]); err != nil {
			log.Errorf("wake reactor error: %v", err)
		}
	case <-stop:
	}
}
