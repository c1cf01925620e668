//go:build linux

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"mpmc/util/log"
)

const maxSubmitRetries = 3

var ErrSubmissionQueueFull = errors.New("io_uring submission queue full")

type opKind uint8

const (
	opAccept opKind = iota + 1
	opRead
	opTimer
	opWake
)

// userData tags a submission with its kind, the generation of the slot it
// belongs to and the descriptor number.
func userData(kind opKind, gen uint32, fd int) uint64 {
	return uint64(kind)<<56 | uint64(gen&0xffffff)<<32 | uint64(uint32(fd))
}

func decodeUserData(data uint64) (opKind, uint32, int) {
	return opKind(data >> 56), uint32(data>>32) & 0xffffff, int(int32(uint32(data)))
}

type acceptSlot struct {
	sock    *fileDesc
	addr    *net.TCPAddr
	gen     uint32
	peer    unix.RawSockaddrAny
	peerLen uint32
}

type clientSlot struct {
	sock *fileDesc
	gen  uint32
	buf  []byte
}

type counterSlot struct {
	sock     *fileDesc
	gen      uint32
	counter  [8]byte
	callback func()
}

// UringServer is the completion based reactor. Exactly one accept is
// outstanding per listener and exactly one read per open client; responses
// are written with plain blocking writes.
type UringServer struct {
	opts      Options
	ring      *ring
	listeners map[int]*acceptSlot
	clients   map[int]*clientSlot
	timers    map[int]*counterSlot
	wake      *counterSlot
	buffers   *bufferPool
	nextGen   uint32
	stats     counters
	running   atomic.Bool
	ran       bool
	closed    bool
}

func NewUringServer(opts Options) (*UringServer, error) {
	opts = opts.withDefaults()
	r, err := newRing(uint32(opts.RingEntries))
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("eventfd create error: %w", err)
	}
	s := &UringServer{
		opts:      opts,
		ring:      r,
		listeners: make(map[int]*acceptSlot),
		clients:   make(map[int]*clientSlot),
		timers:    make(map[int]*counterSlot),
		buffers:   newBufferPool(opts.ReadBufferSize),
	}
	s.wake = &counterSlot{sock: newFileDesc(wfd), gen: s.generation()}
	return s, nil
}

func (s *UringServer) generation() uint32 {
	s.nextGen = (s.nextGen + 1) & 0xffffff
	if s.nextGen == 0 {
		s.nextGen = 1
	}
	return s.nextGen
}

func (s *UringServer) Listen(ip string, port int) (net.Addr, error) {
	if s.closed {
		return nil, ErrServerClosed
	}
	sock, addr, err := listenTCP4(ip, port, s.opts.Backlog, 0)
	if err != nil {
		return nil, err
	}
	s.listeners[sock.fd] = &acceptSlot{sock: sock, addr: addr, gen: s.generation()}
	s.stats.listeners.Add(1)
	log.Info("io_uring server listening on %s", addr)
	return addr, nil
}

// AddTimer arms a periodic timerfd whose expirations are read through the
// ring. Timers cannot be removed.
func (s *UringServer) AddTimer(period time.Duration, callback func()) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	if s.closed {
		return ErrServerClosed
	}
	tfd, err := newTimerFd(period, 0)
	if err != nil {
		return err
	}
	s.timers[tfd.fd] = &counterSlot{sock: tfd, gen: s.generation(), callback: callback}
	return nil
}

// Run arms the listeners, timers and the wake-up read, then consumes one
// completion per iteration until ctx is cancelled. Operations left in the
// ring belong to that run, so a stopped server can only be closed.
func (s *UringServer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)
	if s.closed || s.ran {
		return ErrServerClosed
	}
	s.ran = true

	for _, l := range s.listeners {
		if !s.submitAccept(l) {
			s.dropListener(l)
		}
	}
	for _, t := range s.timers {
		if !s.submitCounterRead(opTimer, t) {
			s.dropTimer(t)
		}
	}
	if !s.submitCounterRead(opWake, s.wake) {
		return fmt.Errorf("%w: cannot arm wake-up read", ErrSubmissionQueueFull)
	}
	if err := s.ring.submit(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go watchContext(ctx, stop, s.wake.sock)

	for {
		c, err := s.ring.waitCQE()
		if err != nil {
			return err
		}
		done := s.complete(c)
		s.ring.seen()
		if done {
			return nil
		}
		if err := s.ring.submit(); err != nil {
			return err
		}
	}
}

func (s *UringServer) complete(c cqe) bool {
	kind, gen, fd := decodeUserData(c.userData)
	switch kind {
	case opAccept:
		if l, ok := s.listeners[fd]; ok && l.gen == gen {
			s.onAccept(l, c.res)
			return false
		}
	case opRead:
		if cl, ok := s.clients[fd]; ok && cl.gen == gen {
			s.onRead(cl, c.res)
			return false
		}
	case opTimer:
		if t, ok := s.timers[fd]; ok && t.gen == gen {
			s.onTimer(t, c.res)
			return false
		}
	case opWake:
		return true
	}
	log.Debug("stale completion, kind: %d fd: %d res: %d", kind, fd, c.res)
	return false
}

func (s *UringServer) onAccept(l *acceptSlot, res int32) {
	if res < 0 {
		log.Warn("accept on %s error: %v", l.addr, unix.Errno(-res))
	} else {
		cl := &clientSlot{
			sock: newFileDesc(int(res)),
			gen:  s.generation(),
			buf:  s.buffers.get(),
		}
		s.clients[cl.sock.fd] = cl
		s.stats.accepted.Add(1)
		log.Debug("accepted fd: %d on %s", cl.sock.fd, l.addr)
		if !s.submitRead(cl) {
			s.release(cl)
		}
	}
	if !s.submitAccept(l) {
		s.dropListener(l)
	}
}

func (s *UringServer) onRead(cl *clientSlot, res int32) {
	s.stats.outstandingReads.Add(-1)
	if res <= 0 {
		if res < 0 {
			log.Debug("read fd %d error: %v", cl.sock.fd, unix.Errno(-res))
		}
		s.release(cl)
		return
	}
	s.stats.requests.Add(1)
	// cl.buf is free once the reply is built; rearming may flush the queue
	reply := respond(cl.buf[:res], s.opts.Handler)
	armed := s.submitRead(cl)
	err := writeAll(cl.sock.fd, reply)
	if err != nil {
		log.Warn("write fd %d error: %v", cl.sock.fd, err)
		s.stats.writeErrors.Add(1)
	}
	switch {
	case !armed:
		s.release(cl)
	case err != nil:
		// the pending read completes with EOF and releases the slot
		_ = unix.Shutdown(cl.sock.fd, unix.SHUT_RDWR)
	}
}

func (s *UringServer) onTimer(t *counterSlot, res int32) {
	if res > 0 {
		func() {
			defer func() {
				if err := recover(); err != nil {
					log.Warn("timer callback panic: %v", err)
				}
			}()
			t.callback()
		}()
		s.stats.timerFires.Add(1)
	} else if res < 0 && unix.Errno(-res) != unix.EAGAIN && unix.Errno(-res) != unix.EINTR {
		log.Warn("read timer fd %d error: %v", t.sock.fd, unix.Errno(-res))
	}
	if !s.submitCounterRead(opTimer, t) {
		s.dropTimer(t)
	}
}

// dropListener stops accepting on l. Clients it already accepted keep
// being served.
func (s *UringServer) dropListener(l *acceptSlot) {
	log.Errorf("listener %s dropped, accept could not be submitted", l.addr)
	delete(s.listeners, l.sock.fd)
	_ = l.sock.Close()
	s.stats.listeners.Add(-1)
}

func (s *UringServer) dropTimer(t *counterSlot) {
	log.Errorf("timer fd %d dropped, read could not be submitted", t.sock.fd)
	delete(s.timers, t.sock.fd)
	_ = t.sock.Close()
}

// release recycles the buffer and closes the client. No operation is
// pending on it at this point.
func (s *UringServer) release(cl *clientSlot) {
	delete(s.clients, cl.sock.fd)
	s.buffers.put(cl.buf)
	cl.buf = nil
	s.stats.buffersReleased.Add(1)
	_ = cl.sock.Close()
	s.stats.closed.Add(1)
}

// The submit helpers report false when no submission entry could be
// obtained; nothing is pending for the slot then.

func (s *UringServer) submitAccept(l *acceptSlot) bool {
	entry := s.nextSQE()
	if entry == nil {
		return false
	}
	l.peerLen = uint32(unsafe.Sizeof(l.peer))
	prepAccept(entry, l.sock.fd, &l.peer, &l.peerLen, unix.SOCK_CLOEXEC)
	entry.userData = userData(opAccept, l.gen, l.sock.fd)
	return true
}

func (s *UringServer) submitRead(cl *clientSlot) bool {
	entry := s.nextSQE()
	if entry == nil {
		return false
	}
	prepRead(entry, cl.sock.fd, cl.buf)
	entry.userData = userData(opRead, cl.gen, cl.sock.fd)
	s.stats.outstandingReads.Add(1)
	return true
}

func (s *UringServer) submitCounterRead(kind opKind, slot *counterSlot) bool {
	entry := s.nextSQE()
	if entry == nil {
		return false
	}
	prepRead(entry, slot.sock.fd, slot.counter[:])
	entry.userData = userData(kind, slot.gen, slot.sock.fd)
	return true
}

// nextSQE flushes the queue to the kernel when it is full, which hands
// every entry queued so far, and the buffers they point at, to the kernel.
// It returns nil if no entry frees up after a few flushes.
func (s *UringServer) nextSQE() *sqe {
	var err error
	for attempt := 0; attempt <= maxSubmitRetries; attempt++ {
		if entry := s.ring.getSQE(); entry != nil {
			return entry
		}
		if submitErr := s.ring.submit(); submitErr != nil {
			err = submitErr
		}
	}
	log.Errorf("submission queue stuck: %v", err)
	return nil
}

// Close tears the ring down first, which cancels every pending operation,
// then closes the descriptors.
func (s *UringServer) Close() error {
	if s.running.Load() {
		return ErrRunning
	}
	if s.closed {
		return nil
	}
	s.closed = true
	s.ring.close()
	s.stats.outstandingReads.Store(0)
	for _, cl := range s.clients {
		s.release(cl)
	}
	for _, l := range s.listeners {
		_ = l.sock.Close()
	}
	for _, t := range s.timers {
		_ = t.sock.Close()
	}
	return s.wake.sock.Close()
}

func (s *UringServer) Stats() Stats {
	return s.stats.snapshot()
}
