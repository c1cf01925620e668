//go:build linux

package tcp

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func newTestUring(t *testing.T, entries int) *UringServer {
	t.Helper()
	srv, err := NewUringServer(Options{RingEntries: entries})
	if errors.Is(err, ErrUringUnavailable) {
		t.Skip(err)
	}
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

// fillQueue takes every free submission entry. Zeroed entries are no-ops.
func fillQueue(r *ring) {
	for r.getSQE() != nil {
	}
}

func TestUringServer_StuckQueueReleasesSlots(t *testing.T) {
	srv := newTestUring(t, 4)
	if _, err := srv.Listen("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	var l *acceptSlot
	for _, slot := range srv.listeners {
		l = slot
	}
	local, peer := socketPair(t)
	defer unix.Close(peer)

	// every io_uring_enter fails while the ring descriptor is invalid
	ringFd := srv.ring.fd
	srv.ring.fd = -1
	fillQueue(srv.ring)
	srv.onAccept(l, int32(local))
	srv.ring.fd = ringFd

	stats := srv.Stats()
	if stats.Accepted != 1 || stats.Closed != 1 || stats.BuffersReleased != 1 {
		t.Errorf("client not released: %+v", stats)
	}
	if stats.OutstandingReads != 0 {
		t.Errorf("outstanding reads: %d", stats.OutstandingReads)
	}
	if stats.Listeners != 0 || len(srv.listeners) != 0 {
		t.Errorf("listener not dropped: %+v", stats)
	}
	if len(srv.clients) != 0 {
		t.Errorf("clients left: %d", len(srv.clients))
	}
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestUringServer_ReplyBuiltBeforeRearm(t *testing.T) {
	srv := newTestUring(t, 4)
	defer srv.Close()
	local, peer := socketPair(t)
	defer unix.Close(peer)

	cl := &clientSlot{sock: newFileDesc(local), gen: srv.generation(), buf: srv.buffers.get()}
	srv.clients[local] = cl
	first := copy(cl.buf, "GET /first HTTP/1.1\r\n\r\n")
	// the next request is already waiting when the read is rearmed
	if err := writeAll(peer, []byte("GET /second HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	srv.stats.outstandingReads.Store(1)

	// a full queue forces the rearm to flush
	fillQueue(srv.ring)
	srv.onRead(cl, int32(first))

	reply := make([]byte, 4096)
	n, err := readFd(peer, reply)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reply[:n]), "/first") {
		t.Errorf("reply: %q", reply[:n])
	}
	if got := srv.Stats().OutstandingReads; got != 1 {
		t.Errorf("outstanding reads: %d", got)
	}

	if err := srv.ring.submit(); err != nil {
		t.Fatal(err)
	}
	for {
		c, err := srv.ring.waitCQE()
		if err != nil {
			t.Fatal(err)
		}
		srv.ring.seen()
		if kind, _, _ := decodeUserData(c.userData); kind != opRead {
			continue
		}
		if c.res <= 0 || !strings.Contains(string(cl.buf[:c.res]), "/second") {
			t.Errorf("rearmed read: res %d, %q", c.res, cl.buf[:max(c.res, 0)])
		}
		break
	}
}
