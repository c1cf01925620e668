//go:build linux

package tcp

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring ABI, see include/uapi/linux/io_uring.h.
const (
	uringOffSQRing = 0
	uringOffCQRing = 0x8000000
	uringOffSQEs   = 0x10000000

	uringEnterGetEvents = 1 << 0

	uringFeatFastPoll = 1 << 5

	uringOpAccept = 13
	uringOpRead   = 22
)

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

// sqe is the 64 byte submission queue entry.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

// cqe is the 16 byte completion queue entry.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// ring is a minimal single-goroutine io_uring: entries are queued with
// getSQE, handed to the kernel by submit or waitCQE, and completions are
// consumed one at a time with seen.
type ring struct {
	fd int

	sqRing  []byte
	cqRing  []byte
	sqeMem  []byte
	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqSize  uint32
	sqArray []uint32
	sqes    []sqe
	tail    uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []cqe
}

func newRing(entries uint32) (*ring, error) {
	var p uringParams
	r1, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("%w: io_uring_setup: %v", ErrUringUnavailable, errno)
	}
	r := &ring{fd: int(r1)}
	if p.features&uringFeatFastPoll == 0 {
		_ = unix.Close(r.fd)
		return nil, fmt.Errorf("%w: kernel lacks fast poll", ErrUringUnavailable)
	}
	if err := r.mmap(&p); err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

func (r *ring) mmap(p *uringParams) error {
	var err error
	sqLen := int(p.sqOff.array + p.sqEntries*4)
	r.sqRing, err = unix.Mmap(r.fd, uringOffSQRing, sqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring error: %w", err)
	}
	cqLen := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(cqe{})))
	r.cqRing, err = unix.Mmap(r.fd, uringOffCQRing, cqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap cq ring error: %w", err)
	}
	sqeLen := int(p.sqEntries * uint32(unsafe.Sizeof(sqe{})))
	r.sqeMem, err = unix.Mmap(r.fd, uringOffSQEs, sqeLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes error: %w", err)
	}

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.ringMask]))
	r.sqSize = *(*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.ringEntries]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqRing[p.sqOff.array])), p.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), p.sqEntries)
	r.tail = atomic.LoadUint32(r.sqTail)

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.cqRing[p.cqOff.cqes])), p.cqEntries)
	return nil
}

// getSQE returns a zeroed entry, or nil when the submission queue is full.
func (r *ring) getSQE() *sqe {
	head := atomic.LoadUint32(r.sqHead)
	if r.tail-head >= r.sqSize {
		return nil
	}
	idx := r.tail & r.sqMask
	entry := &r.sqes[idx]
	*entry = sqe{}
	r.sqArray[idx] = idx
	r.tail++
	return entry
}

// flush publishes queued entries and returns how many the kernel has not
// consumed yet.
func (r *ring) flush() uint32 {
	atomic.StoreUint32(r.sqTail, r.tail)
	return r.tail - atomic.LoadUint32(r.sqHead)
}

func (r *ring) enter(toSubmit, minComplete uint32, flags uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// submit hands every queued entry to the kernel without waiting.
func (r *ring) submit() error {
	for {
		toSubmit := r.flush()
		if toSubmit == 0 {
			return nil
		}
		err := r.enter(toSubmit, 0, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("io_uring_enter error: %w", err)
		}
		return nil
	}
}

// waitCQE blocks until one completion is available and returns a copy of it.
// The entry stays in the queue until seen is called.
func (r *ring) waitCQE() (cqe, error) {
	for {
		head := atomic.LoadUint32(r.cqHead)
		if head != atomic.LoadUint32(r.cqTail) {
			return r.cqes[head&r.cqMask], nil
		}
		err := r.enter(r.flush(), 1, uringEnterGetEvents)
		if err != nil && err != unix.EINTR && err != unix.EAGAIN && err != unix.EBUSY {
			return cqe{}, fmt.Errorf("io_uring_enter error: %w", err)
		}
	}
}

func (r *ring) seen() {
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+1)
}

func (r *ring) close() {
	for _, mem := range [][]byte{r.sqeMem, r.cqRing, r.sqRing} {
		if mem != nil {
			_ = unix.Munmap(mem)
		}
	}
	r.sqeMem, r.cqRing, r.sqRing = nil, nil, nil
	if r.fd >= 0 {
		_ = unix.Close(r.fd)
		r.fd = -1
	}
}

func prepAccept(entry *sqe, fd int, addr *unix.RawSockaddrAny, addrLen *uint32, flags uint32) {
	entry.opcode = uringOpAccept
	entry.fd = int32(fd)
	entry.addr = uint64(uintptr(unsafe.Pointer(addr)))
	entry.off = uint64(uintptr(unsafe.Pointer(addrLen)))
	entry.opFlags = flags
}

func prepRead(entry *sqe, fd int, buf []byte) {
	entry.opcode = uringOpRead
	entry.fd = int32(fd)
	// current file position; sockets and counters have none
	entry.off = ^uint64(0)
	entry.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	entry.len = uint32(len(buf))
}
