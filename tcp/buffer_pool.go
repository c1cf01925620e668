package tcp

import "sync"

// bufferPool recycles fixed size read buffers between connections.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

func (p *bufferPool) get() []byte {
	return *p.pool.Get().(*[]byte)
}

// put ignores buffers of a foreign size.
func (p *bufferPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}
