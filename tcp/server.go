package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mpmc/http1"
)

// Server is implemented by the thread-pool server and both reactors.
// Listen and AddTimer must be called before Run, from the goroutine that
// will call Run. Close releases every descriptor and must not be called
// while Run is still executing.
type Server interface {
	Listen(ip string, port int) (net.Addr, error)
	AddTimer(period time.Duration, callback func()) error
	Run(ctx context.Context) error
	Close() error
	Stats() Stats
}

var (
	ErrRunning             = errors.New("server is already running")
	ErrServerClosed        = errors.New("server closed")
	ErrInvalidPeriod       = errors.New("timer period must be positive")
	ErrUnsupportedPlatform = errors.New("server mode not supported on this platform")
	ErrUringUnavailable    = errors.New("io_uring unavailable")
)

// Handler builds the response for one parsed request.
type Handler func(req *http1.Request) *http1.Response

// EchoHandler answers every request with a page naming its method and path.
func EchoHandler(req *http1.Request) *http1.Response {
	body := fmt.Sprintf("<html><body><h1>%s %s</h1><p>%s</p></body></html>", req.Method, req.Path, req.Body)
	resp := http1.NewResponse(200, body)
	resp.SetHeader("Content-Type", "text/html")
	resp.SetHeader("Content-Length", strconv.Itoa(len(body)))
	resp.SetHeader("X-Request-Id", uuid.NewString())
	return resp
}

// respond turns the bytes of one read into the bytes to write back.
func respond(raw []byte, handler Handler) []byte {
	req, err := http1.ParseRequest(raw)
	if err != nil {
		resp := http1.NewResponse(400, "")
		resp.SetHeader("Content-Length", "0")
		return resp.Bytes()
	}
	return handler(req).Bytes()
}

type Options struct {
	// ReadBufferSize bounds a single read, one read is one request.
	ReadBufferSize int
	Backlog        int
	// RingEntries is the io_uring submission queue depth.
	RingEntries   int
	Workers       int
	QueueCapacity int
	DrainOnClose  bool
	Handler       Handler
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.Backlog <= 0 {
		o.Backlog = 10
	}
	if o.RingEntries <= 0 {
		o.RingEntries = 64
	}
	if o.Workers <= 0 {
		o.Workers = 6
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 10
	}
	if o.Handler == nil {
		o.Handler = EchoHandler
	}
	return o
}

// Stats is a point in time snapshot of a server's counters.
type Stats struct {
	Listeners        int64
	Accepted         uint64
	Closed           uint64
	Requests         uint64
	WriteErrors      uint64
	TimerFires       uint64
	BuffersReleased  uint64
	OutstandingReads int64
}

type counters struct {
	listeners        atomic.Int64
	accepted         atomic.Uint64
	closed           atomic.Uint64
	requests         atomic.Uint64
	writeErrors      atomic.Uint64
	timerFires       atomic.Uint64
	buffersReleased  atomic.Uint64
	outstandingReads atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Listeners:        c.listeners.Load(),
		Accepted:         c.accepted.Load(),
		Closed:           c.closed.Load(),
		Requests:         c.requests.Load(),
		WriteErrors:      c.writeErrors.Load(),
		TimerFires:       c.timerFires.Load(),
		BuffersReleased:  c.buffersReleased.Load(),
		OutstandingReads: c.outstandingReads.Load(),
	}
}
