//go:build linux

package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mpmc/pool"
	"mpmc/util/log"
)

type timerEntry struct {
	period   time.Duration
	callback func()
}

// PoolServer is the thread-pool model: acceptor goroutines hand every
// accepted stream to a fixed worker pool as one job.
type PoolServer struct {
	opts      Options
	listeners []*Listener
	timers    []timerEntry
	buffers   *bufferPool
	stats     counters
	running   atomic.Bool
	ran       bool
	closed    bool
}

func NewPoolServer(opts Options) *PoolServer {
	opts = opts.withDefaults()
	return &PoolServer{opts: opts, buffers: newBufferPool(opts.ReadBufferSize)}
}

func (s *PoolServer) Listen(ip string, port int) (net.Addr, error) {
	if s.closed {
		return nil, ErrServerClosed
	}
	l, err := Listen(ip, port, s.opts.Backlog)
	if err != nil {
		return nil, err
	}
	s.listeners = append(s.listeners, l)
	s.stats.listeners.Add(1)
	log.Info("pool server listening on %s", l.Addr())
	return l.Addr(), nil
}

// AddTimer runs callback every period on its own goroutine while Run is
// active.
func (s *PoolServer) AddTimer(period time.Duration, callback func()) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}
	if s.closed {
		return ErrServerClosed
	}
	s.timers = append(s.timers, timerEntry{period: period, callback: callback})
	return nil
}

// Run accepts until ctx is cancelled, then shuts the listeners down and
// closes the pool. Jobs still queued at that point are dropped unless the
// server drains on close. A shut down listener cannot accept again, so a
// stopped server can only be closed.
func (s *PoolServer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)
	if s.closed || s.ran {
		return ErrServerClosed
	}
	s.ran = true

	var opts []pool.Option
	if s.opts.DrainOnClose {
		opts = append(opts, pool.WithDrain())
	}
	workers := pool.New(s.opts.Workers, s.opts.QueueCapacity, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := sync.WaitGroup{}
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, l, workers)
		}(l)
	}
	for _, t := range s.timers {
		wg.Add(1)
		go func(t timerEntry) {
			defer wg.Done()
			s.tick(ctx, t)
		}(t)
	}

	<-ctx.Done()
	for _, l := range s.listeners {
		if err := l.Shutdown(); err != nil {
			log.Warn("shutdown listener %s: %v", l.Addr(), err)
		}
	}
	wg.Wait()
	workers.Close()
	return nil
}

/*
acceptLoop accepts connections in a loop and submits one job per stream.
Submit blocks while the queue is full, which stalls accepting.
*/
func (s *PoolServer) acceptLoop(ctx context.Context, l *Listener, workers *pool.Pool) {
	for {
		stream, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTemporary(err) {
				log.Warn("%v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Errorf("acceptor on %s stopped: %v", l.Addr(), err)
			return
		}
		s.stats.accepted.Add(1)
		job := &httpJob{
			id:      uuid.NewString(),
			stream:  stream,
			handler: s.opts.Handler,
			buffers: s.buffers,
			stats:   &s.stats,
		}
		if err := workers.Submit(job); err != nil {
			_ = job.Close()
			return
		}
	}
}

func (s *PoolServer) tick(ctx context.Context, t timerEntry) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if err := recover(); err != nil {
						log.Warn("timer callback panic: %v", err)
					}
				}()
				t.callback()
			}()
			s.stats.timerFires.Add(1)
		}
	}
}

func (s *PoolServer) Close() error {
	if s.running.Load() {
		return ErrRunning
	}
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, l := range s.listeners {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

func (s *PoolServer) Stats() Stats {
	return s.stats.snapshot()
}

// httpJob owns one accepted stream: it serves a single request and closes
// the stream.
type httpJob struct {
	id      string
	stream  *Stream
	handler Handler
	buffers *bufferPool
	stats   *counters
}

func (j *httpJob) Execute(w *pool.Worker) {
	defer j.Close()
	log.Debug("worker-%d received connection %s from %s", w.ID(), j.id, j.stream.RemoteAddr())
	buf := j.buffers.get()
	defer j.buffers.put(buf)
	n, err := j.stream.Read(buf)
	if err != nil {
		log.Debug("connection %s read: %v", j.id, err)
		return
	}
	j.stats.requests.Add(1)
	if _, err := j.stream.Write(respond(buf[:n], j.handler)); err != nil {
		log.Warn("connection %s write: %v", j.id, err)
		j.stats.writeErrors.Add(1)
	}
}

func (j *httpJob) Close() error {
	err := j.stream.Close()
	if err == nil {
		j.stats.closed.Add(1)
	}
	return err
}
