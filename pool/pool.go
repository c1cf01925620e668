package pool

import (
	"errors"
	"io"
	"sync"

	"mpmc/channel"
	"mpmc/util/log"
)

var ErrPoolClosed = errors.New("pool closed")

// Job is executed exactly once by the worker that dequeues it.
// Jobs that also implement io.Closer are closed if a hard-stop Close drops
// them before any worker picked them up.
type Job interface {
	Execute(w *Worker)
}

// JobFunc adapts a plain function to Job.
type JobFunc func(w *Worker)

func (f JobFunc) Execute(w *Worker) {
	f(w)
}

type Worker struct {
	id int
	rx *channel.Receiver[Job]
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) work(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		job, err := w.rx.Receive()
		if err != nil {
			return
		}
		w.execute(job)
	}
}

func (w *Worker) execute(job Job) {
	defer func() {
		if err := recover(); err != nil {
			log.Warn("worker-%d job panic: %v", w.id, err)
		}
	}()
	job.Execute(w)
}

type options struct {
	drain bool
}

type Option func(o *options)

// WithDrain lets workers finish every buffered job on Close instead of
// dropping them.
func WithDrain() Option {
	return func(o *options) {
		o.drain = true
	}
}

// Pool is a fixed set of workers sharing one bounded channel.
type Pool struct {
	tx        *channel.Sender[Job]
	workers   []*Worker
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts n workers (at least one) over a channel of the given capacity.
func New(n, capacity int, opts ...Option) *Pool {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if n <= 0 {
		n = 1
	}
	chOpts := []channel.Option[Job]{channel.WithDiscard[Job](release)}
	if o.drain {
		chOpts = append(chOpts, channel.WithDrain[Job]())
	}
	tx, rx := channel.New[Job](capacity, chOpts...)
	p := &Pool{tx: tx, workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		p.workers[i] = &Worker{id: i, rx: rx.Clone()}
		p.wg.Add(1)
		go p.workers[i].work(&p.wg)
	}
	log.Info("worker pool started, total %d goroutines", n)
	return p
}

// Submit blocks while the queue is full.
func (p *Pool) Submit(job Job) error {
	if err := p.tx.Send(job); err != nil {
		return ErrPoolClosed
	}
	return nil
}

// Close stops accepting jobs and waits for every worker to exit. Jobs already
// running complete; buffered jobs are dropped unless the pool drains.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.tx.Close()
		p.wg.Wait()
		for _, w := range p.workers {
			log.Debug("worker-%d joined", w.id)
		}
	})
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Pending returns the number of buffered jobs not yet picked up.
func (p *Pool) Pending() int {
	return p.tx.Len()
}

func release(job Job) {
	c, ok := job.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("release dropped job: %v", err)
	}
}
