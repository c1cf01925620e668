// Package channel implements a bounded multi-producer/multi-consumer queue
// with blocking send/receive and a one-shot close.
package channel

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

const DefaultCapacity = 10

var ErrClosed = errors.New("channel closed")

// ClosePolicy decides what receivers observe once the channel is closed.
type ClosePolicy int

const (
	// Discard makes Receive fail as soon as the channel is closed, buffered
	// items are released to the discard hook and never delivered.
	Discard ClosePolicy = iota
	// Drain keeps delivering buffered items after close and fails only once
	// the buffer is empty.
	Drain
)

type Option[T any] func(c *Channel[T])

// WithDrain switches the close policy to Drain.
func WithDrain[T any]() Option[T] {
	return func(c *Channel[T]) {
		c.policy = Drain
	}
}

// WithDiscard registers a hook called once per buffered item dropped by a
// Discard close.
func WithDiscard[T any](fn func(T)) Option[T] {
	return func(c *Channel[T]) {
		c.onDiscard = fn
	}
}

// Channel is the shared state behind Sender and Receiver handles.
// freeSlots + filledSlots == capacity holds outside of Send/Receive.
type Channel[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *queue.Queue

	capacity    int
	freeSlots   int
	filledSlots int
	closed      bool

	policy    ClosePolicy
	onDiscard func(T)
}

// New creates a channel and returns its first sender and receiver.
// A non-positive capacity selects DefaultCapacity.
func New[T any](capacity int, opts ...Option[T]) (*Sender[T], *Receiver[T]) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel[T]{
		items:     queue.New(),
		capacity:  capacity,
		freeSlots: capacity,
	}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return &Sender[T]{ch: c}, &Receiver[T]{ch: c}
}

func (c *Channel[T]) push(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.freeSlots == 0 && !c.closed {
		c.notFull.Wait()
	}
	if c.closed {
		return ErrClosed
	}
	c.freeSlots--
	c.items.Add(item)
	c.filledSlots++
	c.notEmpty.Broadcast()
	return nil
}

func (c *Channel[T]) pop() (T, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.filledSlots == 0 && !c.closed {
		c.notEmpty.Wait()
	}
	if c.closed && (c.policy == Discard || c.filledSlots == 0) {
		return zero, ErrClosed
	}
	c.filledSlots--
	item, _ := c.items.Remove().(T)
	c.freeSlots++
	c.notFull.Broadcast()
	return item, nil
}

func (c *Channel[T]) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var dropped []T
	if c.policy == Discard {
		dropped = make([]T, 0, c.filledSlots)
		for c.filledSlots > 0 {
			item, _ := c.items.Remove().(T)
			dropped = append(dropped, item)
			c.filledSlots--
			c.freeSlots++
		}
	}
	c.notEmpty.Broadcast()
	c.notFull.Broadcast()
	c.mu.Unlock()

	if c.onDiscard != nil {
		for _, item := range dropped {
			c.onDiscard(item)
		}
	}
}

func (c *Channel[T]) length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filledSlots
}

func (c *Channel[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender is the producing handle. Any number of goroutines may share one.
type Sender[T any] struct {
	ch *Channel[T]
}

// Send blocks while the channel is full. It returns ErrClosed without
// enqueuing if the channel is or becomes closed.
func (s *Sender[T]) Send(item T) error {
	return s.ch.push(item)
}

// Close is idempotent. It wakes every goroutine blocked in Send or Receive.
func (s *Sender[T]) Close() {
	s.ch.close()
}

func (s *Sender[T]) Len() int {
	return s.ch.length()
}

func (s *Sender[T]) Cap() int {
	return s.ch.capacity
}

func (s *Sender[T]) Closed() bool {
	return s.ch.isClosed()
}

// Receiver is a consuming handle. Clone it to give each consumer its own.
type Receiver[T any] struct {
	ch *Channel[T]
}

// Receive blocks while the channel is empty and open.
func (r *Receiver[T]) Receive() (T, error) {
	return r.ch.pop()
}

func (r *Receiver[T]) Clone() *Receiver[T] {
	return &Receiver[T]{ch: r.ch}
}

func (r *Receiver[T]) Len() int {
	return r.ch.length()
}

func (r *Receiver[T]) Cap() int {
	return r.ch.capacity
}

func (r *Receiver[T]) Closed() bool {
	return r.ch.isClosed()
}
