package pool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_Submit(t *testing.T) {
	p := New(runtime.NumCPU(), 8)
	defer p.Close()
	wg := sync.WaitGroup{}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		if err := p.Submit(JobFunc(func(w *Worker) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
			}
		})); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}

func TestPool_ExactlyOnce(t *testing.T) {
	const workers = 4
	const jobs = 500
	p := New(workers, 16)

	counts := make([]int32, jobs)
	var ran sync.WaitGroup
	var byWorker [workers]int32
	for i := 0; i < jobs; i++ {
		ran.Add(1)
		idx := i
		if err := p.Submit(JobFunc(func(w *Worker) {
			defer ran.Done()
			atomic.AddInt32(&counts[idx], 1)
			atomic.AddInt32(&byWorker[w.ID()], 1)
		})); err != nil {
			t.Fatal(err)
		}
	}
	ran.Wait()
	p.Close()

	for i, c := range counts {
		if c != 1 {
			t.Fatalf("job %d executed %d times", i, c)
		}
	}
	var total int32
	for _, c := range byWorker {
		total += c
	}
	if total != jobs {
		t.Errorf("expect %d executions across workers, got: %d", jobs, total)
	}
}

type closingJob struct {
	executed *int32
	closed   *int32
}

func (j closingJob) Execute(_ *Worker) {
	atomic.AddInt32(j.executed, 1)
}

func (j closingJob) Close() error {
	atomic.AddInt32(j.closed, 1)
	return nil
}

func TestPool_CloseDropsBuffered(t *testing.T) {
	const capacity = 8
	p := New(1, capacity)

	// park the only worker so the following jobs stay buffered
	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(JobFunc(func(w *Worker) {
		close(started)
		<-release
	}))
	<-started

	var executed, closed int32
	const submitted = capacity
	for i := 0; i < submitted; i++ {
		if err := p.Submit(closingJob{executed: &executed, closed: &closed}); err != nil {
			t.Fatal(err)
		}
	}
	if p.Pending() != capacity {
		t.Fatalf("expect %d pending, got: %d", capacity, p.Pending())
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not join workers")
	}

	dropped := submitted - int(executed)
	if dropped > capacity {
		t.Errorf("dropped %d jobs, more than capacity %d", dropped, capacity)
	}
	if int(closed) != dropped {
		t.Errorf("expect %d dropped jobs closed, got: %d", dropped, closed)
	}
	if err := p.Submit(JobFunc(func(*Worker) {})); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expect ErrPoolClosed, got: %v", err)
	}
}

func TestPool_CloseImmediately(t *testing.T) {
	const capacity = 16
	const jobs = 200
	p := New(4, capacity)
	var executed int32
	for i := 0; i < jobs; i++ {
		_ = p.Submit(JobFunc(func(*Worker) {
			atomic.AddInt32(&executed, 1)
		}))
	}
	p.Close()
	if dropped := jobs - int(atomic.LoadInt32(&executed)); dropped > capacity {
		t.Errorf("dropped %d jobs, more than capacity %d", dropped, capacity)
	}
}

func TestPool_Drain(t *testing.T) {
	p := New(1, 8, WithDrain())
	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(JobFunc(func(*Worker) {
		close(started)
		<-release
	}))
	<-started
	var executed int32
	for i := 0; i < 8; i++ {
		_ = p.Submit(JobFunc(func(*Worker) { atomic.AddInt32(&executed, 1) }))
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Close()
	if executed != 8 {
		t.Errorf("expect all 8 buffered jobs drained, got: %d", executed)
	}
}

func TestPool_PanicKeepsWorker(t *testing.T) {
	p := New(1, 4)
	defer p.Close()
	_ = p.Submit(JobFunc(func(*Worker) { panic("boom") }))
	done := make(chan struct{})
	_ = p.Submit(JobFunc(func(*Worker) { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}
