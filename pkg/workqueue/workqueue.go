// Package workqueue runs jobs on a small pool of serial queues.
//
// Each queue executes its jobs one at a time in submission order on its own
// goroutine. Queues are created lazily up to the pool size and then handed
// out round-robin; a caller that always submits one key's jobs to the same
// queue gets those jobs serialized without a global lock.
package workqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/fterr"
)

// MaxQueues caps the pool size.
const MaxQueues = 50

// Job is a unit of work. ctx is canceled only if the pool is closed with
// an expired context while the job is still pending or running.
type Job func(ctx context.Context) error

// Config configures a Pool.
type Config struct {
	Size int          // number of queues, default and cap MaxQueues
	Log  log15.Logger // default: log15.New("module", "workqueue")
}

// Pool is a fixed-size set of serial queues.
type Pool struct {
	mu     sync.Mutex
	size   int
	queues []*Queue
	next   int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	log    log15.Logger
}

// NewPool returns a pool with no queues started yet.
func NewPool(cfg Config) *Pool {
	if cfg.Size <= 0 || cfg.Size > MaxQueues {
		cfg.Size = MaxQueues
	}
	if cfg.Log == nil {
		cfg.Log = log15.New("module", "workqueue")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{size: cfg.Size, ctx: ctx, cancel: cancel, log: cfg.Log}
}

// Assign returns a queue for a new key: a fresh one while the pool is not
// full, otherwise the next one in round-robin order.
func (p *Pool) Assign() (*Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fterr.Closed.New("worker pool is closed")
	}
	if len(p.queues) < p.size {
		q := newQueue(p.ctx, len(p.queues), p.log)
		p.queues = append(p.queues, q)
		return q, nil
	}
	q := p.queues[p.next]
	p.next = (p.next + 1) % len(p.queues)
	return q, nil
}

// Size returns the maximum number of queues.
func (p *Pool) Size() int { return p.size }

// Started returns the number of queues created so far.
func (p *Pool) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// Close stops accepting jobs and waits for every queue to drain. If ctx
// expires first, running jobs see their context canceled and Close returns
// ctx.Err().
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queues := append([]*Queue(nil), p.queues...)
	p.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	for _, q := range queues {
		select {
		case <-q.done:
		case <-ctx.Done():
			p.cancel()
			return ctx.Err()
		}
	}
	p.cancel()
	return nil
}

// Queue runs jobs one at a time in FIFO order.
type Queue struct {
	id   int
	ctx  context.Context
	log  log15.Logger
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []task
	closed  bool
}

type task struct {
	job     Job
	barrier *Barrier
}

func newQueue(ctx context.Context, id int, log log15.Logger) *Queue {
	q := &Queue{
		id:   id,
		ctx:  ctx,
		log:  log.New("queue", id),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// ID returns the queue's position in its pool.
func (q *Queue) ID() int { return q.id }

// Submit enqueues job. It fails with fterr.Closed after the pool closed.
func (q *Queue) Submit(job Job) error {
	return q.submit(task{job: job})
}

// SubmitWithBarrier enqueues job and returns a barrier released when the
// job has run.
func (q *Queue) SubmitWithBarrier(job Job) (*Barrier, error) {
	b := &Barrier{done: make(chan struct{})}
	if err := q.submit(task{job: job, barrier: b}); err != nil {
		return nil, err
	}
	return b, nil
}

// Pending returns the number of jobs waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) submit(t task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fterr.Closed.New("queue %d is closed", q.id)
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		t := q.pending[0]
		q.pending[0] = task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := q.exec(t.job)
		if t.barrier != nil {
			t.barrier.release(err)
		}
	}
}

func (q *Queue) exec(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", "panic", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(q.ctx)
}

// Barrier is satisfied once its job has finished.
type Barrier struct {
	done chan struct{}
	err  error
}

func (b *Barrier) release(err error) {
	b.err = err
	close(b.done)
}

// Done is closed when the job has finished.
func (b *Barrier) Done() <-chan struct{} { return b.done }

// Wait blocks until the job has finished or ctx is done, and returns the
// job's error or ctx.Err().
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
