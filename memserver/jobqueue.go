package memserver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfam/famsvc/famerr"
)

// queueCapacity bounds the number of outstanding copy/backup/restore
// work items (§5 "lock-free bounded queue"); once that many jobs are
// pending, new work is rejected with AtlQueueFull rather than queuing
// unboundedly.
const queueCapacity = 256

// asyncResult is the wait-handle target: the next wait_for_* call reads
// err once done is closed (§7 "background jobs store their outcome in
// the wait-handle").
type asyncResult struct {
	done chan struct{}
	err  error
}

// jobQueue bounds concurrent copy/backup/restore work to NUM_CONSUMER
// at a time via a weighted semaphore, the same pattern the rest of the
// pack uses for bounded fan-out (errgroup + semaphore). There is no
// persistent worker pool: each submitted job gets its own goroutine,
// which holds one semaphore slot while it runs.
type jobQueue struct {
	srv *Server
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	pending int64 // atomic, bounded by queueCapacity

	mu      sync.Mutex
	results map[uuid.UUID]*asyncResult
}

func newJobQueue(srv *Server, workers int) *jobQueue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &jobQueue{
		srv:     srv,
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		results: make(map[uuid.UUID]*asyncResult),
	}
}

// start is a no-op: the semaphore bounds concurrency per-submission,
// there is no fixed pool of goroutines to launch up front.
func (q *jobQueue) start() {}

func (q *jobQueue) stop() {
	q.cancel()
}

// submit enqueues fn, returning a wait handle the caller reports back to
// the client. Fails AtlQueueFull if queueCapacity jobs are already
// pending or running.
func (q *jobQueue) submit(fn func() error) (uuid.UUID, error) {
	if atomic.AddInt64(&q.pending, 1) > queueCapacity {
		atomic.AddInt64(&q.pending, -1)
		return uuid.Nil, famerr.New("submit", famerr.AtlQueueFull, "async queue is full")
	}
	handle := uuid.New()
	res := &asyncResult{done: make(chan struct{})}
	q.mu.Lock()
	q.results[handle] = res
	q.mu.Unlock()

	go func() {
		defer atomic.AddInt64(&q.pending, -1)
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			res.err = famerr.Wrap("submit", famerr.AtlQueueInsert, "worker pool shut down", err)
			close(res.done)
			return
		}
		defer q.sem.Release(1)
		res.err = fn()
		close(res.done)
	}()
	return handle, nil
}

// WaitFor blocks until handle's job completes and returns its outcome.
// Fails NotFound if handle was never issued by this server (or was
// already reaped by a prior WaitFor).
func (q *jobQueue) WaitFor(handle uuid.UUID) error {
	q.mu.Lock()
	res, ok := q.results[handle]
	q.mu.Unlock()
	if !ok {
		return famerr.New("wait_for", famerr.NotFound, "unknown wait handle")
	}
	<-res.done
	q.mu.Lock()
	delete(q.results, handle)
	q.mu.Unlock()
	return res.err
}
