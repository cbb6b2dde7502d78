// Worker pool grounded on ws/worker_pool.go's fixed-size goroutine pool
// with a bounded job queue, re-typed here to carry dispatch jobs instead
// of the teacher's message-relay jobs.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pusherbroker/internal/logging"
)

// job is one unit of isolated work: a single handler invocation.
type job func()

// WorkerPool runs dispatch jobs on a fixed number of goroutines so a burst
// of concurrent handler invocations can't spawn unbounded goroutines. Each
// dispatch still gets full isolation (its own Context, no shared ambient
// state) regardless of which worker goroutine happens to run it.
type WorkerPool struct {
	jobs   chan job
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewWorkerPool starts workerCount goroutines draining a queue of size
// queueSize.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	p := &WorkerPool{
		jobs:   make(chan job, queueSize),
		logger: logger,
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *WorkerPool) run(j job) {
	defer logging.RecoverPanic(p.logger, "dispatch-worker", nil)
	j()
}

// Submit enqueues j, blocking only if the queue is full (back-pressure by
// design; the spec's §5 point 1 only forbids the *read loop* blocking on a
// handler, not the worker pool itself exerting back-pressure on new
// dispatches under load).
func (p *WorkerPool) Submit(j job) {
	p.jobs <- j
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *WorkerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
