package proxy

import (
	"sync"
	"time"

	"github.com/fluxmq/fluxproxy/common"
)

// workerPool runs tasks on a fixed number of workers. Submission never blocks as long as
// the caller holds an admission permit - the task channel has one slot per worker and
// permits bound the number of outstanding tasks to the worker count.
type workerPool struct {
	tasks   chan func()
	workers sync.WaitGroup
	lock    sync.Mutex
	stopped bool
}

func newWorkerPool(workerCount int) *workerPool {
	p := &workerPool{
		tasks: make(chan func(), workerCount),
	}
	p.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		common.Go(p.workerLoop)
	}
	return p
}

func (p *workerPool) workerLoop() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
	}
}

// submit schedules the task, returning false if the pool has shut down.
func (p *workerPool) submit(task func()) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.stopped {
		return false
	}
	p.tasks <- task
	return true
}

// shutdown stops accepting tasks and waits up to the timeout for the workers to drain.
// Returns false if the workers were still busy when the timeout elapsed - they are then
// abandoned to finish on their own.
func (p *workerPool) shutdown(timeout time.Duration) bool {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return true
	}
	p.stopped = true
	close(p.tasks)
	p.lock.Unlock()

	done := make(chan struct{})
	common.Go(func() {
		p.workers.Wait()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
