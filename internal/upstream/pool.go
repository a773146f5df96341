package upstream

import "sync"

// workerPool runs completion continuations on a fixed set of goroutines.
// Bounded the same way the breaker's isolated pool is: a channel sized to the
// worker count, so submission blocks once every worker is busy.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: make(chan func(), workers)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a continuation. Blocks when all workers are busy and the
// queue is full; completions are never dropped.
func (p *workerPool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes the queue and waits for in-flight continuations to finish.
func (p *workerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
