package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs the workgroups of a CPU kernel dispatch on a fixed set of
// goroutines.
//
// Each worker has its own queue and steals from the other queues when its own
// is empty, which keeps all workers busy when workgroups have uneven cost
// (a raster tile covered by thousands of splats next to an empty one).
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds one queue per worker. A worker pulls from its own
	// queue first and steals from the others when it is empty.
	workQueues []chan func()

	// done is closed to stop the workers.
	done chan struct{}

	// wg waits for every worker to exit.
	wg sync.WaitGroup

	// running reports whether the pool accepts work.
	running atomic.Bool

	// queueSize is the buffer size of each worker's queue.
	queueSize int
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The workers start immediately and wait for work.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// A few slots per worker lets a dispatch queue all its batches without
	// blocking on the first busy worker.
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
		queueSize:  queueSize,
	}

	// Per-worker queues
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	// Start the workers
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop of one worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			// Run what is left before exiting
			p.drainQueue(myQueue)
			return

		case work := <-myQueue:
			work()

		default:
			// Own queue is empty: try the others
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			// Nothing to steal, block on own queue
			select {
			case <-p.done:
				p.drainQueue(myQueue)
				return
			case work := <-myQueue:
				work()
			}
		}
	}
}

// drainQueue runs every item left in a queue.
func (p *WorkerPool) drainQueue(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

// steal takes one item from another worker's queue, or returns nil.
func (p *WorkerPool) steal(myID int) func() {
	// Try each other queue once
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
			// Empty, try the next one
		}
	}
	return nil
}

// ExecuteAll distributes work across workers and waits for all to complete.
// If the pool is closed, the work runs on the calling goroutine.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}
	if !p.running.Load() {
		for _, fn := range work {
			fn()
		}
		return
	}

	var completionWG sync.WaitGroup
	completionWG.Add(len(work))

	// Round-robin, each item signaling its completion
	for i, fn := range work {
		wrapped := func() {
			defer completionWG.Done()
			fn()
		}

		// May block while the queue is full
		select {
		case p.workQueues[i%p.workers] <- wrapped:
		case <-p.done:
			// Closing: run it here so the wait below returns
			wrapped()
		}
	}

	completionWG.Wait()
}

// Dispatch calls fn for every workgroup index in [0, groups) and waits for
// all of them. Consecutive groups are batched so that each worker receives a
// few large items instead of many tiny ones.
func (p *WorkerPool) Dispatch(groups int, fn func(group int)) {
	if groups <= 0 {
		return
	}
	if groups == 1 || p.workers == 1 {
		for g := range groups {
			fn(g)
		}
		return
	}

	batches := min(groups, p.workers*4)
	per := (groups + batches - 1) / batches

	work := make([]func(), 0, batches)
	for start := 0; start < groups; start += per {
		end := min(start+per, groups)
		work = append(work, func() {
			for g := start; g < end; g++ {
				fn(g)
			}
		})
	}
	p.ExecuteAll(work)
}

// Close stops accepting work, lets the workers finish what is queued and
// waits for them to exit.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		// Already closed
		return
	}

	// Signal the workers
	close(p.done)

	// Wait for them to drain and exit
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
