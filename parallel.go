package reach

import (
	"sync"
	"sync/atomic"
)

// workQueue is the unordered work-stealing queue parallel marking drains:
// a lock-free stack of frontier chunks with a side-band waiting-worker list
// guarded by a small mutex.
//
// Termination protocol: a worker that pops an empty queue takes the lock,
// re-checks, and either observes every other worker already waiting — in
// which case it marks the queue done and wakes everyone — or parks itself
// on a single-use event. Pushers take the lock only long enough to pop one
// waiter to wake.
type workQueue struct {
	head atomic.Pointer[workNode]

	mu      sync.Mutex
	waiters []chan struct{}
	workers int
	done    bool
	err     error
}

type workNode struct {
	f    *Frontier
	next *workNode
}

func newWorkQueue(workers int) *workQueue {
	return &workQueue{workers: workers}
}

// push adds a frontier chunk and wakes at most one parked worker.
func (q *workQueue) push(f *Frontier) {
	n := &workNode{f: f}

	for {
		old := q.head.Load()
		n.next = old

		if q.head.CompareAndSwap(old, n) {
			break
		}
	}

	q.mu.Lock()

	if len(q.waiters) > 0 {
		ch := q.waiters[len(q.waiters)-1]
		q.waiters = q.waiters[:len(q.waiters)-1]
		close(ch)
	}

	q.mu.Unlock()
}

// tryPop removes one chunk, or returns nil when the stack is empty.
func (q *workQueue) tryPop() *Frontier {
	for {
		old := q.head.Load()
		if old == nil {
			return nil
		}

		if q.head.CompareAndSwap(old, old.next) {
			return old.f
		}
	}
}

// popOrWait blocks until a chunk is available or the queue is done. A nil
// return means the drain is complete (or aborted by a fatal).
func (q *workQueue) popOrWait() *Frontier {
	for {
		if f := q.tryPop(); f != nil {
			return f
		}

		q.mu.Lock()

		// Re-check under the lock: a push may have landed before we got
		// here.
		if q.head.Load() != nil {
			q.mu.Unlock()
			continue
		}

		if q.done {
			q.mu.Unlock()
			return nil
		}

		if len(q.waiters) == q.workers-1 {
			// Everyone else is parked and there is no work: this worker
			// is the last one running, so the drain is complete.
			q.done = true

			for _, ch := range q.waiters {
				close(ch)
			}

			q.waiters = nil

			q.mu.Unlock()

			return nil
		}

		ch := make(chan struct{})
		q.waiters = append(q.waiters, ch)

		q.mu.Unlock()

		<-ch
	}
}

// fail records the first fatal, marks the queue done and wakes every
// parked worker so the drain unwinds cleanly.
func (q *workQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err == nil {
		q.err = err
	}

	q.done = true

	for _, ch := range q.waiters {
		close(ch)
	}

	q.waiters = nil
}

func (q *workQueue) firstErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.err
}

// markWorker is one parallel mark worker: drain local work first, then pop
// chunks off the shared queue until the drain completes.
func (c *Collector) markWorker(q *workQueue, tc *TraceContext) {
	for {
		var cur *Frontier

		if len(tc.next.objects) > 0 {
			cur = tc.next
			tc.next = c.pool.acquire()
		} else {
			cur = q.popOrWait()
			if cur == nil {
				return
			}
		}

		err := tc.traceFrontier(cur)
		c.pool.release(cur)

		if err != nil {
			q.fail(err)
			return
		}
	}
}

// markParallel distributes the seed frontier over workerCount workers on a
// work-stealing queue. Token streams must already be assembled; workers
// never assemble (fatal if a class is missing its stream).
func (c *Collector) markParallel(seed *Frontier, proc ReferenceProcessor) (objects, refs, clusters int64, err error) {
	workers := c.cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}

	q := newWorkQueue(workers)

	// Cut the seed into subtask-sized chunks up front so workers start
	// with spread-out work.
	chunk := c.cfg.MinObjectsPerSubtask

	for len(seed.objects) > chunk {
		part := c.pool.acquire()
		part.objects = append(part.objects, seed.objects[len(seed.objects)-chunk:]...)
		seed.objects = seed.objects[:len(seed.objects)-chunk]

		q.push(part)
	}

	q.push(seed)

	contexts := make([]*TraceContext, workers)

	var wg sync.WaitGroup

	for i := range workers {
		tc := &TraceContext{
			c:            c,
			proc:         proc,
			next:         c.pool.acquire(),
			queue:        q,
			minChunk:     chunk,
			autoAssemble: false,
			processNoop:  c.cfg.ProcessNoOpTokens,
			processWeak:  c.cfg.ProcessWeakReferences,
		}
		contexts[i] = tc

		wg.Add(1)

		go func() {
			defer wg.Done()
			c.markWorker(q, tc)
		}()
	}

	wg.Wait()

	for _, tc := range contexts {
		c.pool.release(tc.next)

		objects += tc.objectsVisited
		refs += tc.refsDispatched
		clusters += tc.clustersMarked
	}

	return objects, refs, clusters, q.firstErr()
}
