package changewatch

import (
	"sync"
	"time"
)

// taskQueue runs deferred handler invocations one at a time, in push order,
// on a goroutine that exists only while work is pending.
type taskQueue struct {
	delay time.Duration

	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *taskQueue) drain() {
	if q.delay > 0 {
		time.Sleep(q.delay)
	}
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
