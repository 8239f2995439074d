package ehci

import "sync"

// completions delivers request callbacks in the order requests retire.
// Retirement queues requests while holding the guard; callbacks run after
// the guard is released so they may submit again. A goroutine that finds a
// dispatch in progress leaves its requests to the running dispatcher.
type completions struct {
	mu      sync.Mutex
	queue   []*Request
	running bool
}

func (q *completions) push(r *Request) {
	q.mu.Lock()
	q.queue = append(q.queue, r)
	q.mu.Unlock()
}

func (q *completions) dispatch() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.queue) > 0 {
		r := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		r.deliver()
		q.mu.Lock()
	}
	q.queue = nil
	q.running = false
	q.mu.Unlock()
}
