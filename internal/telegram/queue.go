package telegram

import "sync"

// chatQueue serializes instructions from one chat so a chat never has two
// runs in flight.
type chatQueue struct {
	pending []string
	mu      sync.Mutex
	locked  bool
}

func (q *chatQueue) Enqueue(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, text)
}

func (q *chatQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}

	text := q.pending[0]
	q.pending = q.pending[1:]
	return text, true
}

func (q *chatQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *chatQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

func (q *chatQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain runs fn for every queued instruction while holding the queue lock.
// It returns when the queue is empty or another goroutine took over.
func (q *chatQueue) drain(fn func(text string)) {
	for {
		for {
			text, ok := q.Dequeue()
			if !ok {
				break
			}
			fn(text)
		}
		q.Unlock()
		// An Enqueue may have landed between the last Dequeue and Unlock.
		if q.Len() == 0 || !q.TryLock() {
			return
		}
	}
}
