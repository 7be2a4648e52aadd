// Package memory provides the in-process duplicate-removed request queue.
package memory

import (
	"sync"

	"github.com/spiderframe/spiderframe/internal/spider"
)

// Queue is a FIFO request queue that drops requests whose fingerprint has
// been pushed before. It implements spider.Queue.
type Queue struct {
	mu         sync.Mutex
	items      []*spider.Request
	seen       map[string]struct{}
	duplicates int64
}

// NewQueue constructs an empty duplicate-removed queue.
func NewQueue() *Queue {
	return &Queue{
		seen: make(map[string]struct{}),
	}
}

// Push enqueues the request unless it was seen before. Cycle-retried
// requests bypass the duplicate check: they carry the same fingerprint as
// the original attempt and are re-enqueued on purpose.
func (q *Queue) Push(req *spider.Request) {
	if req == nil {
		return
	}
	fp := req.Fingerprint()
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.CycleTriedTimes == 0 {
		if _, dup := q.seen[fp]; dup {
			q.duplicates++
			return
		}
	}
	q.seen[fp] = struct{}{}
	q.items = append(q.items, req)
}

// Poll returns the next request or nil when the queue is empty.
func (q *Queue) Poll() *spider.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req
}

// Len reports the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Duplicates reports how many pushes were dropped as duplicates.
func (q *Queue) Duplicates() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.duplicates
}
