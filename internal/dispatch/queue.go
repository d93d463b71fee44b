package dispatch

import (
	"container/heap"
	"time"

	"github.com/t77yq/metric-harvester/internal/model"
)

// item is one queue entry referencing a job by id.
type item struct {
	jobID       string
	sourceID    string
	priority    model.TargetPriority
	submittedAt time.Time
	notBefore   time.Time
	seq         uint64
}

// readyQueue orders eligible items core-first, then FIFO by submission
// time. The sequence number keeps ordering stable for equal timestamps.
type readyQueue struct {
	items []*item
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *readyQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*item))
}

func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// delayedQueue orders items by their eligibility time.
type delayedQueue struct {
	items []*item
}

func (q *delayedQueue) Len() int { return len(q.items) }

func (q *delayedQueue) Less(i, j int) bool {
	return q.items[i].notBefore.Before(q.items[j].notBefore)
}

func (q *delayedQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *delayedQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*item))
}

func (q *delayedQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

// peek returns the earliest item without removing it.
func (q *delayedQueue) peek() *item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

var (
	_ heap.Interface = (*readyQueue)(nil)
	_ heap.Interface = (*delayedQueue)(nil)
)
