// Package timeoutqueue implements the min-heap of (deadline, tag) pairs
// spec.md Section 4.4 describes for scheduling allocation, permission
// and channel expiry. turnclient.Client uses it directly for its
// Refresh/CreatePermission/ChannelBind timers; turnserver instead
// sweeps its allocation table with a periodic Allocator.Prune (see
// turn/turnserver/allocator.go), since the server already walks every
// allocation's timeout on each tick and has no need for a heap.
//
// The queue intentionally does not support removing an individual
// entry: callers that need to invalidate a scheduled timeout embed a
// sequence number in Tag and compare it against the current sequence
// number of the referenced entity when the timeout fires (the "seqno
// stale-filter" pattern described in spec.md Section 9). This avoids a
// mutable-timeout-handle data structure entirely.
package timeoutqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one scheduled timeout.
type Entry struct {
	Deadline time.Time
	Tag      interface{}
}

// entryHeap implements container/heap.Interface ordered by Deadline.
type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a concurrency-safe min-heap of (deadline, tag) entries.
type Queue struct {
	mu sync.Mutex
	h  entryHeap
}

// New returns an empty Queue.
func New() *Queue { return &Queue{} }

// Push schedules tag to fire at deadline.
func (q *Queue) Push(tag interface{}, deadline time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, Entry{Deadline: deadline, Tag: tag})
}

// PushAfter schedules tag to fire after d has elapsed from now.
func (q *Queue) PushAfter(tag interface{}, now time.Time, d time.Duration) {
	q.Push(tag, now.Add(d))
}

// Pop removes and returns every entry whose deadline is <= now, in
// deadline order. Returns nil if nothing is due.
func (q *Queue) Pop(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Entry
	for q.h.Len() > 0 && !q.h[0].Deadline.After(now) {
		due = append(due, heap.Pop(&q.h).(Entry))
	}
	return due
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Peek returns the earliest entry without removing it, and whether one
// exists.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Entry{}, false
	}
	return q.h[0], true
}
