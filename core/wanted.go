package core

import (
	"container/list"
	"sync"
	"time"
)

// WantedKey identifies a gossip-only item: a transaction id or bulletin
// message id (spec.md §3 "Wanted-item").
type WantedKey [32]byte

// wantedEntry is one FIFO slot: a key plus the time it was first
// advertised to us.
type wantedEntry struct {
	Key       WantedKey
	Advertised time.Time
}

// WantedQueue is the de-duplicated FIFO of items we've been told exist but
// haven't yet received (spec.md §4.H). A single timer armed on the head
// expires entries in order.
type WantedQueue struct {
	mu      sync.Mutex
	order   *list.List // of *wantedEntry, oldest first
	index   map[WantedKey]*list.Element
	expiry  time.Duration
	timer   *time.Timer
	onExpire func(WantedKey)
}

// NewWantedQueue builds an empty queue with the given per-item expiry.
// onExpire is invoked (outside the queue's lock) when an entry's timer
// fires, so the caller can re-request the item via broadcast (spec.md §4.H
// "re-requested via broadcast to all capable peers, then the entry is
// dropped").
func NewWantedQueue(expiry time.Duration, onExpire func(WantedKey)) *WantedQueue {
	return &WantedQueue{
		order:    list.New(),
		index:    make(map[WantedKey]*list.Element),
		expiry:   expiry,
		onExpire: onExpire,
	}
}

// Add inserts key if not already present (spec.md §4.H "Insertions
// de-duplicate by key"). Returns true if a new entry was inserted.
func (q *WantedQueue) Add(key WantedKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[key]; exists {
		return false
	}
	entry := &wantedEntry{Key: key, Advertised: time.Now()}
	elem := q.order.PushBack(entry)
	q.index[key] = elem

	if q.order.Front() == elem {
		q.rearmLocked()
	}
	return true
}

// Remove drops key, e.g. once the item has actually been received. No-op
// if key isn't queued.
func (q *WantedQueue) Remove(key WantedKey) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.index[key]
	if !ok {
		return
	}
	wasHead := q.order.Front() == elem
	q.order.Remove(elem)
	delete(q.index, key)

	if wasHead {
		q.rearmLocked()
	}
}

// Has reports whether key is currently queued.
func (q *WantedQueue) Has(key WantedKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok
}

// Len returns the number of pending entries.
func (q *WantedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// rearmLocked must be called with q.mu held. It (re)arms the head timer to
// fire when the current front entry's expiry is due, or stops the timer if
// the queue is empty.
func (q *WantedQueue) rearmLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	front := q.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*wantedEntry)
	remaining := time.Until(entry.Advertised.Add(q.expiry))
	if remaining < 0 {
		remaining = 0
	}
	q.timer = time.AfterFunc(remaining, q.onHeadExpired)
}

func (q *WantedQueue) onHeadExpired() {
	q.mu.Lock()
	front := q.order.Front()
	if front == nil {
		q.mu.Unlock()
		return
	}
	entry := front.Value.(*wantedEntry)
	if time.Since(entry.Advertised) < q.expiry {
		// Spurious wakeup (e.g. timer raced a concurrent Add reshaping the
		// head); rearm against the real deadline instead of expiring early.
		q.rearmLocked()
		q.mu.Unlock()
		return
	}
	q.order.Remove(front)
	delete(q.index, entry.Key)
	q.rearmLocked()
	q.mu.Unlock()

	if q.onExpire != nil {
		q.onExpire(entry.Key)
	}
}

// Stop cancels the head timer, used during shutdown.
func (q *WantedQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
	}
}
