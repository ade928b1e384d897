package core

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SchedulerConfig bounds the scheduler's global concurrency and rating
// feedback behavior (spec.md §4.F).
type SchedulerConfig struct {
	MaxConcurrentHeaderPacks int64
	MaxConcurrentBlockPacks  int64
	MaxHdrPackCount          uint32
	RequestTimeout           time.Duration
	FastSyncWindow           uint64
}

// connectionSet is the subset of Node state try_assign_task needs: the
// live, rating-ordered peer set. The scheduler never mutates this directly;
// it only reads it and records ownership on the Connection objects
// themselves (spec.md §4.F "single-threaded" replaced by the Node's
// single-loop goroutine owning all calls into Scheduler).
type connectionSet interface {
	// RatingOrdered returns authenticated, connected connections sorted by
	// descending peer rating (spec.md §4.F "iterates peers in descending
	// rating").
	RatingOrdered() []*Connection
}

// Scheduler assigns block/header fetch tasks to connections and tracks
// global concurrency caps via weighted semaphores (spec.md §4.F,
// SPEC_FULL.md §5 "global caps via golang.org/x/sync/semaphore.Weighted").
type Scheduler struct {
	cfg SchedulerConfig

	headerPackSem *semaphore.Weighted
	blockPackSem  *semaphore.Weighted

	mu          sync.Mutex
	tasks       map[TaskKey]*Task
	unassigned  []*Task // FIFO order of unassigned task keys

	insaneQueue chan PeerID // deferred peer_insane bans, drained once per Node loop tick
}

// NewScheduler builds a scheduler with its global concurrency caps sized
// per cfg.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		headerPackSem: semaphore.NewWeighted(cfg.MaxConcurrentHeaderPacks),
		blockPackSem:  semaphore.NewWeighted(cfg.MaxConcurrentBlockPacks),
		tasks:         make(map[TaskKey]*Task),
		insaneQueue:   make(chan PeerID, 256),
	}
}

// RequestData creates or re-arms a task (spec.md §4.F "Task creation").
func (s *Scheduler) RequestData(key TaskKey, tip Tip) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[key]; ok {
		t.Needed = true
		if tip.Work > t.TargetTip.Work {
			t.TargetTip = tip
		}
		return t
	}
	t := &Task{Key: key, TargetTip: tip, Needed: true}
	s.tasks[key] = t
	s.unassigned = append(s.unassigned, t)
	return t
}

// eligible implements spec.md §4.F "try_assign_task" peer-eligibility
// filter, minus the global-cap check (applied separately since it guards a
// whole class of task rather than one peer).
func eligible(c *Connection, key TaskKey, targetTip Tip) bool {
	if _, ok := c.PeerID(); !ok {
		return false // not authenticated
	}
	tip, has := c.Tip()
	if !has || tip.Height < targetTip.Height {
		return false
	}
	if targetTip.Height > 0 && tip.Hash != targetTip.Hash {
		// Height matches but the claimed chain diverges; only an exact tip
		// hash match (or height 0, the treasury/genesis case) qualifies.
		if tip.Height != targetTip.Height || tip.Hash != targetTip.Hash {
			return false
		}
	}
	if c.HasRejected(key) {
		return false
	}
	if key.IsBlock && c.DownloadingBlock() {
		return false
	}
	return true
}

// TryAssignTask walks candidates in descending rating and assigns the
// first eligible peer to t, respecting the relevant global cap (spec.md
// §4.F). It returns false if no eligible peer is currently available,
// leaving t on the unassigned list for the next scheduler pass.
func (s *Scheduler) TryAssignTask(t *Task, candidates connectionSet, onTimeout func(*Connection, *Task)) bool {
	sem := s.blockPackSem
	if !t.Key.IsBlock {
		sem = s.headerPackSem
	}
	if !sem.TryAcquire(1) {
		return false
	}

	for _, c := range candidates.RatingOrdered() {
		if !eligible(c, t.Key, t.TargetTip) {
			continue
		}
		s.mu.Lock()
		t.Owner = c
		t.AssignedAt = time.Now()
		s.removeUnassignedLocked(t.Key)
		s.mu.Unlock()

		c.attachTask(t, s.cfg.RequestTimeout, func() {
			s.onTimeout(t, c, onTimeout)
		})
		return true
	}

	sem.Release(1)
	return false
}

func (s *Scheduler) onTimeout(t *Task, c *Connection, notify func(*Connection, *Task)) {
	s.releaseTask(t)
	if notify != nil {
		notify(c, t)
	}
}

func (s *Scheduler) releaseTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem := s.blockPackSem
	if !t.Key.IsBlock {
		sem = s.headerPackSem
	}
	if t.Owner != nil {
		t.Owner.detachTask(t.Key)
		sem.Release(1)
		t.Owner = nil
	}
}

// HeaderPackCount bounds a GetHdrPack count by the network maximum and the
// delta between our tip and the target (spec.md §4.F "Request
// composition"). The scheduler's remaining header-pack capacity is not part
// of the bound.
func (s *Scheduler) HeaderPackCount(myHeight, targetHeight uint64) uint32 {
	delta := uint32(0)
	if targetHeight > myHeight {
		delta = uint32(targetHeight - myHeight)
	}
	if delta > s.cfg.MaxHdrPackCount {
		delta = s.cfg.MaxHdrPackCount
	}
	return delta
}

// InFastSyncWindow reports whether key falls inside the configured
// fast-sync window relative to the current tip height (spec.md §4.F
// "Request composition" — bounds filled only if the key is inside the
// current fast-sync window).
func (s *Scheduler) InFastSyncWindow(keyHeight, myHeight uint64) bool {
	if keyHeight > myHeight {
		return false
	}
	return myHeight-keyHeight <= s.cfg.FastSyncWindow
}

// Complete releases t as successfully delivered (spec.md §4.F "Successful
// delivery releases the head task") and returns the completed task so the
// caller can hand its target height/owner to a collaborator, or nil if key
// names no outstanding task.
func (s *Scheduler) Complete(key TaskKey) *Task {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.tasks, key)
	s.mu.Unlock()
	s.releaseTask(t)
	return t
}

// DataMissing handles a data_missing reply: marks key rejected on the
// owning connection and releases the task back to unassigned (spec.md
// §4.F).
func (s *Scheduler) DataMissing(key TaskKey) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	if t.Owner != nil {
		t.Owner.Reject(key)
	}
	s.releaseTask(t)
	s.mu.Lock()
	t.Needed = true
	s.unassigned = append(s.unassigned, t)
	s.mu.Unlock()
}

// Timeout handles a request-timer expiry for key: releases the task and
// puts it back on the unassigned list. It returns nothing and does not
// touch the owning connection; disconnecting the peer with a rating
// penalty (spec.md §4.F) is not done here.
func (s *Scheduler) Timeout(key TaskKey) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.releaseTask(t)
	s.mu.Lock()
	t.Needed = true
	s.unassigned = append(s.unassigned, t)
	s.mu.Unlock()
}

// QueueInsane enqueues a deferred peer_insane ban so the verdict (which may
// fire from within a database transaction) never re-enters the scheduler
// synchronously (spec.md §4.F "via an asynchronous queue").
func (s *Scheduler) QueueInsane(id PeerID) {
	select {
	case s.insaneQueue <- id:
	default:
		// Queue saturated under an unlikely burst of verdicts; the next
		// DrainInsane tick will still see earlier entries, and a
		// persistently misbehaving peer will be caught again on its next
		// delivered task.
	}
}

// DrainInsane drains the deferred-ban queue once per Node loop tick
// (SPEC_FULL.md §5 "drained once per loop tick").
func (s *Scheduler) DrainInsane(ban func(PeerID)) {
	for {
		select {
		case id := <-s.insaneQueue:
			ban(id)
		default:
			return
		}
	}
}

// Unassigned returns a snapshot of tasks awaiting assignment, oldest first.
func (s *Scheduler) Unassigned() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, len(s.unassigned))
	copy(out, s.unassigned)
	return out
}

func (s *Scheduler) removeUnassignedLocked(key TaskKey) {
	for i, t := range s.unassigned {
		if t.Key == key {
			s.unassigned = append(s.unassigned[:i], s.unassigned[i+1:]...)
			return
		}
	}
}

// --- rating-feedback loop (spec.md §4.F) ----------------------------------

// BandwidthSample is one delivery's (bytes, elapsed) observation fed into a
// connection's rating-feedback estimator.
type BandwidthSample struct {
	Bytes      int64
	ElapsedMs  int64
}

// bandwidthEWMA tracks an exponentially weighted bandwidth estimate in
// bytes/ms, converting it to a rating delta (spec.md §4.F "Rating-feedback
// loop"). alpha controls how quickly the estimate follows new samples.
type bandwidthEWMA struct {
	alpha   float64
	value   float64
	primed  bool
}

func newBandwidthEWMA(alpha float64) *bandwidthEWMA { return &bandwidthEWMA{alpha: alpha} }

func (e *bandwidthEWMA) Observe(s BandwidthSample) int32 {
	if s.ElapsedMs <= 0 {
		s.ElapsedMs = 1
	}
	bps := float64(s.Bytes) / float64(s.ElapsedMs)
	if !e.primed {
		e.value = bps
		e.primed = true
	} else {
		e.value = e.alpha*bps + (1-e.alpha)*e.value
	}
	return bandwidthToRatingDelta(e.value)
}

// bandwidthToRatingDelta maps a bytes/ms estimate to a small integer rating
// delta: fast peers bubble up, slow ones drift down (spec.md §4.F "fast
// honest peers bubble up; slow or spiteful peers drift down").
func bandwidthToRatingDelta(bytesPerMs float64) int32 {
	switch {
	case bytesPerMs >= 64:
		return 2
	case bytesPerMs >= 16:
		return 1
	case bytesPerMs >= 1:
		return 0
	default:
		return -1
	}
}

// rankByRating is a small helper Node's connection table uses to implement
// connectionSet.RatingOrdered without importing sort at every call site.
func rankByRating(conns []*Connection, rating func(*Connection) int32) []*Connection {
	out := make([]*Connection, len(conns))
	copy(out, conns)
	sort.SliceStable(out, func(i, j int) bool {
		return rating(out[i]) > rating(out[j])
	})
	return out
}
