package core

import (
	"net"
	"testing"
	"time"
)

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentHeaderPacks: 2,
		MaxConcurrentBlockPacks:  2,
		MaxHdrPackCount:          128,
		RequestTimeout:           time.Hour, // tests drive timeouts explicitly via s.Timeout
		FastSyncWindow:           1000,
	}
}

// testConn builds a ready-to-use Connection backed by an in-memory pipe and
// a plaintext channel, authenticated as id with the given tip.
func testConn(t *testing.T, id PeerID, tip Tip) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	c := newConnection(StreamID(1), Address{}, server, &SecureChannel{}, nil, nil, nil)
	c.setPeerID(id)
	c.SetTip(tip)
	return c
}

type fakeConnSet []*Connection

func (f fakeConnSet) RatingOrdered() []*Connection { return f }

func TestSchedulerRequestDataDeduplicates(t *testing.T) {
	s := NewScheduler(testSchedulerConfig())
	key := TaskKey{IsBlock: true}
	tip := Tip{Height: 10, Work: 100}

	t1 := s.RequestData(key, tip)
	t2 := s.RequestData(key, Tip{Height: 5, Work: 50})

	if t1 != t2 {
		t.Fatalf("RequestData: expected the same task for a repeated key")
	}
	if t2.TargetTip.Work != 100 {
		t.Fatalf("RequestData: lower-work tip must not override the existing target, got work=%d", t2.TargetTip.Work)
	}
}

func TestSchedulerTryAssignTaskPicksEligiblePeer(t *testing.T) {
	s := NewScheduler(testSchedulerConfig())
	var pA, pB PeerID
	pA[0] = 1
	pB[0] = 2

	tip := Tip{Height: 10}
	lowPeer := testConn(t, pA, Tip{Height: 1}) // not tall enough
	highPeer := testConn(t, pB, Tip{Height: 20})

	task := s.RequestData(TaskKey{IsBlock: false, ID: [32]byte{1}}, tip)
	assigned := s.TryAssignTask(task, fakeConnSet{lowPeer, highPeer}, nil)

	if !assigned {
		t.Fatalf("TryAssignTask: expected an eligible peer to be found")
	}
	if task.Owner != highPeer {
		t.Fatalf("TryAssignTask: expected the tall peer to own the task")
	}
	if highPeer.ActiveTaskCount() != 1 {
		t.Fatalf("TryAssignTask: owner's active task count = %d, want 1", highPeer.ActiveTaskCount())
	}
}

func TestSchedulerCompleteReturnsTaskAndReleasesOwner(t *testing.T) {
	s := NewScheduler(testSchedulerConfig())
	var pA PeerID
	pA[0] = 7
	conn := testConn(t, pA, Tip{Height: 10})
	key := TaskKey{IsBlock: true, ID: [32]byte{9}}

	task := s.RequestData(key, Tip{Height: 10})
	if !s.TryAssignTask(task, fakeConnSet{conn}, nil) {
		t.Fatalf("setup: TryAssignTask should have succeeded")
	}

	completed := s.Complete(key)
	if completed == nil || completed.Key != key {
		t.Fatalf("Complete: expected the completed task back, got %+v", completed)
	}
	if conn.ActiveTaskCount() != 0 {
		t.Fatalf("Complete: owner should have released the task, active=%d", conn.ActiveTaskCount())
	}
	if s.Complete(key) != nil {
		t.Fatalf("Complete: a second call for the same key must return nil")
	}
}

func TestSchedulerDataMissingIsolatesPeerOnly(t *testing.T) {
	s := NewScheduler(testSchedulerConfig())
	var pA, pB PeerID
	pA[0], pB[0] = 3, 4
	rejecter := testConn(t, pA, Tip{Height: 10})
	other := testConn(t, pB, Tip{Height: 10})

	key := TaskKey{IsBlock: true, ID: [32]byte{5}}
	task := s.RequestData(key, Tip{Height: 10})
	if !s.TryAssignTask(task, fakeConnSet{rejecter, other}, nil) {
		t.Fatalf("setup: expected assignment")
	}
	if task.Owner != rejecter {
		t.Fatalf("setup: expected the first candidate to be assigned")
	}

	s.DataMissing(key)

	if !rejecter.HasRejected(key) {
		t.Fatalf("DataMissing: rejecter should have the key recorded as rejected")
	}
	if other.HasRejected(key) {
		t.Fatalf("DataMissing: a peer who never held the task must not be marked as having rejected it")
	}

	unassigned := s.Unassigned()
	if len(unassigned) != 1 || unassigned[0].Key != key {
		t.Fatalf("DataMissing: task should be back on the unassigned list, got %+v", unassigned)
	}

	// A fresh assignment round must skip the rejecter and land on other.
	if !s.TryAssignTask(task, fakeConnSet{rejecter, other}, nil) {
		t.Fatalf("reassignment: expected an eligible peer")
	}
	if task.Owner != other {
		t.Fatalf("reassignment: expected the non-rejecting peer to take the task, got owner=%v", task.Owner)
	}
}

func TestSchedulerGlobalCapBlocksExtraAssignment(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrentBlockPacks = 1
	s := NewScheduler(cfg)

	var p1, p2 PeerID
	p1[0], p2[0] = 1, 2
	c1 := testConn(t, p1, Tip{Height: 10})
	c2 := testConn(t, p2, Tip{Height: 10})

	k1 := TaskKey{IsBlock: true, ID: [32]byte{1}}
	k2 := TaskKey{IsBlock: true, ID: [32]byte{2}}
	t1 := s.RequestData(k1, Tip{Height: 10})
	t2 := s.RequestData(k2, Tip{Height: 10})

	if !s.TryAssignTask(t1, fakeConnSet{c1, c2}, nil) {
		t.Fatalf("first assignment should succeed under the cap")
	}
	if s.TryAssignTask(t2, fakeConnSet{c1, c2}, nil) {
		t.Fatalf("second block-pack assignment should be blocked by the global cap of 1")
	}

	s.Complete(k1)
	if !s.TryAssignTask(t2, fakeConnSet{c1, c2}, nil) {
		t.Fatalf("after releasing the first task, the second should now be assignable")
	}
}

func TestSchedulerHeaderPackCountBounds(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxHdrPackCount = 50
	s := NewScheduler(cfg)

	if got := s.HeaderPackCount(0, 10); got != 10 {
		t.Fatalf("HeaderPackCount(0, 10) = %d, want 10", got)
	}
	if got := s.HeaderPackCount(0, 1000); got != 50 {
		t.Fatalf("HeaderPackCount(0, 1000) = %d, want network max 50", got)
	}
	if got := s.HeaderPackCount(5, 5); got != 0 {
		t.Fatalf("HeaderPackCount(5, 5) = %d, want 0 at the tip", got)
	}
}

func TestSchedulerInFastSyncWindow(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.FastSyncWindow = 100
	s := NewScheduler(cfg)

	if !s.InFastSyncWindow(950, 1000) {
		t.Fatalf("a key 50 behind the tip should be inside a window of 100")
	}
	if s.InFastSyncWindow(800, 1000) {
		t.Fatalf("a key 200 behind the tip should be outside a window of 100")
	}
	if s.InFastSyncWindow(1001, 1000) {
		t.Fatalf("a key ahead of our own tip is never in the fast-sync window")
	}
}

func TestSchedulerTimeoutReleasesAndQueuesRetry(t *testing.T) {
	s := NewScheduler(testSchedulerConfig())
	var p PeerID
	p[0] = 1
	conn := testConn(t, p, Tip{Height: 10})

	key := TaskKey{IsBlock: true, ID: [32]byte{1}}
	task := s.RequestData(key, Tip{Height: 10})
	if !s.TryAssignTask(task, fakeConnSet{conn}, nil) {
		t.Fatalf("setup: expected assignment")
	}

	s.Timeout(key)

	if conn.ActiveTaskCount() != 0 {
		t.Fatalf("Timeout: owner should have released the task")
	}
	unassigned := s.Unassigned()
	if len(unassigned) != 1 || unassigned[0].Key != key {
		t.Fatalf("Timeout: task should be requeued onto the unassigned list")
	}
}
