package core

import (
	"math/rand"
	"sync"
	"time"
)

// txPhase is a transaction's position in the stem/fluff dissemination
// state machine (spec.md §4.I, Glossary "Stem/fluff").
type txPhase int

const (
	phaseStem txPhase = iota
	phaseFluff
)

// ringItem is one entry in a broadcast ring: a pre-framed wire payload plus
// whatever routing metadata its bus needs.
type ringItem struct {
	Frame []byte
	TxID  WantedKey // zero value for non-tx rings (e.g. bulletin)
}

// broadcastRing is a shared, append-only log of items to disseminate. Each
// connection tracks its own read cursor into it (spec.md §4.I "Each
// connection maintains a cursor into the shared outbound ring").
type broadcastRing struct {
	mu    sync.RWMutex
	items []ringItem
	base  int // index of items[0] in the logical (unbounded) sequence
	cap   int // trim threshold
}

func newBroadcastRing(capHint int) *broadcastRing {
	return &broadcastRing{cap: capHint}
}

func (r *broadcastRing) append(item ringItem) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.cap*2 {
		trim := len(r.items) - r.cap
		r.items = r.items[trim:]
		r.base += trim
	}
	return r.base + len(r.items)
}

// from returns items at or after logical cursor, and the new cursor value.
// A cursor older than r.base (items already trimmed) is clamped forward —
// those items are gone, so the peer simply resumes from the oldest
// available entry rather than losing the stream.
func (r *broadcastRing) from(cursor int) ([]ringItem, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cursor < r.base {
		cursor = r.base
	}
	offset := cursor - r.base
	if offset >= len(r.items) {
		return nil, cursor
	}
	out := make([]ringItem, len(r.items)-offset)
	copy(out, r.items[offset:])
	return out, r.base + len(r.items)
}

// connCursor tracks one connection's read position into a ring.
type connCursor struct {
	mu  sync.Mutex
	pos int
}

// BroadcastBus disseminates transactions and bulletin messages with
// fairness: broadcast walks each connection's cursor forward, emitting one
// frame per item, stopping at ring-exhaustion or chocking (spec.md §4.I).
type BroadcastBus struct {
	txRing  *broadcastRing
	bbsRing map[uint8]*broadcastRing // keyed by bulletin channel

	mu        sync.Mutex
	cursors   map[StreamID]map[uint8]*connCursor // 0 = tx ring, else bbs channel
	txPhases  map[WantedKey]*stemState
	stemHops  int           // hop count after which a tx auto-fluffs
	stemTimeout time.Duration
}

// stemState tracks one transaction's private-relay progress before it
// fluffs out to the broadcast bus proper (§7 supplemental feature #1:
// driven by both a hop counter and a timeout fallback).
type stemState struct {
	mu      sync.Mutex
	phase   txPhase
	hops    int
	timer   *time.Timer
}

// NewBroadcastBus builds a bus with the given per-ring capacity hint,
// stem-hop limit, and stem fallback timeout.
func NewBroadcastBus(ringCap, stemHops int, stemTimeout time.Duration) *BroadcastBus {
	return &BroadcastBus{
		txRing:      newBroadcastRing(ringCap),
		bbsRing:     make(map[uint8]*broadcastRing),
		cursors:     make(map[StreamID]map[uint8]*connCursor),
		txPhases:    make(map[WantedKey]*stemState),
		stemHops:    stemHops,
		stemTimeout: stemTimeout,
	}
}

func (b *BroadcastBus) cursorFor(id StreamID, channel uint8) *connCursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cursors[id]
	if !ok {
		m = make(map[uint8]*connCursor)
		b.cursors[id] = m
	}
	c, ok := m[channel]
	if !ok {
		c = &connCursor{}
		m[channel] = c
	}
	return c
}

// DropConnection releases a disconnected peer's cursor state.
func (b *BroadcastBus) DropConnection(id StreamID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, id)
}

// ResetCursors rewinds every ring cursor conn holds back to zero, so the
// next pump replays each ring from its oldest retained entry (bbs-reset-sync
// on the wire catalog).
func (b *BroadcastBus) ResetCursors(id StreamID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, id)
}

// EnqueueTx admits a new transaction into stem phase (spec.md §4.I "received
// at the border, kept private-per-hop for some steps, then fanned out").
// It does not itself append to the broadcast ring; the tx-pool collaborator
// decides when a stemmed tx is relayed to its one chosen peer versus fanned
// out, per spec.md §4.I's note that state transitions belong to that
// collaborator. AdvancePhase is how that collaborator is told to fluff.
func (b *BroadcastBus) EnqueueTx(id WantedKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.txPhases[id]; ok {
		return
	}
	st := &stemState{phase: phaseStem}
	st.timer = time.AfterFunc(b.stemTimeout, func() { b.AdvancePhase(id, nil) })
	b.txPhases[id] = st
}

// RecordHop increments id's stem hop count and fluffs it once stemHops is
// reached, beating the timeout fallback when relay is fast (§7 supplemental
// feature #1 "a random number of hops or a timeout, whichever comes
// first").
func (b *BroadcastBus) RecordHop(id WantedKey) {
	b.mu.Lock()
	st, ok := b.txPhases[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.hops++
	shouldFluff := st.phase == phaseStem && st.hops >= b.stemHops
	st.mu.Unlock()
	if shouldFluff {
		b.AdvancePhase(id, nil)
	}
}

// AdvancePhase transitions id from stem to fluff and, when frame is
// non-nil, appends frame to the shared tx ring (§7 supplemental feature #1).
// The hop-limit and timeout paths pass a nil frame, so they change the
// phase only. Calling it on an already-fluffed or unknown id is a no-op.
func (b *BroadcastBus) AdvancePhase(id WantedKey, frame []byte) {
	b.mu.Lock()
	st, ok := b.txPhases[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.phase == phaseFluff {
		st.mu.Unlock()
		return
	}
	st.phase = phaseFluff
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mu.Unlock()

	if frame != nil {
		b.txRing.append(ringItem{Frame: frame, TxID: id})
	}
}

// Phase returns id's current stem/fluff phase and whether id is tracked at
// all; an untracked id reports (phaseFluff, false).
func (b *BroadcastBus) Phase(id WantedKey) (txPhase, bool) {
	b.mu.Lock()
	st, ok := b.txPhases[id]
	b.mu.Unlock()
	if !ok {
		return phaseFluff, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase, true
}

// StemRelayTarget picks one connected, spread-capable peer at random to
// relay a stemmed transaction to, per-hop privacy before fluffing
// (spec.md §4.I).
func StemRelayTarget(candidates []*Connection) *Connection {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// PublishTx appends an already-fluffed transaction frame directly to the
// shared ring (used for transactions born locally, which skip stem phase).
func (b *BroadcastBus) PublishTx(frame []byte) {
	b.txRing.append(ringItem{Frame: frame})
}

// PublishBBS appends a bulletin-channel message to its ring.
func (b *BroadcastBus) PublishBBS(channel uint8, frame []byte) {
	b.mu.Lock()
	ring, ok := b.bbsRing[channel]
	if !ok {
		ring = newBroadcastRing(b.txRing.cap)
		b.bbsRing[channel] = ring
	}
	b.mu.Unlock()
	ring.append(ringItem{Frame: frame})
}

// Pump walks conn's cursor into ring forward, handing each item's frame to
// send, stopping at ring-exhaustion or once conn starts chocking
// (spec.md §4.I "stops when either the ring is exhausted or the connection
// becomes chocking... resumes from the saved cursor").
func (b *BroadcastBus) Pump(conn *Connection, channel uint8, ring *broadcastRing, send func([]byte) WriteResult) {
	cursor := b.cursorFor(conn.ID(), channel)
	cursor.mu.Lock()
	defer cursor.mu.Unlock()

	for {
		if conn.Choking() {
			return
		}
		items, next := ring.from(cursor.pos)
		if len(items) == 0 {
			cursor.pos = next
			return
		}
		cursor.pos = next - len(items) // adopt from()'s clamp to the oldest retained entry
		for _, it := range items {
			if conn.Choking() {
				return
			}
			if send(it.Frame) != WriteOK {
				return
			}
			cursor.pos++
		}
	}
}

// PumpTx drains the shared transaction ring toward conn.
func (b *BroadcastBus) PumpTx(conn *Connection, send func([]byte) WriteResult) {
	b.Pump(conn, 0, b.txRing, send)
}

// PumpBBS drains a bulletin channel's ring toward conn, if conn is
// subscribed to it (the caller is expected to have checked the
// subscription; Pump itself is subscription-agnostic).
func (b *BroadcastBus) PumpBBS(conn *Connection, channel uint8, send func([]byte) WriteResult) {
	b.mu.Lock()
	ring, ok := b.bbsRing[channel]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.Pump(conn, channel, ring, send)
}
