package core

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// PeerRecord is a persisted entry in the address book (spec.md §3 "Peer
// record"). Rating saturates at MaxRating; 0 means banned.
type PeerRecord struct {
	Identity    PeerID
	Addr        Address
	Rating      int32
	LastSeen    time.Time
	LastAttempt time.Time
	BannedUntil time.Time // zero value means "not banned / ban expired"
}

func (r *PeerRecord) banned(now time.Time) bool {
	return r.Rating <= 0 && now.Before(r.BannedUntil)
}

// AddressBookConfig bounds the policy knobs the address book enforces
// (spec.md §4.D "configured maximum", "configured ban-timeout", "configured
// grace period").
type AddressBookConfig struct {
	MaxRating        int32
	BanTimeout        time.Duration
	AddressGrace      time.Duration
	StarvationPerSec  float64 // adjusted-rating bonus growth rate
	RecommendStale    time.Duration
}

// AddressBook is the in-memory four-way peer index: by identity, by
// address, by raw rating (descending), and by starvation-adjusted rating
// (spec.md §4.D, §3 "indexes peer records four ways"). One
// container/heap-backed priority structure backs the raw-rating index;
// adjusted-rating order is computed by sorting on each query. The
// by-identity and by-address maps are the O(1) lookup paths `find` uses.
type AddressBook struct {
	cfg AddressBookConfig

	mu       sync.RWMutex
	byID     map[PeerID]*PeerRecord
	byAddr   map[Address]*PeerRecord
	ratingPQ *ratingHeap // descending raw rating

	db *bbolt.DB // nil when running without persistence (tests)
}

var bucketPeers = []byte("peers")
var bucketIdentity = []byte("identity")

// NewAddressBook constructs an empty address book, optionally backed by a
// bbolt database for persistence across restarts (spec.md §6 persisted
// state contract).
func NewAddressBook(cfg AddressBookConfig, db *bbolt.DB) (*AddressBook, error) {
	ab := &AddressBook{
		cfg:      cfg,
		byID:     make(map[PeerID]*PeerRecord),
		byAddr:   make(map[Address]*PeerRecord),
		ratingPQ: newRatingHeap(),
		db:       db,
	}
	if db != nil {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketPeers)
			if err != nil {
				return err
			}
			_, err = tx.CreateBucketIfNotExists(bucketIdentity)
			return err
		}); err != nil {
			return nil, err
		}
		if err := ab.loadFromDisk(); err != nil {
			return nil, err
		}
	}
	return ab, nil
}

// Find looks a record up by identity (spec.md §4.D `find`).
func (ab *AddressBook) Find(id PeerID) (*PeerRecord, bool) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	r, ok := ab.byID[id]
	return r, ok
}

func (ab *AddressBook) findByAddr(addr Address) (*PeerRecord, bool) {
	r, ok := ab.byAddr[addr]
	return r, ok
}

// FindByAddr is the locked, exported counterpart of findByAddr for callers
// outside the address book itself.
func (ab *AddressBook) FindByAddr(addr Address) (*PeerRecord, bool) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.findByAddr(addr)
}

// OnPeer upserts a peer record (spec.md §4.D `on_peer`). If identity is
// already known under a different address, the old address mapping is
// dropped unless addressVerified is false and the old address is still
// within its freshness grace period.
func (ab *AddressBook) OnPeer(id PeerID, addr Address, addressVerified bool) *PeerRecord {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	now := time.Now()
	rec, known := ab.byID[id]
	if !known {
		rec = &PeerRecord{Identity: id, Addr: addr, Rating: ab.cfg.MaxRating / 2, LastSeen: now}
		ab.byID[id] = rec
		ab.byAddr[addr] = rec
		heap.Push(ab.ratingPQ, rec)
		ab.persist(rec)
		return rec
	}

	if rec.Addr != addr {
		oldFresh := now.Sub(rec.LastSeen) < ab.cfg.AddressGrace
		if addressVerified || !oldFresh {
			delete(ab.byAddr, rec.Addr)
			rec.Addr = addr
			ab.byAddr[addr] = rec
		}
	}
	ab.persist(rec)
	return rec
}

// RatingModify applies delta to rec's rating, saturating at cfg.MaxRating
// (spec.md §4.D `rating_modify`). A saturated rating cannot grow further but
// can still be reduced. Reaching or falling to 0 bans the record for
// cfg.BanTimeout. Pass add=false with a zero-sentinel delta (ratingZero) to
// force-set the rating to 0 regardless of its current value.
func (ab *AddressBook) RatingModify(id PeerID, delta int32, add bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	rec, ok := ab.byID[id]
	if !ok {
		return
	}

	if delta == ratingZero {
		rec.Rating = 0
	} else if add {
		rec.Rating += delta
		if rec.Rating > ab.cfg.MaxRating {
			rec.Rating = ab.cfg.MaxRating
		}
		if rec.Rating < 0 {
			rec.Rating = 0
		}
	} else {
		rec.Rating = delta
	}

	if rec.Rating <= 0 {
		rec.BannedUntil = time.Now().Add(ab.cfg.BanTimeout)
	}
	ab.ratingPQ.fix(rec)
	ab.persist(rec)
}

// OnSeen bumps rec's last-seen timestamp (spec.md §4.D `on_seen`).
func (ab *AddressBook) OnSeen(id PeerID) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	rec, ok := ab.byID[id]
	if !ok {
		return
	}
	rec.LastSeen = time.Now()
	ab.ratingPQ.fix(rec)
	ab.persist(rec)
}

// NoteAttempt records a dial attempt's timestamp.
func (ab *AddressBook) NoteAttempt(id PeerID) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if rec, ok := ab.byID[id]; ok {
		rec.LastAttempt = time.Now()
		ab.persist(rec)
	}
}

// Banned reports whether id is currently under its sticky ban timeout
// (spec.md §4.D "a banned record is never dialed and its inbound
// connections are refused").
func (ab *AddressBook) Banned(id PeerID) bool {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	rec, ok := ab.byID[id]
	if !ok {
		return false
	}
	return rec.banned(time.Now())
}

// adjustedRating is raw rating plus a linear starvation bonus proportional
// to time since last active (spec.md §4.D, Glossary "Adjusted rating").
func (ab *AddressBook) adjustedRating(rec *PeerRecord, now time.Time) float64 {
	idle := now.Sub(rec.LastSeen).Seconds()
	if idle < 0 {
		idle = 0
	}
	return float64(rec.Rating) + idle*ab.cfg.StarvationPerSec
}

// BestByRating returns up to n unbanned records with the highest raw
// rating, used by the scheduler/connection manager to pick whom to dial
// from the "best-behaved" set (spec.md §4.D).
func (ab *AddressBook) BestByRating(n int) []*PeerRecord {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	now := time.Now()
	cands := make([]*PeerRecord, 0, len(ab.byID))
	for _, r := range ab.byID {
		if !r.banned(now) && r.Addr.Dialable() {
			cands = append(cands, r)
		}
	}
	sortByRatingDesc(cands)
	if len(cands) > n {
		cands = cands[:n]
	}
	return cands
}

// BestByAdjustedRating returns up to n unbanned records with the highest
// starvation-adjusted rating, the complementary active-set selection
// (spec.md §4.D "one selected by raw rating... one by adjusted rating").
func (ab *AddressBook) BestByAdjustedRating(n int) []*PeerRecord {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	now := time.Now()
	cands := make([]*PeerRecord, 0, len(ab.byID))
	for _, r := range ab.byID {
		if !r.banned(now) && r.Addr.Dialable() {
			cands = append(cands, r)
		}
	}
	sortByAdjustedDesc(cands, ab, now)
	if len(cands) > n {
		cands = cands[:n]
	}
	return cands
}

// RecommendationSample returns a bounded sample of fresh, dialable,
// highest-rated records for peer-recommendation exchange (§7 supplemental
// feature #2). Records whose LastSeen predates RecommendStale are excluded
// (§7 supplemental feature #2a, the mechanism behind on_seen's staleness
// invariant).
func (ab *AddressBook) RecommendationSample(n int) []*PeerRecord {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	now := time.Now()
	cands := make([]*PeerRecord, 0, len(ab.byID))
	for _, r := range ab.byID {
		if r.banned(now) || !r.Addr.Dialable() {
			continue
		}
		if now.Sub(r.LastSeen) > ab.cfg.RecommendStale {
			continue
		}
		cands = append(cands, r)
	}
	sortByRatingDesc(cands)
	if len(cands) > n {
		cands = cands[:n]
	}
	return cands
}

// Count returns the number of known records.
func (ab *AddressBook) Count() int {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return len(ab.byID)
}

// --- persistence (spec.md §6 persisted state contract) -------------------

type persistedRecord struct {
	Addr        Address
	Rating      int32
	LastSeenUnix    int64
	LastAttemptUnix int64
	BannedUntilUnix int64
}

// persist must be called with ab.mu held (write lock).
func (ab *AddressBook) persist(rec *PeerRecord) {
	if ab.db == nil {
		return
	}
	pr := persistedRecord{
		Addr:            rec.Addr,
		Rating:          rec.Rating,
		LastSeenUnix:    rec.LastSeen.Unix(),
		LastAttemptUnix: rec.LastAttempt.Unix(),
		BannedUntilUnix: rec.BannedUntil.Unix(),
	}
	buf, err := json.Marshal(pr)
	if err != nil {
		return
	}
	_ = ab.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put(rec.Identity[:], buf)
	})
}

func (ab *AddressBook) loadFromDisk() error {
	return ab.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 32 {
				return nil
			}
			var pr persistedRecord
			if err := json.Unmarshal(v, &pr); err != nil {
				return nil
			}
			var id PeerID
			copy(id[:], k)
			rec := &PeerRecord{
				Identity:    id,
				Addr:        pr.Addr,
				Rating:      pr.Rating,
				LastSeen:    time.Unix(pr.LastSeenUnix, 0),
				LastAttempt: time.Unix(pr.LastAttemptUnix, 0),
				BannedUntil: time.Unix(pr.BannedUntilUnix, 0),
			}
			ab.byID[id] = rec
			if rec.Addr.Dialable() {
				ab.byAddr[rec.Addr] = rec
			}
			heap.Push(ab.ratingPQ, rec)
			return nil
		})
	})
}

// SaveIdentity persists the node's own identity seed so restarts reuse the
// same PeerID (spec.md §4.B "persisted across restarts").
func (ab *AddressBook) SaveIdentity(seed []byte) error {
	if ab.db == nil {
		return fmt.Errorf("addressbook: no persistence backend configured")
	}
	return ab.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte("seed"), seed)
	})
}

// LoadIdentity returns the persisted identity seed, if any.
func (ab *AddressBook) LoadIdentity() ([]byte, bool, error) {
	if ab.db == nil {
		return nil, false, nil
	}
	var seed []byte
	err := ab.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get([]byte("seed"))
		if v != nil {
			seed = append([]byte(nil), v...)
		}
		return nil
	})
	return seed, seed != nil, err
}

// --- rating heap (container/heap, used for O(log n) incremental updates) -

// ratingHeap is a container/heap over *PeerRecord ordered by descending raw
// rating; BestByRating/BestByAdjustedRating still do a linear scan+sort
// over the banned-filtered candidate set (the heap's top is not directly
// usable once banned records must be excluded), but the heap keeps
// insertion and rating_modify at O(log n).
type ratingHeap struct {
	items []*PeerRecord
	index map[PeerID]int
}

func newRatingHeap() *ratingHeap {
	return &ratingHeap{index: make(map[PeerID]int)}
}

func (h *ratingHeap) Len() int { return len(h.items) }
func (h *ratingHeap) Less(i, j int) bool {
	return h.items[i].Rating > h.items[j].Rating
}
func (h *ratingHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Identity] = i
	h.index[h.items[j].Identity] = j
}
func (h *ratingHeap) Push(x any) {
	rec := x.(*PeerRecord)
	h.index[rec.Identity] = len(h.items)
	h.items = append(h.items, rec)
}
func (h *ratingHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.index, item.Identity)
	return item
}

// fix re-establishes heap order after rec's rating or LastSeen changed.
func (h *ratingHeap) fix(rec *PeerRecord) {
	if i, ok := h.index[rec.Identity]; ok {
		heap.Fix(h, i)
	}
}

func sortByRatingDesc(recs []*PeerRecord) {
	insertionSortBy(recs, func(a, b *PeerRecord) bool { return a.Rating > b.Rating })
}

func sortByAdjustedDesc(recs []*PeerRecord, ab *AddressBook, now time.Time) {
	insertionSortBy(recs, func(a, b *PeerRecord) bool {
		return ab.adjustedRating(a, now) > ab.adjustedRating(b, now)
	})
}

// insertionSortBy avoids pulling in sort.Slice's reflection-based closure
// for these small (typically <64 record) candidate sets.
func insertionSortBy(recs []*PeerRecord, less func(a, b *PeerRecord) bool) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
