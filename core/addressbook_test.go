package core

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

func testAddressBookConfig() AddressBookConfig {
	return AddressBookConfig{
		MaxRating:        100,
		BanTimeout:       time.Hour,
		AddressGrace:     time.Minute,
		StarvationPerSec: 1,
		RecommendStale:   time.Hour,
	}
}

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddressBookOnPeerInsertsAtHalfMaxRating(t *testing.T) {
	ab, err := NewAddressBook(testAddressBookConfig(), nil)
	if err != nil {
		t.Fatalf("NewAddressBook: %v", err)
	}
	var id PeerID
	id[0] = 1
	addr := Address{IP: [4]byte{127, 0, 0, 1}, Port: 9000}

	rec := ab.OnPeer(id, addr, true)
	if rec.Rating != 50 {
		t.Fatalf("new peer rating = %d, want half of MaxRating (50)", rec.Rating)
	}
	if got, ok := ab.Find(id); !ok || got != rec {
		t.Fatalf("Find did not return the inserted record")
	}
	if got, ok := ab.FindByAddr(addr); !ok || got != rec {
		t.Fatalf("FindByAddr did not return the inserted record")
	}
}

// TestAddressBookRatingModifyBansAtZero exercises spec.md's invariant that
// rating 0 means banned, and a banned record refuses dialing/inbound.
func TestAddressBookRatingModifyBansAtZero(t *testing.T) {
	ab, err := NewAddressBook(testAddressBookConfig(), nil)
	if err != nil {
		t.Fatalf("NewAddressBook: %v", err)
	}
	var id PeerID
	id[0] = 2
	addr := Address{IP: [4]byte{127, 0, 0, 1}, Port: 9001}
	ab.OnPeer(id, addr, true)

	ab.RatingModify(id, ratingZero, false)

	if !ab.Banned(id) {
		t.Fatalf("rating forced to 0 must ban the record")
	}
	best := ab.BestByRating(10)
	for _, r := range best {
		if r.Identity == id {
			t.Fatalf("a banned record must not appear in BestByRating")
		}
	}
}

func TestAddressBookRatingModifySaturates(t *testing.T) {
	cfg := testAddressBookConfig()
	cfg.MaxRating = 100
	ab, err := NewAddressBook(cfg, nil)
	if err != nil {
		t.Fatalf("NewAddressBook: %v", err)
	}
	var id PeerID
	id[0] = 3
	ab.OnPeer(id, Address{IP: [4]byte{127, 0, 0, 1}, Port: 9002}, true)

	ab.RatingModify(id, 1000, true)
	rec, _ := ab.Find(id)
	if rec.Rating != cfg.MaxRating {
		t.Fatalf("rating = %d, want saturated at MaxRating %d", rec.Rating, cfg.MaxRating)
	}
}

// TestAddressBookPersistenceRoundTrip is testable property E7: after
// activity creating peer records with varied ratings, a fresh AddressBook
// opened against the same store reproduces the same set, with bans intact.
func TestAddressBookPersistenceRoundTrip(t *testing.T) {
	db := openTestDB(t)
	cfg := testAddressBookConfig()

	ab1, err := NewAddressBook(cfg, db)
	if err != nil {
		t.Fatalf("NewAddressBook: %v", err)
	}

	var ids [5]PeerID
	for i := range ids {
		ids[i][0] = byte(i + 1)
		addr := Address{IP: [4]byte{127, 0, 0, byte(i + 1)}, Port: uint16(9100 + i)}
		ab1.OnPeer(ids[i], addr, true)
		ab1.RatingModify(ids[i], int32(10*i), true)
	}
	// Ban one record explicitly.
	ab1.RatingModify(ids[2], ratingZero, false)

	ab2, err := NewAddressBook(cfg, db)
	if err != nil {
		t.Fatalf("reopen NewAddressBook: %v", err)
	}
	if ab2.Count() != len(ids) {
		t.Fatalf("reopened address book has %d records, want %d", ab2.Count(), len(ids))
	}
	for i, id := range ids {
		rec, ok := ab2.Find(id)
		if !ok {
			t.Fatalf("record %d missing after reload", i)
		}
		if i == 2 && !rec.banned(time.Now()) {
			t.Fatalf("banned record %d did not survive the reload as banned", i)
		}
	}
}

func TestAddressBookBestByAdjustedRatingFavorsStarvedPeers(t *testing.T) {
	cfg := testAddressBookConfig()
	cfg.StarvationPerSec = 1000 // exaggerate so the ordering is unambiguous
	ab, err := NewAddressBook(cfg, nil)
	if err != nil {
		t.Fatalf("NewAddressBook: %v", err)
	}

	var fresh, stale PeerID
	fresh[0], stale[0] = 1, 2
	ab.OnPeer(fresh, Address{IP: [4]byte{127, 0, 0, 1}, Port: 1}, true)
	ab.OnPeer(stale, Address{IP: [4]byte{127, 0, 0, 2}, Port: 2}, true)
	ab.RatingModify(fresh, 40, true) // fresh has the higher raw rating
	ab.RatingModify(stale, 10, true)

	staleRec, _ := ab.Find(stale)
	staleRec.LastSeen = time.Now().Add(-time.Hour)

	best := ab.BestByAdjustedRating(1)
	if len(best) != 1 || best[0].Identity != stale {
		t.Fatalf("expected the starved peer to rank first by adjusted rating, got %+v", best)
	}
}
