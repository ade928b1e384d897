package core

import (
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// OpenStore opens (creating if necessary) the bbolt database corenet uses
// for its persisted state contract: peer records and the node's own
// identity seed (spec.md §6 persisted state contract). dataDir is the
// configured network.data_dir.
func OpenStore(dataDir string) (*bbolt.DB, error) {
	path := filepath.Join(dataDir, "corenet.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// LoadOrCreateIdentity returns the identity persisted in db, generating and
// persisting a fresh one on first run (spec.md §6 "the node holds exactly
// one identity for its lifetime, persisted on first run").
func LoadOrCreateIdentity(db *bbolt.DB) (IdentityKey, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	}); err != nil {
		return IdentityKey{}, err
	}

	var seed []byte
	if err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get([]byte("seed"))
		if v != nil {
			seed = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return IdentityKey{}, err
	}
	if seed != nil {
		return IdentityKeyFromSeed(seed)
	}

	identity, err := NewIdentityKey()
	if err != nil {
		return IdentityKey{}, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte("seed"), identity.Seed())
	}); err != nil {
		return IdentityKey{}, err
	}
	return identity, nil
}
