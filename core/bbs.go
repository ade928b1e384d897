package core

import (
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"
)

// BBSMessage is a bulletin-board tuple (spec.md §3 "Bulletin (bbs)
// message"): the derived key is the hash of (payload, channel); duplicates
// are detected by this key.
type BBSMessage struct {
	Channel    uint8
	Timestamp  int64
	Payload    []byte
	Nonce      [8]byte
	DerivedKey [32]byte
}

// deriveBBSKey computes blake3(payload || channel), the dedup key (spec.md
// §3).
func deriveBBSKey(payload []byte, channel uint8) [32]byte {
	buf := make([]byte, len(payload)+1)
	copy(buf, payload)
	buf[len(payload)] = channel
	return blake3.Sum256(buf)
}

// NewBBSMessage builds a message and fills in its derived key.
func NewBBSMessage(channel uint8, payload []byte, nonce [8]byte) BBSMessage {
	return BBSMessage{
		Channel:    channel,
		Timestamp:  time.Now().Unix(),
		Payload:    payload,
		Nonce:      nonce,
		DerivedKey: deriveBBSKey(payload, channel),
	}
}

const bbsWireHeaderSize = 1 + 8 + 8 // channel + timestamp + nonce

func encodeBBSMessage(m BBSMessage) []byte {
	buf := make([]byte, bbsWireHeaderSize+len(m.Payload))
	buf[0] = m.Channel
	binary.LittleEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	copy(buf[9:17], m.Nonce[:])
	copy(buf[17:], m.Payload)
	return buf
}

func decodeBBSMessage(data []byte) (BBSMessage, bool) {
	if len(data) < bbsWireHeaderSize {
		return BBSMessage{}, false
	}
	m := BBSMessage{
		Channel:   data[0],
		Timestamp: int64(binary.LittleEndian.Uint64(data[1:9])),
	}
	copy(m.Nonce[:], data[9:17])
	m.Payload = append([]byte(nil), data[17:]...)
	m.DerivedKey = deriveBBSKey(m.Payload, m.Channel)
	return m, true
}

// BBSCache is a size/time-bounded local cache of bulletin messages,
// deduplicated by derived key (spec.md §3). The size bound is an LRU
// eviction policy; the time bound is a lazy check on read, since an active
// TTL sweep would need its own timer per entry for little benefit at
// bulletin-board volumes.
type BBSCache struct {
	mu  sync.Mutex
	lru *lru.Cache[[32]byte, BBSMessage]
	ttl time.Duration
}

// NewBBSCache builds a cache holding up to size messages, each expiring
// ttl after its timestamp.
func NewBBSCache(size int, ttl time.Duration) (*BBSCache, error) {
	c, err := lru.New[[32]byte, BBSMessage](size)
	if err != nil {
		return nil, err
	}
	return &BBSCache{lru: c, ttl: ttl}, nil
}

// Add inserts m if its derived key is new. Returns false if it was already
// present (a duplicate, per spec.md §3).
func (c *BBSCache) Add(m BBSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(m.DerivedKey); ok {
		return false
	}
	c.lru.Add(m.DerivedKey, m)
	return true
}

// Has reports whether key is cached and not yet expired.
func (c *BBSCache) Has(key [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.lru.Get(key)
	if !ok {
		return false
	}
	if c.expired(m) {
		c.lru.Remove(key)
		return false
	}
	return true
}

// Get retrieves a cached message by key.
func (c *BBSCache) Get(key [32]byte) (BBSMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.lru.Get(key)
	if !ok || c.expired(m) {
		return BBSMessage{}, false
	}
	return m, true
}

func (c *BBSCache) expired(m BBSMessage) bool {
	return time.Since(time.Unix(m.Timestamp, 0)) > c.ttl
}

// ForChannel returns all non-expired cached messages on channel. Subscribing
// a peer to a channel (Node.onBBSSubscribe) does not replay these to it.
func (c *BBSCache) ForChannel(channel uint8) []BBSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []BBSMessage
	for _, key := range c.lru.Keys() {
		m, ok := c.lru.Peek(key)
		if !ok || m.Channel != channel || c.expired(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}
