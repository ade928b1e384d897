package core

import (
	"testing"
	"time"
)

func TestNewBBSMessageDerivesKeyFromPayloadAndChannel(t *testing.T) {
	m1 := NewBBSMessage(1, []byte("hello"), [8]byte{1})
	m2 := NewBBSMessage(2, []byte("hello"), [8]byte{2})
	m3 := NewBBSMessage(1, []byte("hello"), [8]byte{3})

	if m1.DerivedKey == m2.DerivedKey {
		t.Fatalf("messages on different channels must not share a derived key")
	}
	if m1.DerivedKey != m3.DerivedKey {
		t.Fatalf("same payload and channel must derive the same key regardless of nonce")
	}
}

func TestEncodeDecodeBBSMessageRoundTrip(t *testing.T) {
	m := NewBBSMessage(7, []byte("gossip payload"), [8]byte{1, 2, 3})
	wire := encodeBBSMessage(m)

	got, ok := decodeBBSMessage(wire)
	if !ok {
		t.Fatalf("decodeBBSMessage rejected a validly-encoded message")
	}
	if got.Channel != m.Channel || got.Timestamp != m.Timestamp || got.Nonce != m.Nonce {
		t.Fatalf("decoded message header mismatch: got %+v, want %+v", got, m)
	}
	if string(got.Payload) != string(m.Payload) {
		t.Fatalf("decoded payload = %q, want %q", got.Payload, m.Payload)
	}
	if got.DerivedKey != m.DerivedKey {
		t.Fatalf("decoded derived key mismatch")
	}
}

func TestDecodeBBSMessageRejectsShortBuffers(t *testing.T) {
	if _, ok := decodeBBSMessage([]byte{1, 2, 3}); ok {
		t.Fatalf("decodeBBSMessage should reject a buffer shorter than the wire header")
	}
}

func TestBBSCacheAddDeduplicatesAndGets(t *testing.T) {
	cache, err := NewBBSCache(16, time.Hour)
	if err != nil {
		t.Fatalf("NewBBSCache: %v", err)
	}
	m := NewBBSMessage(1, []byte("payload"), [8]byte{1})

	if !cache.Add(m) {
		t.Fatalf("first Add of a message should succeed")
	}
	if cache.Add(m) {
		t.Fatalf("second Add of the same derived key should report a duplicate")
	}
	if !cache.Has(m.DerivedKey) {
		t.Fatalf("Has should report the cached message present")
	}
	got, ok := cache.Get(m.DerivedKey)
	if !ok || got.DerivedKey != m.DerivedKey {
		t.Fatalf("Get did not return the cached message")
	}
}

func TestBBSCacheExpiresByTTL(t *testing.T) {
	cache, err := NewBBSCache(16, time.Millisecond)
	if err != nil {
		t.Fatalf("NewBBSCache: %v", err)
	}
	m := NewBBSMessage(1, []byte("payload"), [8]byte{1})
	cache.Add(m)

	time.Sleep(20 * time.Millisecond)

	if cache.Has(m.DerivedKey) {
		t.Fatalf("Has should report false once a message has aged past its ttl")
	}
	if _, ok := cache.Get(m.DerivedKey); ok {
		t.Fatalf("Get should not return an expired message")
	}
}

func TestBBSCacheForChannelFiltersByChannelAndExpiry(t *testing.T) {
	cache, err := NewBBSCache(16, time.Hour)
	if err != nil {
		t.Fatalf("NewBBSCache: %v", err)
	}
	a := NewBBSMessage(1, []byte("a"), [8]byte{1})
	b := NewBBSMessage(1, []byte("b"), [8]byte{2})
	c := NewBBSMessage(2, []byte("c"), [8]byte{3})
	cache.Add(a)
	cache.Add(b)
	cache.Add(c)

	got := cache.ForChannel(1)
	if len(got) != 2 {
		t.Fatalf("ForChannel(1) returned %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.Channel != 1 {
			t.Fatalf("ForChannel(1) returned a message from channel %d", m.Channel)
		}
	}
}
