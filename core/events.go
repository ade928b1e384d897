package core

import (
	"encoding/binary"
	"sync"
)

// Event is a narrow notification the façade emits to owner-authenticated
// observers: block/header progress the node itself witnessed (§7
// supplemental feature #4, the Go shape of
// original_source/p2p/notifications.h).
type Event struct {
	Kind   EventKind
	Height uint64
	Hash   [32]byte
	Detail string
}

// EventKind enumerates the notification classes an ObserverHub delivers.
type EventKind uint8

const (
	EventBlock EventKind = iota
	EventHeader
	EventSyncProgress
)

// ObserverHub fans Events out to subscribed connections, gated on the
// "owner" identity-proof having succeeded during authentication (spec.md
// §4.B; §7 supplemental feature #4). It holds no connection-specific
// state itself — callers look up a connection's IdentityProofs before
// subscribing it.
type ObserverHub struct {
	mu   sync.RWMutex
	subs map[StreamID]chan Event
}

func newObserverHub() *ObserverHub {
	return &ObserverHub{subs: make(map[StreamID]chan Event)}
}

// Subscribe registers id to receive future events. The returned channel is
// closed by Unsubscribe; callers must drain it to avoid blocking Publish.
func (h *ObserverHub) Subscribe(id StreamID) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, 64)
	h.subs[id] = ch
	return ch
}

// Unsubscribe removes id, e.g. on disconnect.
func (h *ObserverHub) Unsubscribe(id StreamID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Publish fans ev out to every current subscriber. A subscriber whose
// channel is full drops the event rather than blocking the publisher — a
// slow owner client sees a gap in its notification stream, not a stalled
// node.
func (h *ObserverHub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// encodeEvent serializes an Event for the events/events-serif wire pair:
// kind(1) + height(8) + hash(32) + detail, little-endian.
func encodeEvent(ev Event) []byte {
	buf := make([]byte, 41+len(ev.Detail))
	buf[0] = byte(ev.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], ev.Height)
	copy(buf[9:41], ev.Hash[:])
	copy(buf[41:], ev.Detail)
	return buf
}
