package core

import (
	"sync/atomic"
	"testing"
)

// allowAllFilter permits every message type, for tests that don't exercise
// the login-gated type filter.
type allowAllFilter struct{}

func (allowAllFilter) Allowed(MsgType) bool { return true }

func newFrameTestPair() (*FrameWriter, *FrameReader, *[]struct {
	Type    MsgType
	Payload []byte
}) {
	mac := NewFrameMAC([]byte("test-mac-key"))
	writer := NewFrameWriter(plaintextCipher{}, mac)

	var received []struct {
		Type    MsgType
		Payload []byte
	}
	alive := &atomic.Bool{}
	alive.Store(true)
	handler := func(t MsgType, payload []byte) DisconnectReason {
		received = append(received, struct {
			Type    MsgType
			Payload []byte
		}{t, append([]byte(nil), payload...)})
		return ReasonNone
	}
	reader := NewFrameReader(plaintextCipher{}, mac, allowAllFilter{}, handler, alive)
	return writer, reader, &received
}

func TestFrameRoundTripSingleFrame(t *testing.T) {
	writer, reader, received := newFrameTestPair()
	frame := writer.Encode(MsgBye, []byte{1})

	if reason := reader.Feed(frame); reason != ReasonNone {
		t.Fatalf("Feed returned %v, want ReasonNone", reason)
	}
	if len(*received) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(*received))
	}
	got := (*received)[0]
	if got.Type != MsgBye || string(got.Payload) != "\x01" {
		t.Fatalf("decoded frame = %+v, want MsgBye/[1]", got)
	}
}

func TestFrameRoundTripZeroLengthPayload(t *testing.T) {
	writer, reader, received := newFrameTestPair()
	frame := writer.Encode(MsgPing, nil)

	if reason := reader.Feed(frame); reason != ReasonNone {
		t.Fatalf("Feed returned %v, want ReasonNone", reason)
	}
	if len(*received) != 1 || (*received)[0].Type != MsgPing {
		t.Fatalf("expected one decoded MsgPing frame, got %+v", *received)
	}
}

func TestFrameFeedHandlesMultipleFramesAndPartialDelivery(t *testing.T) {
	writer, reader, received := newFrameTestPair()
	f1 := writer.Encode(MsgPing, nil)
	f2 := writer.Encode(MsgBye, []byte{2})
	combined := append(append([]byte(nil), f1...), f2...)

	// Feed it back one byte at a time to exercise the partial-read path.
	for i := 0; i < len(combined); i++ {
		if reason := reader.Feed(combined[i : i+1]); reason != ReasonNone {
			t.Fatalf("Feed at byte %d returned %v", i, reason)
		}
	}

	if len(*received) != 2 {
		t.Fatalf("handler invoked %d times, want 2", len(*received))
	}
	if (*received)[0].Type != MsgPing || (*received)[1].Type != MsgBye {
		t.Fatalf("frames decoded out of order: %+v", *received)
	}
}

func TestFrameReaderRejectsTamperedMAC(t *testing.T) {
	writer, reader, received := newFrameTestPair()
	frame := writer.Encode(MsgBye, []byte{3})
	frame[len(frame)-1] ^= 0xFF // flip a bit in the trailing MAC byte

	reason := reader.Feed(frame)
	if reason != ReasonWireFraming {
		t.Fatalf("Feed with a tampered MAC returned %v, want ReasonWireFraming", reason)
	}
	if len(*received) != 0 {
		t.Fatalf("handler must not run on a MAC failure, got %+v", *received)
	}
}

func TestFrameReaderRejectsBadMagic(t *testing.T) {
	writer, reader, received := newFrameTestPair()
	frame := writer.Encode(MsgBye, []byte{1})
	frame[0] ^= 0xFF

	if reason := reader.Feed(frame); reason != ReasonWireFraming {
		t.Fatalf("Feed with a corrupted magic returned %v, want ReasonWireFraming", reason)
	}
	if len(*received) != 0 {
		t.Fatalf("handler must not run when the magic is wrong")
	}
}

func TestFrameReaderRejectsOutOfPolicySize(t *testing.T) {
	mac := NewFrameMAC([]byte("test-mac-key"))
	// Hand-build a header claiming MsgBye (policy {1,1}) with a 2-byte
	// payload, which violates the size policy before any payload is read.
	h := frameHeader{Type: MsgBye, Length: 2}
	header := headerBytes(h)

	called := false
	alive := &atomic.Bool{}
	alive.Store(true)
	reader := NewFrameReader(plaintextCipher{}, mac, allowAllFilter{}, func(MsgType, []byte) DisconnectReason {
		called = true
		return ReasonNone
	}, alive)

	if reason := reader.Feed(header); reason != ReasonWireFraming {
		t.Fatalf("Feed with an out-of-policy length returned %v, want ReasonWireFraming", reason)
	}
	if called {
		t.Fatalf("handler must not be invoked for an out-of-policy frame")
	}
}

func TestFrameReaderRejectsDisallowedType(t *testing.T) {
	mac := NewFrameMAC([]byte("test-mac-key"))
	writer := NewFrameWriter(plaintextCipher{}, mac)
	frame := writer.Encode(MsgBye, []byte{1})

	alive := &atomic.Bool{}
	alive.Store(true)
	reader := NewFrameReader(plaintextCipher{}, mac, denyAllFilter{}, func(MsgType, []byte) DisconnectReason {
		return ReasonNone
	}, alive)

	if reason := reader.Feed(frame); reason != ReasonProtocolSemantics {
		t.Fatalf("Feed for a filtered-out type returned %v, want ReasonProtocolSemantics", reason)
	}
}

type denyAllFilter struct{}

func (denyAllFilter) Allowed(MsgType) bool { return false }
