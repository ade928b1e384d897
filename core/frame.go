package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync/atomic"
)

// HeaderSize is the fixed size of a frame header: 3 bytes magic, 1 byte
// type, 4 bytes little-endian payload length (spec.md §6).
const HeaderSize = 8

// MacSize is the fixed MAC size for this protocol version, covering
// header+payload (spec.md §6).
const MacSize = sha256.Size

// ProtocolMagic is the 3-byte magic every frame header must start with.
var ProtocolMagic = [3]byte{'C', 'N', 1}

// frameState is the reader's phase. reading-payload is split internally into
// the payload body (which passes through the cipher) and the MAC tail
// (which does not): the cipher boundary aligns with the frame boundary, and
// the MAC travels in the clear immediately after the encrypted portion
// (spec.md §4.A).
type frameState int

const (
	stateReadingHeader frameState = iota
	stateReadingPayload
	stateReadingMac
)

// FrameCipher is the streaming decrypt/encrypt half of the secure channel
// (securechannel.go) that FrameReader/FrameWriter depend on. Decrypting and
// encrypting both advance the underlying keystream by exactly len(p) bytes,
// in call order, which is what keeps the cipher boundary aligned with frame
// boundaries (spec.md §4.A).
type FrameCipher interface {
	XORKeyStream(dst, src []byte)
}

// FrameMAC computes and verifies the per-frame MAC, keyed separately per
// direction (spec.md §4.B "per-direction HMAC key... domain separation").
type FrameMAC struct {
	key []byte
}

// NewFrameMAC builds a FrameMAC from a derived direction key.
func NewFrameMAC(key []byte) FrameMAC { return FrameMAC{key: key} }

func (m FrameMAC) sum(data []byte) []byte {
	h := hmac.New(sha256.New, m.key)
	h.Write(data)
	return h.Sum(nil)
}

func (m FrameMAC) verify(data, tag []byte) bool {
	return hmac.Equal(m.sum(data), tag)
}

// FrameHandler processes one decoded, MAC-verified frame. It returns
// ReasonNone on success or a DisconnectReason describing why the connection
// must be torn down.
type FrameHandler func(t MsgType, payload []byte) DisconnectReason

// typeFilter reports whether a MsgType may be received on a connection; it
// is how a connection disables message types it hasn't negotiated yet or
// isn't authorized for (spec.md §4.A "unexpected-msg-type").
type typeFilter interface {
	Allowed(t MsgType) bool
}

type frameHeader struct {
	Type   MsgType
	Length uint32
}

func headerBytes(h frameHeader) []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:3], ProtocolMagic[:])
	b[3] = byte(h.Type)
	putUint32LE(b[4:8], h.Length)
	return b
}

// FrameReader is the reading half of the framing codec: an explicit state
// machine over a decrypt stream, matching original_source/p2p/msg_reader.h's
// MsgReader (reading_header / reading_message, grown/shrunk buffer, and a
// liveness flag consulted after every handler call).
type FrameReader struct {
	cipher  FrameCipher
	mac     FrameMAC
	filter  typeFilter
	handler FrameHandler
	alive   *atomic.Bool

	state  frameState
	header frameHeader

	headerBuf  []byte // HeaderSize, reused across frames
	payloadBuf []byte // grows to header.Length, shrunk back when oversized
	macBuf     []byte // MacSize, reused across frames
	cursor     int    // bytes filled in the buffer for the current phase

	baselinePayloadCap int
}

// NewFrameReader constructs a reader bound to a liveness flag the owning
// Connection controls: if the handler deletes the connection mid-dispatch,
// it clears the flag, and the reader must not touch its own state afterward
// (spec.md §4.A "treat the handler as potentially destructive to itself").
func NewFrameReader(cipher FrameCipher, mac FrameMAC, filter typeFilter, handler FrameHandler, alive *atomic.Bool) *FrameReader {
	r := &FrameReader{
		cipher:             cipher,
		mac:                mac,
		filter:             filter,
		handler:            handler,
		alive:              alive,
		headerBuf:          make([]byte, HeaderSize),
		macBuf:             make([]byte, MacSize),
		baselinePayloadCap: 4096,
	}
	r.payloadBuf = make([]byte, 0, r.baselinePayloadCap)
	r.state = stateReadingHeader
	return r
}

// State exposes the current reader phase for testable-property checks
// (spec.md §8 property 3): between frames the reader is in reading-header
// with an empty cursor.
func (r *FrameReader) State() (readingHeader bool, pendingSize, cursor int) {
	switch r.state {
	case stateReadingHeader:
		return true, len(r.headerBuf), r.cursor
	case stateReadingPayload:
		return false, len(r.payloadBuf), r.cursor
	default:
		return false, len(r.macBuf), r.cursor
	}
}

// Feed supplies newly-arrived raw (still-encrypted-where-applicable) bytes
// from the socket. It may contain a partial frame, exactly one, or several;
// Feed drains as many complete frames as are available and stops at the
// first error, or immediately after any handler call that cleared the
// liveness flag (the connection tore itself down from within dispatch).
func (r *FrameReader) Feed(data []byte) DisconnectReason {
	for len(data) > 0 {
		if r.alive != nil && !r.alive.Load() {
			return ReasonNone
		}

		var dst []byte
		var decrypt bool
		switch r.state {
		case stateReadingHeader:
			dst, decrypt = r.headerBuf, true
		case stateReadingPayload:
			dst, decrypt = r.payloadBuf[:cap(r.payloadBuf)][:r.header.Length], true
		case stateReadingMac:
			dst, decrypt = r.macBuf, false
		}

		need := len(dst) - r.cursor
		n := need
		if n > len(data) {
			n = len(data)
		}
		if decrypt {
			r.cipher.XORKeyStream(dst[r.cursor:r.cursor+n], data[:n])
		} else {
			copy(dst[r.cursor:r.cursor+n], data[:n])
		}
		r.cursor += n
		data = data[n:]

		if r.cursor < len(dst) {
			continue
		}

		switch r.state {
		case stateReadingHeader:
			if reason := r.onHeaderComplete(); reason != ReasonNone {
				return reason
			}
		case stateReadingPayload:
			r.state = stateReadingMac
			r.cursor = 0
		case stateReadingMac:
			reason := r.onFrameComplete()
			if reason != ReasonNone {
				return reason
			}
			if r.alive != nil && !r.alive.Load() {
				return ReasonNone
			}
		}
	}
	return ReasonNone
}

func (r *FrameReader) onHeaderComplete() DisconnectReason {
	var magic [3]byte
	copy(magic[:], r.headerBuf[0:3])
	if magic != ProtocolMagic {
		return ReasonWireFraming
	}
	t := MsgType(r.headerBuf[3])
	length := getUint32LE(r.headerBuf[4:8])

	policy, ok := dispatchTable[t]
	if !ok {
		return ReasonWireFraming
	}
	if length < policy.Min || length > policy.Max {
		return ReasonWireFraming
	}
	if r.filter != nil && !r.filter.Allowed(t) {
		return ReasonProtocolSemantics
	}

	r.header = frameHeader{Type: t, Length: length}
	if cap(r.payloadBuf) < int(length) {
		r.payloadBuf = make([]byte, length)
	} else {
		r.payloadBuf = r.payloadBuf[:length]
	}
	r.state = stateReadingPayload
	r.cursor = 0
	return ReasonNone
}

func (r *FrameReader) onFrameComplete() DisconnectReason {
	payload := r.payloadBuf[:r.header.Length]
	plain := append(headerBytes(r.header), payload...)
	if !r.mac.verify(plain, r.macBuf) {
		return ReasonWireFraming
	}

	reason := r.handler(r.header.Type, payload)

	if r.alive != nil && !r.alive.Load() {
		return reason
	}

	r.state = stateReadingHeader
	r.cursor = 0
	if cap(r.payloadBuf) > r.baselinePayloadCap*2 {
		r.payloadBuf = make([]byte, 0, r.baselinePayloadCap)
	}
	return reason
}

// FrameWriter builds and encrypts outbound frames. Encode builds the header
// from the message type and payload length itself, encrypts header+payload (advancing the cipher by exactly that many
// bytes) and appends the MAC in the clear, matching the wire boundary rules
// in spec.md §4.A.
type FrameWriter struct {
	cipher FrameCipher
	mac    FrameMAC
}

// NewFrameWriter constructs a writer bound to the outbound cipher/MAC keys.
func NewFrameWriter(cipher FrameCipher, mac FrameMAC) *FrameWriter {
	return &FrameWriter{cipher: cipher, mac: mac}
}

// Encode serializes a single frame: header, encrypted payload, MAC.
func (w *FrameWriter) Encode(t MsgType, payload []byte) []byte {
	h := frameHeader{Type: t, Length: uint32(len(payload))}
	plain := append(headerBytes(h), payload...)
	tag := w.mac.sum(plain)

	out := make([]byte, len(plain)+len(tag))
	w.cipher.XORKeyStream(out[:len(plain)], plain)
	copy(out[len(plain):], tag)
	return out
}
