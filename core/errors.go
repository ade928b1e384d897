package core

// DisconnectReason is the typed result the codec, connection, and scheduler
// use to propagate a fault instead of throwing (spec.md §7, §9 "exceptions
// for control flow -> typed results").
type DisconnectReason uint8

const (
	// ReasonNone means no fault occurred.
	ReasonNone DisconnectReason = iota
	// ReasonWireFraming covers magic mismatch, size-out-of-policy, unknown
	// type, and MAC failure.
	ReasonWireFraming
	// ReasonProtocolSemantics covers unexpected/disabled message types,
	// malformed payloads, and rule violations (e.g. a lower-work new-tip).
	ReasonProtocolSemantics
	// ReasonVerifierInsane is a deferred ban raised by the block processor.
	ReasonVerifierInsane
	// ReasonTimeout is a per-task deadline miss.
	ReasonTimeout
	// ReasonNetworkError is a TCP read/write failure.
	ReasonNetworkError
	// ReasonResourceOverflow is an outbound queue past the drown threshold.
	ReasonResourceOverflow
	// ReasonDuplicateConnection is the losing side of a simultaneous dial.
	ReasonDuplicateConnection
	// ReasonLoopback is a self-connection by address.
	ReasonLoopback
	// ReasonStopping is an orderly, operator-initiated shutdown.
	ReasonStopping
)

// faultPolicy is the effect a DisconnectReason has: whether it closes the
// connection, the rating delta it applies (0 = none), and whether the rating
// change is deferred to the scheduler's async queue instead of applied
// in-line (spec.md §4.F "on_peer_insane ... via an asynchronous queue").
type faultPolicy struct {
	Close    bool
	Rating   int32
	Deferred bool
	Bye      ByeReason
}

var faultPolicies = map[DisconnectReason]faultPolicy{
	ReasonNone:                {Close: false, Rating: 0},
	ReasonWireFraming:         {Close: true, Rating: ratingZero, Bye: ByeBan},
	ReasonProtocolSemantics:   {Close: true, Rating: ratingZero, Bye: ByeBan},
	ReasonVerifierInsane:      {Close: true, Rating: ratingZero, Deferred: true, Bye: ByeBan},
	ReasonTimeout:             {Close: true, Rating: -ratingTimeoutPenalty, Bye: ByeTimeout},
	ReasonNetworkError:        {Close: true, Rating: -ratingNetworkErrorPenalty, Bye: ByeOther},
	ReasonResourceOverflow:    {Close: true, Rating: -ratingNetworkErrorPenalty, Bye: ByeOther},
	ReasonDuplicateConnection: {Close: true, Rating: 0, Bye: ByeDuplicate},
	ReasonLoopback:            {Close: true, Rating: 0, Bye: ByeLoopback},
	ReasonStopping:            {Close: true, Rating: 0, Bye: ByeStopping},
}

// ratingZero saturates a rating to the banned floor regardless of its
// current value; a sentinel rather than a real delta because rating_modify
// treats "set to 0" (ban) distinctly from "subtract N".
const ratingZero = -1 << 30

const (
	ratingTimeoutPenalty      = 4
	ratingNetworkErrorPenalty = 1
)

func (r DisconnectReason) policy() faultPolicy {
	if p, ok := faultPolicies[r]; ok {
		return p
	}
	return faultPolicy{Close: true, Rating: 0, Bye: ByeOther}
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonWireFraming:
		return "wire-framing"
	case ReasonProtocolSemantics:
		return "protocol-semantics"
	case ReasonVerifierInsane:
		return "verifier-insane"
	case ReasonTimeout:
		return "timeout"
	case ReasonNetworkError:
		return "network-error"
	case ReasonResourceOverflow:
		return "resource-overflow"
	case ReasonDuplicateConnection:
		return "duplicate-connection"
	case ReasonLoopback:
		return "loopback"
	case ReasonStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ProtocolError mirrors original_source/p2p/protocol_base.h's ProtocolError
// enum; it is the framing-layer detail behind ReasonWireFraming /
// ReasonProtocolSemantics.
type ProtocolError int

const (
	ErrNone ProtocolError = iota
	ErrMagicMismatch
	ErrMsgTypeError
	ErrMsgSizeError
	ErrMessageCorrupted
	ErrUnexpectedMsgType
)

func (e ProtocolError) String() string {
	switch e {
	case ErrMagicMismatch:
		return "magic-mismatch"
	case ErrMsgTypeError:
		return "msg-type-error"
	case ErrMsgSizeError:
		return "msg-size-error"
	case ErrMessageCorrupted:
		return "message-corrupted"
	case ErrUnexpectedMsgType:
		return "unexpected-msg-type"
	default:
		return "no-error"
	}
}
