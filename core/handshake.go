package core

import (
	"encoding/binary"
	"fmt"
)

// LoginPayload is the decoded body of a login frame: a capability bitfield
// plus an optional advertised listening port (spec.md §4.E). Port 0 means
// inbound-only: the peer can still be a valid task target but is never
// recorded as a dialable address.
type LoginPayload struct {
	Flags LoginFlags
	Port  uint16
}

// encodeLogin serializes a LoginPayload to its wire form: 4 bytes flags, 2
// bytes port, little-endian.
func encodeLogin(p LoginPayload) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Flags))
	binary.LittleEndian.PutUint16(buf[4:6], p.Port)
	return buf
}

func decodeLogin(payload []byte) (LoginPayload, DisconnectReason) {
	if len(payload) < 6 {
		return LoginPayload{}, ReasonProtocolSemantics
	}
	return LoginPayload{
		Flags: LoginFlags(binary.LittleEndian.Uint32(payload[0:4])),
		Port:  binary.LittleEndian.Uint16(payload[4:6]),
	}, ReasonNone
}

// authPayload is the decoded body of an authentication frame: an identity
// kind tag, the claimed PeerID, and the ed25519 signature over
// (PeerID, kind) (spec.md §4.B).
type authPayload struct {
	Kind IdentityKind
	ID   PeerID
	Sig  []byte
}

func decodeAuth(payload []byte) (authPayload, DisconnectReason) {
	if len(payload) < 33 {
		return authPayload{}, ReasonWireFraming
	}
	var out authPayload
	out.Kind = IdentityKind(payload[0])
	copy(out.ID[:], payload[1:33])
	out.Sig = append([]byte(nil), payload[33:]...)
	return out, ReasonNone
}

func encodeAuth(kind IdentityKind, id PeerID, sig []byte) []byte {
	buf := make([]byte, 0, 33+len(sig))
	buf = append(buf, byte(kind))
	buf = append(buf, id[:]...)
	buf = append(buf, sig...)
	return buf
}

// loginResolution is the outcome of resolving a newly-identified peer
// against the connection set (spec.md §4.E "the manager resolves three
// cases in order").
type loginResolution int

const (
	loginNew loginResolution = iota
	loginUpdatedAddress
	loginDuplicate
)

// ConnectionIndex is the subset of Node's bookkeeping handshake resolution
// needs: the set of already-authenticated identities mapped to their
// connection, so a duplicate inbound/outbound pair can be detected and torn
// down deterministically (spec.md §4.B): the side whose
// identity sorts lexicographically larger terminates its own connection.
type ConnectionIndex interface {
	ByIdentity(id PeerID) (*Connection, bool)
}

// resolveLogin implements spec.md §4.E's three-case resolution and §4.B's
// duplicate-connection tie-break. It never mutates anything itself;
// callers act on the returned resolution (the Node façade owns all
// structural mutation per SPEC's single-loop concurrency model).
func resolveLogin(idx ConnectionIndex, self PeerID, candidate PeerID, thisConn *Connection) (loginResolution, DisconnectReason) {
	if candidate == self {
		return loginDuplicate, ReasonLoopback
	}

	existing, ok := idx.ByIdentity(candidate)
	if !ok {
		return loginNew, ReasonNone
	}
	if existing.ID() == thisConn.ID() {
		return loginNew, ReasonNone
	}

	// Same identity reached us over two connections: both sides apply the
	// same deterministic rule, so exactly one tears itself down without
	// requiring coordination.
	if candidate.Less(self) {
		return loginDuplicate, ReasonDuplicateConnection
	}
	// The peer's identity sorts after ours: by symmetry the *peer's* side
	// is the one that self-terminates, so we keep this connection and treat
	// the existing one as stale — the caller closes `existing`.
	return loginUpdatedAddress, ReasonNone
}

// performAuthentication runs the identity-proof exchange for one side of a
// connection: sign our own challenge, send it, receive and verify theirs.
// It is I/O-agnostic like PerformDH, driven by simple send/recv functions
// so it composes the same way whether used from a blocking dialer or an
// async frame pipeline.
func performAuthentication(self IdentityKey, kind IdentityKind, send func([]byte) error, recv func() (authPayload, error)) (PeerID, IdentityKind, error) {
	sig := self.Sign(kind)
	if err := send(encodeAuth(kind, self.Public(), sig)); err != nil {
		return PeerID{}, 0, err
	}
	peer, err := recv()
	if err != nil {
		return PeerID{}, 0, err
	}
	if !VerifyIdentityProof(peer.ID, peer.Kind, peer.Sig) {
		return PeerID{}, 0, fmt.Errorf("handshake: identity proof failed verification")
	}
	return peer.ID, peer.Kind, nil
}

// IdentityProofs records which identity kinds a peer has successfully
// proven over this connection, gating capability-restricted operations
// (spec.md §4.B "receiver records which proofs succeeded").
type IdentityProofs struct {
	proven map[IdentityKind]bool
}

func newIdentityProofs() *IdentityProofs { return &IdentityProofs{proven: make(map[IdentityKind]bool)} }

func (p *IdentityProofs) record(kind IdentityKind) { p.proven[kind] = true }

func (p *IdentityProofs) Has(kind IdentityKind) bool { return p.proven[kind] }

// IsOwner reports whether this peer proved the owner identity, the gate
// for owner-restricted notifications (§7 supplemental feature #4).
func (p *IdentityProofs) IsOwner() bool { return p.proven[IdentityOwner] }
