package core

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20"
)

// IdentityKey is the persistent per-node identity: an ed25519 seed held only
// by its owner, exported as a 32-byte PeerID (spec.md §3 "Peer identity").
// The node holds exactly one identity for its lifetime, persisted on first
// run (see LoadOrCreateIdentity in store.go).
type IdentityKey struct {
	priv ed25519.PrivateKey
}

// NewIdentityKey generates a fresh identity.
func NewIdentityKey() (IdentityKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentityKey{}, err
	}
	return IdentityKey{priv: priv}, nil
}

// IdentityKeyFromSeed reconstructs an identity from its persisted 32-byte
// seed.
func IdentityKeyFromSeed(seed []byte) (IdentityKey, error) {
	if len(seed) != ed25519.SeedSize {
		return IdentityKey{}, fmt.Errorf("securechannel: bad identity seed length %d", len(seed))
	}
	return IdentityKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns the persistable seed for this identity.
func (k IdentityKey) Seed() []byte { return k.priv.Seed() }

// Public returns the PeerID exported from this identity's scalar.
func (k IdentityKey) Public() PeerID {
	var id PeerID
	copy(id[:], k.priv.Public().(ed25519.PublicKey))
	return id
}

// IdentityKind distinguishes the identity types a peer may present during
// authentication (spec.md §4.B "node, owner, viewer").
type IdentityKind uint8

const (
	IdentityNode IdentityKind = iota
	IdentityOwner
	IdentityViewer
)

// Sign produces the authentication signature over (identity, kind tag),
// spec.md §4.B "each side signs a challenge containing (its own identity, a
// type tag) with its identity scalar".
func (k IdentityKey) Sign(kind IdentityKind) []byte {
	msg := authChallenge(k.Public(), kind)
	return ed25519.Sign(k.priv, msg)
}

func authChallenge(id PeerID, kind IdentityKind) []byte {
	msg := make([]byte, 0, 33)
	msg = append(msg, id[:]...)
	msg = append(msg, byte(kind))
	return msg
}

// VerifyIdentityProof checks a signature claimed to be over (id, kind) by
// the holder of id's private scalar.
func VerifyIdentityProof(id PeerID, kind IdentityKind, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), authChallenge(id, kind), sig)
}

// dhKeyPair is the ephemeral Diffie-Hellman keypair exchanged at the start
// of every connection (spec.md §4.B "initiator sends a nonce-public").
type dhKeyPair struct {
	scalar *edwards25519.Scalar
	public *edwards25519.Point
}

func newDHKeyPair() (dhKeyPair, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return dhKeyPair{}, err
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return dhKeyPair{}, err
	}
	p := edwards25519.NewIdentityPoint().ScalarBaseMult(s)
	return dhKeyPair{scalar: s, public: p}, nil
}

func (kp dhKeyPair) publicBytes() [32]byte {
	var out [32]byte
	copy(out[:], kp.public.Bytes())
	return out
}

func (kp dhKeyPair) sharedSecret(peerPublic [32]byte) ([]byte, error) {
	p, err := edwards25519.NewIdentityPoint().SetBytes(peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("securechannel: bad peer nonce-public: %w", err)
	}
	shared := edwards25519.NewIdentityPoint().ScalarMult(kp.scalar, p)
	return shared.Bytes(), nil
}

// channelDirection selects which of the two derived key sets a SecureChannel
// uses for its outbound stream, giving domain separation between inbound and
// outbound traffic (spec.md §4.B).
type channelDirection int

const (
	dirInitiatorOut channelDirection = iota
	dirResponderOut
)

// SecureChannel holds the keys derived from the DH handshake: a stream
// cipher and an HMAC key per direction. Before the handshake completes the
// channel is in plaintext mode; DeriveKeys transitions it into duplex mode.
type SecureChannel struct {
	duplex bool

	encCipher *chacha20.Cipher
	decCipher *chacha20.Cipher
	encMAC    FrameMAC
	decMAC    FrameMAC
}

// plaintextCipher is a no-op FrameCipher used before the handshake
// completes: only handshake frames travel while in this mode, and they are
// not expected to be encrypted (spec.md §4.B).
type plaintextCipher struct{}

func (plaintextCipher) XORKeyStream(dst, src []byte) { copy(dst, src) }

var _ FrameCipher = plaintextCipher{}

// EncCipher and DecCipher satisfy the FrameCipher interface FrameReader and
// FrameWriter depend on, switching transparently from plaintext to duplex
// mode once DeriveKeys has run.
func (c *SecureChannel) EncCipher() FrameCipher {
	if !c.duplex {
		return plaintextCipher{}
	}
	return c.encCipher
}

func (c *SecureChannel) DecCipher() FrameCipher {
	if !c.duplex {
		return plaintextCipher{}
	}
	return c.decCipher
}

func (c *SecureChannel) EncMAC() FrameMAC {
	if !c.duplex {
		return FrameMAC{key: zeroMACKey[:]}
	}
	return c.encMAC
}

func (c *SecureChannel) DecMAC() FrameMAC {
	if !c.duplex {
		return FrameMAC{key: zeroMACKey[:]}
	}
	return c.decMAC
}

var zeroMACKey [32]byte

// DeriveKeys derives the per-direction cipher/MAC keys from the DH shared
// secret and switches the channel into duplex mode. initiator selects which
// derived key set is "ours" vs "theirs", giving the domain separation spec.md
// §4.B requires between inbound and outbound.
func (c *SecureChannel) DeriveKeys(shared []byte, initiator bool) error {
	outCipherKey := hkdfExpand(shared, "corenet-cipher-initiator-out")
	inCipherKey := hkdfExpand(shared, "corenet-cipher-responder-out")
	outMACKey := hkdfExpand(shared, "corenet-mac-initiator-out")
	inMACKey := hkdfExpand(shared, "corenet-mac-responder-out")

	if !initiator {
		outCipherKey, inCipherKey = inCipherKey, outCipherKey
		outMACKey, inMACKey = inMACKey, outMACKey
	}

	var nonce [12]byte
	enc, err := chacha20.NewUnauthenticatedCipher(outCipherKey, nonce[:])
	if err != nil {
		return err
	}
	dec, err := chacha20.NewUnauthenticatedCipher(inCipherKey, nonce[:])
	if err != nil {
		return err
	}

	c.encCipher = enc
	c.decCipher = dec
	c.encMAC = NewFrameMAC(outMACKey)
	c.decMAC = NewFrameMAC(inMACKey)
	c.duplex = true
	return nil
}

// hkdfExpand derives a 32-byte chacha20 key from the shared secret and a
// domain-separation label as HMAC-SHA256(secret, label). This is a single
// HMAC, not RFC 5869 HKDF-expand (no block counter byte is appended); the
// shared secret is already high-entropy.
func hkdfExpand(secret []byte, label string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// HandshakeResult carries the outcome of the DH exchange up to the
// Connection so it can build the FrameReader/FrameWriter pair.
type HandshakeResult struct {
	Channel  *SecureChannel
	SelfPub  [32]byte
	PeerPub  [32]byte
}

// PerformDH executes the nonce-public exchange given functions to send our
// public value and receive the peer's. It does not do any I/O itself so it
// can be driven either by blocking reads/writes (tests, simple dialers) or
// by the connection's async frame pipeline.
func PerformDH(initiator bool, send func([32]byte) error, recv func() ([32]byte, error)) (*HandshakeResult, error) {
	kp, err := newDHKeyPair()
	if err != nil {
		return nil, err
	}
	self := kp.publicBytes()

	var peer [32]byte
	if initiator {
		if err := send(self); err != nil {
			return nil, err
		}
		peer, err = recv()
		if err != nil {
			return nil, err
		}
	} else {
		peer, err = recv()
		if err != nil {
			return nil, err
		}
		if err := send(self); err != nil {
			return nil, err
		}
	}

	shared, err := kp.sharedSecret(peer)
	if err != nil {
		return nil, err
	}

	ch := &SecureChannel{}
	if err := ch.DeriveKeys(shared, initiator); err != nil {
		return nil, err
	}

	return &HandshakeResult{Channel: ch, SelfPub: self, PeerPub: peer}, nil
}
