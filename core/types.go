// Package core implements the peer-to-peer networking substrate: the framed
// wire protocol, the authenticated secure channel, connection lifecycle, and
// the peer-manager / task-scheduler that decide whom to dial, whom to drop,
// and whom to ask for which data.
package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// PeerID is an opaque 32-byte public key identifying a peer. It is exported
// from a scalar held only by its owner (see IdentityKey in securechannel.go).
type PeerID [32]byte

func (id PeerID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Less gives PeerID a total order, used to break duplicate-connection ties
// deterministically (spec 4.B): the side with the lexicographically larger
// identity terminates its own connection (see resolveLogin).
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Address is an (IPv4, port) pair with total equality and ordering.
// Port == 0 is the sentinel meaning "cannot accept inbound".
type Address struct {
	IP   [4]byte
	Port uint16
}

// AddressFromNetAddr builds an Address from a dialed net.Addr; an error is
// returned for anything that isn't an IPv4 TCP/UDP endpoint.
func AddressFromNetAddr(a net.Addr) (Address, error) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return Address{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("address: invalid host %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("address: not ipv4: %s", host)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Address{}, fmt.Errorf("address: invalid port %q: %w", portStr, err)
	}
	var out Address
	copy(out.IP[:], ip4)
	out.Port = uint16(port)
	return out, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// Dialable reports whether the address can be used to initiate a connection.
func (a Address) Dialable() bool { return a.Port != 0 }

// Compare gives Address a total order: by IP, then by port.
func (a Address) Compare(b Address) int {
	if c := bytes.Compare(a.IP[:], b.IP[:]); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}

// StreamID is a tagged 64-bit handle keying a Connection through its
// lifecycle. The low 48 bits are a monotonic sequence number minted by the
// Node façade; the top bits carry status flags that persist across the
// connection's state transitions.
type StreamID uint64

const (
	streamSeqMask = (uint64(1) << 48) - 1

	flagInbound      = uint64(1) << 48
	flagOutbound     = uint64(1) << 49
	flagHandshaking  = uint64(1) << 50
	flagAccepted     = uint64(1) << 51
)

func newStreamID(seq uint64, inbound bool) StreamID {
	id := seq & streamSeqMask
	if inbound {
		id |= flagInbound
	} else {
		id |= flagOutbound
	}
	id |= flagHandshaking
	return StreamID(id)
}

func (s StreamID) seq() uint64          { return uint64(s) & streamSeqMask }
func (s StreamID) Inbound() bool        { return uint64(s)&flagInbound != 0 }
func (s StreamID) Outbound() bool       { return uint64(s)&flagOutbound != 0 }
func (s StreamID) Handshaking() bool    { return uint64(s)&flagHandshaking != 0 }
func (s StreamID) Accepted() bool       { return uint64(s)&flagAccepted != 0 }
func (s StreamID) withAccepted() StreamID {
	return StreamID(uint64(s) | flagAccepted)
}
func (s StreamID) withHandshakeDone() StreamID {
	return StreamID(uint64(s) &^ flagHandshaking)
}

// MsgType enumerates the wire message catalog (spec.md §6). Values are
// bit-exact: a wire capture from one corenet node is replayable against
// another.
type MsgType uint8

const (
	MsgLogin MsgType = iota + 1
	MsgBye
	MsgPing
	MsgPong
	MsgSecureChannelInit
	MsgSecureChannelReady
	MsgAuthentication
	MsgPeerInfoSelf
	MsgPeerInfo
	MsgGetExternalAddr
	MsgExternalAddr
	MsgGetTime
	MsgTime
	MsgDataMissing
	MsgBoolean

	MsgNewTip
	MsgGetHdr
	MsgHdr
	MsgGetHdrPack
	MsgHdrPack
	MsgGetBody
	MsgBody
	MsgBodyPack
	MsgGetProofState
	MsgProofState
	MsgGetProofKernel
	MsgProofKernel
	MsgGetProofUtxo
	MsgProofUtxo
	MsgGetProofChainwork
	MsgProofChainwork
	MsgGetCommonState
	MsgProofCommonState

	MsgGetEvents
	MsgEvents
	MsgEventsSerif
	MsgGetBlockFinalization
	MsgBlockFinalization

	MsgNewTransaction
	MsgHaveTransaction
	MsgGetTransaction

	MsgBBSMsg
	MsgBBSHaveMsg
	MsgBBSGetMsg
	MsgBBSSubscribe
	MsgBBSPickChannel
	MsgBBSPickChannelRes
	MsgBBSResetSync
)

// sizePolicy bounds the payload size (not counting header or MAC) a message
// type may carry. Out-of-range sizes are a msg-size-error (ban grade).
type sizePolicy struct{ Min, Max uint32 }

// dispatchTable carries, for every known MsgType, its size policy. It is the
// Go analogue of ProtocolBase's DispatchTableItem array
// (original_source/p2p/protocol_base.h).
var dispatchTable = map[MsgType]sizePolicy{
	MsgLogin:                {0, 256},
	MsgBye:                  {1, 1},
	MsgPing:                 {0, 0},
	MsgPong:                 {0, 0},
	MsgSecureChannelInit:    {32, 32},
	MsgSecureChannelReady:   {0, 0},
	MsgAuthentication:       {33, 160},
	MsgPeerInfoSelf:         {0, 64},
	MsgPeerInfo:             {0, 64 * 64},
	MsgGetExternalAddr:      {0, 0},
	MsgExternalAddr:         {6, 6},
	MsgGetTime:              {0, 0},
	MsgTime:                 {8, 8},
	MsgDataMissing:          {33, 33},
	MsgBoolean:              {1, 1},
	MsgNewTip:               {40, 40},
	MsgGetHdr:               {32, 32},
	MsgHdr:                  {0, 4096},
	MsgGetHdrPack:           {40, 40},
	MsgHdrPack:              {0, 8 << 20},
	MsgGetBody:              {32, 32},
	MsgBody:                 {0, 10 << 20},
	MsgBodyPack:             {0, 64 << 20},
	MsgGetProofState:        {32, 32},
	MsgProofState:           {0, 1 << 20},
	MsgGetProofKernel:       {32, 32},
	MsgProofKernel:          {0, 1 << 20},
	MsgGetProofUtxo:         {32, 64},
	MsgProofUtxo:            {0, 1 << 20},
	MsgGetProofChainwork:    {0, 0},
	MsgProofChainwork:       {0, 256},
	MsgGetCommonState:       {0, 32 * 64},
	MsgProofCommonState:     {0, 1 << 20},
	MsgGetEvents:            {8, 8},
	MsgEvents:               {0, 1 << 20},
	MsgEventsSerif:          {0, 1 << 20},
	MsgGetBlockFinalization: {32, 32},
	MsgBlockFinalization:    {0, 1 << 20},
	MsgNewTransaction:       {0, 1 << 20},
	MsgHaveTransaction:      {32, 32},
	MsgGetTransaction:       {32, 32},
	MsgBBSMsg:               {0, 1 << 16},
	MsgBBSHaveMsg:           {32, 32},
	MsgBBSGetMsg:            {32, 32},
	MsgBBSSubscribe:         {1, 1},
	MsgBBSPickChannel:       {0, 0},
	MsgBBSPickChannelRes:    {1, 1},
	MsgBBSResetSync:         {0, 0},
}

// ByeReason is a single-byte wire code explaining a disconnect (spec.md §6).
type ByeReason uint8

const (
	ByeStopping ByeReason = iota
	ByeBan
	ByeLoopback
	ByeDuplicate
	ByeTimeout
	ByeProbed
	ByeOther
)

func (r ByeReason) String() string {
	switch r {
	case ByeStopping:
		return "stopping"
	case ByeBan:
		return "ban"
	case ByeLoopback:
		return "loopback"
	case ByeDuplicate:
		return "duplicate"
	case ByeTimeout:
		return "timeout"
	case ByeProbed:
		return "probed"
	default:
		return "other"
	}
}

// putUint32LE/getUint32LE centralize the little-endian layout the wire frame
// header and a handful of payload fields use (spec.md §6).
func putUint32LE(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32LE(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
