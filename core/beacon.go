package core

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// beaconMagic tags a beacon datagram so it's never confused with stray UDP
// traffic on the LAN segment.
var beaconMagic = [3]byte{'C', 'N', 'B'}

// beaconPayload is (rules-hash, identity, listening port), broadcast
// periodically so peers on the same LAN segment discover each other without
// a bootstrap list (spec.md §4.G).
type beaconPayload struct {
	RulesHash [32]byte
	Identity  PeerID
	Port      uint16
}

const beaconWireSize = 3 + 32 + 32 + 2

func encodeBeacon(b beaconPayload) []byte {
	buf := make([]byte, beaconWireSize)
	copy(buf[0:3], beaconMagic[:])
	copy(buf[3:35], b.RulesHash[:])
	copy(buf[35:67], b.Identity[:])
	binary.LittleEndian.PutUint16(buf[67:69], b.Port)
	return buf
}

func decodeBeacon(data []byte) (beaconPayload, bool) {
	if len(data) != beaconWireSize {
		return beaconPayload{}, false
	}
	var magic [3]byte
	copy(magic[:], data[0:3])
	if magic != beaconMagic {
		return beaconPayload{}, false
	}
	var b beaconPayload
	copy(b.RulesHash[:], data[3:35])
	copy(b.Identity[:], data[35:67])
	b.Port = binary.LittleEndian.Uint16(data[67:69])
	return b, true
}

// Beacon runs the periodic LAN broadcast and listens for peers announcing
// themselves the same way (spec.md §4.G). It is "non-critical; purely a
// discovery accelerant" — every error here is logged and swallowed rather
// than propagated, matching that framing.
type Beacon struct {
	log       *logrus.Logger
	conn      *net.UDPConn
	broadcast *net.UDPAddr

	rulesHash [32]byte
	self      PeerID
	port      uint16

	onPeer func(id PeerID, addr Address)

	stop chan struct{}
}

// NewBeacon opens the UDP socket used both to send and receive beacon
// datagrams on the given port (spec.md §6 "one UDP broadcaster/receiver on
// the beacon port").
func NewBeacon(port uint16, rulesHash [32]byte, self PeerID, listenPort uint16, log *logrus.Logger, onPeer func(PeerID, Address)) (*Beacon, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return &Beacon{
		log:       log,
		conn:      conn,
		broadcast: &net.UDPAddr{IP: net.IPv4bcast, Port: int(port)},
		rulesHash: rulesHash,
		self:      self,
		port:      listenPort,
		onPeer:    onPeer,
		stop:      make(chan struct{}),
	}, nil
}

// Run broadcasts on interval and pumps incoming datagrams until Stop is
// called. It is meant to run in its own goroutine.
func (b *Beacon) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go b.receiveLoop()

	for {
		select {
		case <-ticker.C:
			b.broadcastOnce()
		case <-b.stop:
			return
		}
	}
}

func (b *Beacon) broadcastOnce() {
	payload := encodeBeacon(beaconPayload{RulesHash: b.rulesHash, Identity: b.self, Port: b.port})
	if _, err := b.conn.WriteToUDP(payload, b.broadcast); err != nil {
		b.log.WithError(err).Debug("beacon: broadcast failed")
	}
}

func (b *Beacon) receiveLoop() {
	buf := make([]byte, 256)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
				b.log.WithError(err).Debug("beacon: read failed")
				continue
			}
		}
		b.handleDatagram(buf[:n], addr)
	}
}

func (b *Beacon) handleDatagram(data []byte, from *net.UDPAddr) {
	msg, ok := decodeBeacon(data)
	if !ok {
		return
	}
	if msg.RulesHash != b.rulesHash {
		return
	}
	if msg.Identity == b.self {
		return
	}
	ip4 := from.IP.To4()
	if ip4 == nil || msg.Port == 0 {
		return
	}
	var addr Address
	copy(addr.IP[:], ip4)
	addr.Port = msg.Port
	b.onPeer(msg.Identity, addr)
}

// Stop shuts the beacon down, releasing its UDP socket.
func (b *Beacon) Stop() {
	select {
	case <-b.stop:
		return
	default:
		close(b.stop)
	}
	_ = b.conn.Close()
}
