package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// NodeConfig collects the constructor knobs Node needs, assembled by
// cmd/corenet from pkg/config.Config.
type NodeConfig struct {
	ListenAddr string
	BeaconPort uint16
	RulesHash  [32]byte
	MaxPeers   int

	AddressBook AddressBookConfig
	Scheduler   SchedulerConfig

	PingInterval     time.Duration
	RecommendInterval time.Duration
	UpdateInterval   time.Duration
	FlushInterval    time.Duration
	ClockSkewWarn    time.Duration

	StatusListenAddr string
}

// collaborator callbacks the façade consumes (spec.md §4.J "Consumes from
// collaborators").
type Collaborators struct {
	OnBlock       func(height uint64, payload []byte)
	OnHeader      func(hdr []byte, from PeerID)
	OnTransaction func(tx []byte, from PeerID, stem bool)
	OnBBSMsg      func(msg BBSMessage)

	// ProvideHdrPack and ProvideBody answer inbound get-hdr-pack/get-body
	// requests. The core holds no chain state of its own (spec.md
	// Non-goals: "does not persist blocks"), so serving a peer's request is
	// itself dispatched to the collaborator that does.
	ProvideHdrPack func(key TaskKey, count uint32) ([]byte, bool)
	ProvideBody    func(key TaskKey) ([]byte, bool)

	// ProvideTransaction answers an inbound get-transaction request. The
	// core's own transaction tracking is limited to the wanted-queue and
	// stem/fluff state (spec.md §4.H/§4.I); the transaction pool itself
	// lives with the collaborator.
	ProvideTransaction func(id WantedKey) ([]byte, bool)
}

// Node is the façade wiring components A-I to external collaborators and
// owning their shared lifecycle (spec.md §4.J). Closures posted to the
// command channel run on loop(); frame handlers run on each connection's
// reader goroutine and update the connection index, address book and
// scheduler directly, each of which is guarded by its own mutex.
type Node struct {
	log      *logrus.Logger
	cfg      NodeConfig
	identity IdentityKey

	addrBook  *AddressBook
	scheduler *Scheduler
	beacon    *Beacon
	txWanted  *WantedQueue
	bbsWanted *WantedQueue
	bus       *BroadcastBus
	bbsCache  *BBSCache
	metrics   *Metrics
	nat       *NATManager
	observers *ObserverHub

	collab Collaborators

	listener net.Listener
	streamSeq atomic.Uint64

	cmd  chan func(*Node)
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.RWMutex
	conns       map[StreamID]*Connection
	byIdentity  map[PeerID]*Connection

	httpServer *http.Server
}

// NewNode constructs a Node. It does not start listening; call Run for
// that.
func NewNode(cfg NodeConfig, identity IdentityKey, db *bbolt.DB, collab Collaborators, log *logrus.Logger) (*Node, error) {
	addrBook, err := NewAddressBook(cfg.AddressBook, db)
	if err != nil {
		return nil, fmt.Errorf("node: address book: %w", err)
	}

	n := &Node{
		log:        log,
		cfg:        cfg,
		identity:   identity,
		addrBook:   addrBook,
		scheduler:  NewScheduler(cfg.Scheduler),
		bus:        NewBroadcastBus(4096, 4, 30*time.Second),
		metrics:    NewMetrics(),
		observers:  newObserverHub(),
		collab:     collab,
		cmd:        make(chan func(*Node), 256),
		done:       make(chan struct{}),
		conns:      make(map[StreamID]*Connection),
		byIdentity: make(map[PeerID]*Connection),
	}
	n.txWanted = NewWantedQueue(30*time.Second, n.onTxWantedExpired)
	n.bbsWanted = NewWantedQueue(30*time.Second, n.onBBSWantedExpired)

	bbsCache, err := NewBBSCache(4096, 48*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("node: bbs cache: %w", err)
	}
	n.bbsCache = bbsCache

	return n, nil
}

// Run starts the TCP listener, the beacon, the background timers, and the
// single command-processing loop. It blocks until Close is called.
func (n *Node) Run() error {
	ln, err := net.Listen("tcp4", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	n.listener = ln

	if nat, err := NewNATManager(); err == nil {
		n.nat = nat
	} else {
		n.log.WithError(err).Debug("node: nat discovery unavailable")
	}

	beaconPort := n.cfg.BeaconPort
	if beaconPort == 0 {
		beaconPort = n.listenPort()
	}
	beacon, err := NewBeacon(beaconPort, n.cfg.RulesHash, n.identity.Public(), n.listenPort(), n.log, n.onBeaconPeer)
	if err != nil {
		n.log.WithError(err).Warn("node: beacon unavailable")
	} else {
		n.beacon = beacon
		n.wg.Add(1)
		go func() { defer n.wg.Done(); beacon.Run(30 * time.Second) }()
	}

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.acceptLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.loop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.timerLoop() }()

	if n.cfg.StatusListenAddr != "" {
		n.startStatusServer()
	}

	<-n.done
	return nil
}

func (n *Node) listenPort() uint16 {
	_, portStr, _ := net.SplitHostPort(n.listener.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return uint16(port)
}

// Close tears the node down: stops accepting, drops every connection, and
// releases the listener and beacon socket.
func (n *Node) Close() error {
	select {
	case <-n.done:
		return nil
	default:
		close(n.done)
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
	if n.beacon != nil {
		n.beacon.Stop()
	}
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	if n.httpServer != nil {
		_ = n.httpServer.Close()
	}
	n.mu.RLock()
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	n.wg.Wait()
	return nil
}

func (n *Node) post(fn func(*Node)) {
	select {
	case n.cmd <- fn:
	case <-n.done:
	}
}

// loop runs the closures posted to the command channel and, once a second,
// drains the scheduler's insane queue and pumps the broadcast rings.
func (n *Node) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case fn := <-n.cmd:
			fn(n)
		case <-ticker.C:
			n.scheduler.DrainInsane(n.banIdentity)
			n.pumpBroadcasts()
		case <-n.done:
			return
		}
	}
}

func (n *Node) timerLoop() {
	update := time.NewTicker(n.cfg.UpdateInterval)
	flush := time.NewTicker(n.cfg.FlushInterval)
	recommend := time.NewTicker(n.cfg.RecommendInterval)
	ping := time.NewTicker(n.cfg.PingInterval)
	defer update.Stop()
	defer flush.Stop()
	defer recommend.Stop()
	defer ping.Stop()

	for {
		select {
		case <-update.C:
			n.post((*Node).updatePeerSet)
		case <-flush.C:
			// persistence is write-through per addressbook.go; nothing to
			// flush explicitly, but a periodic no-op keeps the timer
			// contract spec.md §5 describes for future batched backends.
		case <-recommend.C:
			n.post((*Node).sendRecommendations)
		case <-ping.C:
			n.post((*Node).pingAll)
		case <-n.done:
			return
		}
	}
}

// --- accept / dial ---------------------------------------------------

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
				n.log.WithError(err).Warn("node: accept failed")
				continue
			}
		}
		n.wg.Add(1)
		go func() { defer n.wg.Done(); n.handleAccepted(conn) }()
	}
}

func (n *Node) handleAccepted(raw net.Conn) {
	addr, err := AddressFromNetAddr(raw.RemoteAddr())
	if err != nil {
		raw.Close()
		return
	}
	n.establish(raw, addr, true)
}

// Dial opens an outbound connection to addr (spec.md §4.J "the outbound
// dialer").
func (n *Node) Dial(addr Address) error {
	n.metrics.ConnectAttempts.Inc()
	raw, err := net.DialTimeout("tcp4", addr.String(), 5*time.Second)
	if err != nil {
		return err
	}
	go n.establish(raw, addr, false)
	return nil
}

// establish performs the blocking DH + authentication + login handshake
// over raw, then hands off to the async Connection read/write loops. This
// mirrors the reference RLPx transport's Handshake(initiator bool) shape:
// one synchronous exchange before the connection graduates to its steady
// state.
func (n *Node) establish(raw net.Conn, addr Address, inbound bool) {
	if n.addrBookRejects(addr) {
		raw.Close()
		return
	}

	dh, err := PerformDH(!inbound, frameSendFunc(raw), frameRecvFunc(raw))
	if err != nil {
		n.log.WithError(err).Debug("node: dh handshake failed")
		raw.Close()
		return
	}

	peerID, provenKind, err := performAuthentication(n.identity, IdentityNode,
		authSendFunc(raw, dh.Channel, !inbound),
		authRecvFunc(raw, dh.Channel, !inbound))
	if err != nil {
		n.log.WithError(err).Debug("node: authentication failed")
		raw.Close()
		return
	}

	if peerID == n.identity.Public() {
		raw.Close()
		return
	}

	seq := n.streamSeq.Add(1)
	id := newStreamID(seq, inbound)
	if inbound {
		id = id.withAccepted()
	}
	id = id.withHandshakeDone()

	conn := newConnection(id, addr, raw, dh.Channel, n.log, nil, n.onConnectionClosed)
	conn.reader.handler = func(t MsgType, payload []byte) DisconnectReason {
		return n.dispatch(conn, t, payload)
	}
	conn.setPeerID(peerID)
	conn.identityProofs.record(provenKind)

	n.post(func(n *Node) { n.registerConnection(conn) })
	n.wg.Add(2)
	go func() { defer n.wg.Done(); conn.writeLoop() }()
	go func() { defer n.wg.Done(); conn.readLoop() }()

	flags := LoginSpreadTransactions | LoginSpeaksBBS | LoginSendsPeerRecommendations
	conn.Send(MsgLogin, encodeLogin(LoginPayload{Flags: flags, Port: n.listenPort()}))
}

func (n *Node) addrBookRejects(addr Address) bool {
	if rec, ok := n.addrBook.FindByAddr(addr); ok {
		return n.addrBook.Banned(rec.Identity)
	}
	return false
}

func frameSendFunc(raw net.Conn) func([32]byte) error {
	return func(v [32]byte) error {
		_, err := raw.Write(v[:])
		return err
	}
}

func frameRecvFunc(raw net.Conn) func() ([32]byte, error) {
	return func() ([32]byte, error) {
		var v [32]byte
		_, err := io.ReadFull(raw, v[:])
		return v, err
	}
}

func authSendFunc(raw net.Conn, ch *SecureChannel, initiator bool) func([]byte) error {
	w := NewFrameWriter(ch.EncCipher(), ch.EncMAC())
	return func(payload []byte) error {
		_, err := raw.Write(w.Encode(MsgAuthentication, payload))
		return err
	}
}

func authRecvFunc(raw net.Conn, ch *SecureChannel, initiator bool) func() (authPayload, error) {
	return func() (authPayload, error) {
		header := make([]byte, HeaderSize)
		if _, err := io.ReadFull(raw, header); err != nil {
			return authPayload{}, err
		}
		plainHeader := make([]byte, HeaderSize)
		ch.DecCipher().XORKeyStream(plainHeader, header)
		length := getUint32LE(plainHeader[4:8])

		body := make([]byte, length)
		if _, err := io.ReadFull(raw, body); err != nil {
			return authPayload{}, err
		}
		plainBody := make([]byte, length)
		ch.DecCipher().XORKeyStream(plainBody, body)

		mac := make([]byte, MacSize)
		if _, err := io.ReadFull(raw, mac); err != nil {
			return authPayload{}, err
		}
		full := append(append([]byte{}, plainHeader...), plainBody...)
		if !ch.DecMAC().verify(full, mac) {
			return authPayload{}, fmt.Errorf("node: auth frame mac mismatch")
		}
		out, reason := decodeAuth(plainBody)
		if reason != ReasonNone {
			return authPayload{}, fmt.Errorf("node: malformed auth payload")
		}
		return out, nil
	}
}

// --- connection bookkeeping (loop-goroutine only) ---------------------

func (n *Node) registerConnection(conn *Connection) {
	n.mu.Lock()
	n.conns[conn.ID()] = conn
	n.mu.Unlock()
	n.metrics.PeerCount.Set(float64(len(n.conns)))
}

func (n *Node) onConnectionClosed(c *Connection, reason DisconnectReason) {
	n.metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	n.post(func(n *Node) {
		n.mu.Lock()
		delete(n.conns, c.ID())
		if id, ok := c.PeerID(); ok {
			if cur, ok2 := n.byIdentity[id]; ok2 && cur.ID() == c.ID() {
				delete(n.byIdentity, id)
			}
			p := reason.policy()
			if p.Rating != 0 {
				if p.Deferred {
					n.scheduler.QueueInsane(id)
				} else {
					n.addrBook.RatingModify(id, p.Rating, p.Rating != ratingZero)
				}
			}
		}
		n.mu.Unlock()
		n.bus.DropConnection(c.ID())
		n.observers.Unsubscribe(c.ID())
		n.metrics.PeerCount.Set(float64(len(n.conns)))
	})
}

// ByIdentity implements ConnectionIndex for resolveLogin.
func (n *Node) ByIdentity(id PeerID) (*Connection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.byIdentity[id]
	return c, ok
}

// --- dispatch ----------------------------------------------------------

func (n *Node) dispatch(c *Connection, t MsgType, payload []byte) DisconnectReason {
	n.metrics.FramesIn.Inc()
	switch t {
	case MsgLogin:
		return n.onLogin(c, payload)
	case MsgBye:
		return ReasonNone
	case MsgPing:
		c.Send(MsgPong, nil)
		return ReasonNone
	case MsgPong:
		c.OnPong()
		return ReasonNone
	case MsgGetExternalAddr:
		return n.onGetExternalAddr(c)
	case MsgExternalAddr:
		return ReasonNone
	case MsgGetTime:
		c.Send(MsgTime, encodeTime(time.Now()))
		return ReasonNone
	case MsgTime:
		return n.onTime(c, payload)
	case MsgPeerInfo:
		return n.onPeerInfo(c, payload)
	case MsgNewTip:
		return n.onNewTip(c, payload)
	case MsgNewTransaction:
		n.txWanted.Remove(deriveWantedKey(payload))
		if n.collab.OnTransaction != nil {
			stem, _ := n.bus.Phase(deriveWantedKey(payload))
			n.collab.OnTransaction(payload, firstPeerID(c), stem == phaseStem)
		}
		return ReasonNone
	case MsgBBSMsg:
		return n.onBBSMsg(c, payload)
	case MsgBBSHaveMsg:
		return n.onBBSHaveMsg(c, payload)
	case MsgBBSGetMsg:
		return n.onBBSGetMsg(c, payload)
	case MsgBBSSubscribe:
		return n.onBBSSubscribe(c, payload)
	case MsgBBSResetSync:
		n.bus.ResetCursors(c.ID())
		return ReasonNone
	case MsgHaveTransaction:
		return n.onHaveTransaction(c, payload)
	case MsgGetTransaction:
		return n.onGetTransaction(c, payload)
	case MsgGetHdrPack:
		return n.onGetHdrPack(c, payload)
	case MsgHdrPack:
		return n.onHdrPack(c, payload)
	case MsgGetBody:
		return n.onGetBody(c, payload)
	case MsgBody, MsgBodyPack:
		return n.onBody(c, payload)
	case MsgDataMissing:
		return n.onDataMissing(c, payload)
	case MsgGetEvents:
		return n.onGetEvents(c)
	default:
		return ReasonNone
	}
}

// onGetEvents subscribes c to the observer hub, gated on c having proven the
// owner identity during authentication (§7 supplemental feature #4). A
// non-owner asking for events is a protocol-semantics violation: it is never
// offered the subscription, so a genuine client would not ask.
func (n *Node) onGetEvents(c *Connection) DisconnectReason {
	if !c.identityProofs.IsOwner() {
		return ReasonProtocolSemantics
	}
	ch := n.observers.Subscribe(c.ID())
	go func() {
		for ev := range ch {
			if c.Send(MsgEvents, encodeEvent(ev)) != WriteOK {
				return
			}
		}
	}()
	return ReasonNone
}

func decodeTaskKeyPrefix(payload []byte) (TaskKey, []byte, bool) {
	if len(payload) < 32 {
		return TaskKey{}, nil, false
	}
	var key TaskKey
	copy(key.ID[:], payload[0:32])
	return key, payload[32:], true
}

// onGetHdrPack answers an inbound header-pack request by dispatching to the
// collaborator that owns chain state (spec.md §4.F "Request composition");
// the core itself never stores headers.
func (n *Node) onGetHdrPack(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 40 {
		return ReasonWireFraming
	}
	var key TaskKey
	copy(key.ID[:], payload[0:32])
	count := getUint32LE(payload[32:36])
	if n.collab.ProvideHdrPack == nil {
		c.Send(MsgDataMissing, encodeDataMissing(key))
		return ReasonNone
	}
	pack, ok := n.collab.ProvideHdrPack(key, count)
	if !ok {
		c.Send(MsgDataMissing, encodeDataMissing(key))
		return ReasonNone
	}
	buf := make([]byte, 32+len(pack))
	copy(buf[0:32], key.ID[:])
	copy(buf[32:], pack)
	c.Send(MsgHdrPack, buf)
	return ReasonNone
}

// onHdrPack completes the requesting side's outstanding header-pack task
// and hands the pack to the collaborator for validation (spec.md §4.F
// "Completion and failure").
func (n *Node) onHdrPack(c *Connection, payload []byte) DisconnectReason {
	key, rest, ok := decodeTaskKeyPrefix(payload)
	if !ok {
		return ReasonWireFraming
	}
	key.IsBlock = false
	if n.scheduler.Complete(key) == nil {
		return ReasonNone // unsolicited or already-completed; not a protocol fault
	}
	if n.collab.OnHeader != nil {
		id, _ := c.PeerID()
		n.collab.OnHeader(rest, id)
	}
	return ReasonNone
}

// onGetBody answers an inbound body request the same way onGetHdrPack does.
func (n *Node) onGetBody(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 32 {
		return ReasonWireFraming
	}
	var key TaskKey
	key.IsBlock = true
	copy(key.ID[:], payload)
	if n.collab.ProvideBody == nil {
		c.Send(MsgDataMissing, encodeDataMissing(key))
		return ReasonNone
	}
	body, ok := n.collab.ProvideBody(key)
	if !ok {
		c.Send(MsgDataMissing, encodeDataMissing(key))
		return ReasonNone
	}
	buf := make([]byte, 32+len(body))
	copy(buf[0:32], key.ID[:])
	copy(buf[32:], body)
	c.Send(MsgBody, buf)
	return ReasonNone
}

// onBody completes the requesting side's outstanding block-body task
// (MsgBody and MsgBodyPack share a handler: both resolve the same key-prefixed
// framing, body-pack being the peer's bulk-delivery optimization).
func (n *Node) onBody(c *Connection, payload []byte) DisconnectReason {
	key, rest, ok := decodeTaskKeyPrefix(payload)
	if !ok {
		return ReasonWireFraming
	}
	key.IsBlock = true
	t := n.scheduler.Complete(key)
	if t == nil {
		return ReasonNone
	}
	if n.collab.OnBlock != nil {
		n.collab.OnBlock(t.TargetTip.Height, rest)
	}
	n.observers.Publish(Event{Kind: EventBlock, Height: t.TargetTip.Height, Hash: t.Key.ID})
	return ReasonNone
}

// onDataMissing handles a data_missing reply: the key is rejected on the
// owning connection and the task returns to unassigned (spec.md §4.F).
func (n *Node) onDataMissing(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 33 {
		return ReasonWireFraming
	}
	var key TaskKey
	key.IsBlock = payload[0] != 0
	copy(key.ID[:], payload[1:33])
	n.scheduler.DataMissing(key)
	return ReasonNone
}

func encodeDataMissing(key TaskKey) []byte {
	buf := make([]byte, 33)
	if key.IsBlock {
		buf[0] = 1
	}
	copy(buf[1:33], key.ID[:])
	return buf
}

// onHaveTransaction records an advertised-but-not-yet-delivered tx id in
// the wanted queue (spec.md §4.H), so an expiry re-requests it by
// broadcast if it never arrives unsolicited.
func (n *Node) onHaveTransaction(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 32 {
		return ReasonWireFraming
	}
	var key WantedKey
	copy(key[:], payload)
	if n.txWanted.Add(key) {
		c.Send(MsgGetTransaction, payload)
	}
	return ReasonNone
}

func firstPeerID(c *Connection) PeerID {
	id, _ := c.PeerID()
	return id
}

func (n *Node) onLogin(c *Connection, payload []byte) DisconnectReason {
	login, reason := decodeLogin(payload)
	if reason != ReasonNone {
		return reason
	}
	id, ok := c.PeerID()
	if !ok {
		return ReasonProtocolSemantics
	}

	resolution, reason := resolveLogin(n, n.identity.Public(), id, c)
	if reason == ReasonLoopback {
		return ReasonLoopback
	}

	dialable := login.Port != 0
	var addr Address
	if dialable {
		addr = Address{IP: c.Addr().IP, Port: login.Port}
	}

	n.addrBook.OnPeer(id, addr, false)
	n.addrBook.OnSeen(id)
	c.loginFlags = login.Flags
	c.listenPort = login.Port

	n.mu.Lock()
	if resolution == loginDuplicate {
		n.mu.Unlock()
		return ReasonDuplicateConnection
	}
	if existing, ok := n.byIdentity[id]; ok && existing.ID() != c.ID() {
		n.mu.Unlock()
		existing.fail(ReasonDuplicateConnection)
		n.mu.Lock()
	}
	n.byIdentity[id] = c
	n.mu.Unlock()

	c.EnableType(MsgNewTip)
	c.EnableType(MsgGetHdrPack)
	c.EnableType(MsgHdrPack)
	c.EnableType(MsgGetBody)
	c.EnableType(MsgBody)
	c.EnableType(MsgBodyPack)
	c.EnableType(MsgDataMissing)
	c.EnableType(MsgNewTransaction)
	c.EnableType(MsgHaveTransaction)
	c.EnableType(MsgGetTransaction)
	c.EnableType(MsgBBSMsg)
	c.EnableType(MsgBBSHaveMsg)
	c.EnableType(MsgBBSGetMsg)
	c.EnableType(MsgBBSSubscribe)
	c.EnableType(MsgBBSResetSync)
	c.EnableType(MsgPeerInfo)
	if c.identityProofs.IsOwner() {
		c.EnableType(MsgGetEvents)
	}

	n.metrics.PeerCount.Set(float64(len(n.byIdentity)))
	return ReasonNone
}

func (n *Node) onGetExternalAddr(c *Connection) DisconnectReason {
	if n.nat == nil {
		return ReasonNone
	}
	addr, err := n.nat.ExternalAddress(n.listenPort())
	if err != nil {
		return ReasonNone
	}
	buf := make([]byte, 6)
	copy(buf[0:4], addr.IP[:])
	binaryPutUint16(buf[4:6], addr.Port)
	c.Send(MsgExternalAddr, buf)
	return ReasonNone
}

func binaryPutUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	v := uint64(t.Unix())
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeTimeBytes(b []byte) int64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return int64(v)
}

// onTime implements §7 supplemental feature #3: log a warning when a peer's
// reported time diverges from ours beyond cfg.ClockSkewWarn. It never
// enforces anything — no consensus rules live in this package.
func (n *Node) onTime(c *Connection, payload []byte) DisconnectReason {
	if len(payload) < 8 {
		return ReasonWireFraming
	}
	peerUnix := decodeTimeBytes(payload)
	skew := time.Since(time.Unix(peerUnix, 0))
	if skew < 0 {
		skew = -skew
	}
	if n.cfg.ClockSkewWarn > 0 && skew > n.cfg.ClockSkewWarn {
		id, _ := c.PeerID()
		n.log.WithField("peer", id.String()).WithField("skew", skew).Warn("node: peer clock skew exceeds threshold")
	}
	return ReasonNone
}

func (n *Node) onPeerInfo(c *Connection, payload []byte) DisconnectReason {
	const recordSize = 6
	if len(payload)%recordSize != 0 {
		return ReasonProtocolSemantics
	}
	for off := 0; off+recordSize <= len(payload); off += recordSize {
		rec := payload[off : off+recordSize]
		var addr Address
		copy(addr.IP[:], rec[0:4])
		addr.Port = uint16(rec[4]) | uint16(rec[5])<<8
		if !addr.Dialable() {
			continue
		}
		// Recommended peers arrive without an attached identity in this
		// minimal wire record, so OnPeer is not called here; the parsed
		// address is discarded and nothing dials it.
		_ = addr
	}
	return ReasonNone
}

func (n *Node) onNewTip(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 40 {
		return ReasonWireFraming
	}
	var tip Tip
	var hash [32]byte
	copy(hash[:], payload[0:32])
	tip.Hash = hash
	tip.Height = uint64(getUint32LE(payload[32:36]))
	tip.Work = uint64(getUint32LE(payload[36:40]))

	if existing, ok := c.Tip(); ok && tip.Work < existing.Work {
		return ReasonProtocolSemantics
	}
	c.SetTip(tip)
	if n.collab.OnHeader != nil {
		id, _ := c.PeerID()
		n.collab.OnHeader(payload[0:32], id)
	}
	n.observers.Publish(Event{Kind: EventHeader, Height: tip.Height, Hash: tip.Hash})
	return ReasonNone
}

func deriveWantedKey(payload []byte) WantedKey {
	k := deriveBBSKey(payload, 0)
	return WantedKey(k)
}

func (n *Node) onBBSMsg(c *Connection, payload []byte) DisconnectReason {
	msg, ok := decodeBBSMessage(payload)
	if !ok {
		return ReasonWireFraming
	}
	if !n.bbsCache.Add(msg) {
		return ReasonNone // already seen, not an error
	}
	n.bbsWanted.Remove(WantedKey(msg.DerivedKey))
	n.bus.PublishBBS(msg.Channel, payload)
	if n.collab.OnBBSMsg != nil {
		n.collab.OnBBSMsg(msg)
	}
	return ReasonNone
}

// onBBSHaveMsg records an advertised-but-undelivered bulletin message
// (spec.md §3 "Bulletin (bbs) message", mirroring §4.H's have/get/msg
// triangle for transactions) and requests it if it's genuinely new.
func (n *Node) onBBSHaveMsg(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 32 {
		return ReasonWireFraming
	}
	var key WantedKey
	copy(key[:], payload)
	if n.bbsCache.Has([32]byte(key)) {
		return ReasonNone
	}
	if n.bbsWanted.Add(key) {
		c.Send(MsgBBSGetMsg, payload)
	}
	return ReasonNone
}

// onBBSGetMsg answers a peer's request for a bulletin message by derived
// key, served directly from the local cache — unlike blocks/transactions,
// bulletin storage is this package's own concern (spec.md §3 "Stored in a
// size/time-bounded local cache").
func (n *Node) onBBSGetMsg(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 32 {
		return ReasonWireFraming
	}
	var key [32]byte
	copy(key[:], payload)
	msg, ok := n.bbsCache.Get(key)
	if !ok {
		return ReasonNone
	}
	c.Send(MsgBBSMsg, encodeBBSMessage(msg))
	return ReasonNone
}

// onBBSSubscribe records the peer's interest in a bulletin channel so
// pumpBroadcasts starts draining that channel's ring toward it.
func (n *Node) onBBSSubscribe(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 1 {
		return ReasonWireFraming
	}
	c.SubscribeBBS(payload[0])
	return ReasonNone
}

// onGetTransaction answers an inbound get-transaction request via the
// tx-pool collaborator (spec.md Non-goals: the core does not hold
// transaction bodies itself).
func (n *Node) onGetTransaction(c *Connection, payload []byte) DisconnectReason {
	if len(payload) != 32 {
		return ReasonWireFraming
	}
	if n.collab.ProvideTransaction == nil {
		return ReasonNone
	}
	var id WantedKey
	copy(id[:], payload)
	tx, ok := n.collab.ProvideTransaction(id)
	if !ok {
		return ReasonNone
	}
	c.Send(MsgNewTransaction, tx)
	return ReasonNone
}

// pumpBroadcasts drains the shared transaction ring and every connection's
// subscribed bulletin-channel rings toward their connections, once per loop
// tick (spec.md §4.I "broadcast walks each connection's cursor forward...
// stopping at ring-exhaustion or chocking").
func (n *Node) pumpBroadcasts() {
	n.mu.RLock()
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	for _, c := range conns {
		c := c
		n.bus.PumpTx(c, func(frame []byte) WriteResult { return c.Send(MsgNewTransaction, frame) })
		for _, ch := range c.BBSChannels() {
			ch := ch
			n.bus.PumpBBS(c, ch, func(frame []byte) WriteResult { return c.Send(MsgBBSMsg, frame) })
		}
	}
}

// --- periodic façade behavior -------------------------------------------

func (n *Node) onBeaconPeer(id PeerID, addr Address) {
	n.post(func(n *Node) {
		n.addrBook.OnPeer(id, addr, true)
	})
}

func (n *Node) onTxWantedExpired(key WantedKey) {
	n.post(func(n *Node) {
		n.requestWantedFromAll(key, MsgGetTransaction)
	})
}

func (n *Node) onBBSWantedExpired(key WantedKey) {
	n.post(func(n *Node) {
		n.requestWantedFromAll(key, MsgBBSGetMsg)
	})
}

func (n *Node) requestWantedFromAll(key WantedKey, t MsgType) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.conns {
		c.Send(t, key[:])
	}
}

// updatePeerSet runs the peer-manager activation pass (spec.md §4.D
// `update()`): compute the desired rating-based and adjusted-rating-based
// sets, dial missing candidates up to MaxPeers.
func (n *Node) updatePeerSet() {
	n.mu.RLock()
	active := len(n.conns)
	n.mu.RUnlock()
	if active >= n.cfg.MaxPeers {
		return
	}
	budget := n.cfg.MaxPeers - active
	half := budget/2 + 1

	candidates := append([]*PeerRecord{}, n.addrBook.BestByRating(half)...)
	candidates = append(candidates, n.addrBook.BestByAdjustedRating(budget-len(candidates))...)

	for _, rec := range candidates {
		n.mu.RLock()
		_, connected := n.byIdentity[rec.Identity]
		n.mu.RUnlock()
		if connected {
			continue
		}
		n.addrBook.NoteAttempt(rec.Identity)
		if err := n.Dial(rec.Addr); err != nil {
			n.log.WithError(err).WithField("addr", rec.Addr.String()).Debug("node: dial failed")
		}
	}
}

// sendRecommendations implements §7 supplemental feature #2.
func (n *Node) sendRecommendations() {
	sample := n.addrBook.RecommendationSample(32)
	if len(sample) == 0 {
		return
	}
	buf := make([]byte, 0, len(sample)*6)
	for _, rec := range sample {
		buf = append(buf, rec.Addr.IP[:]...)
		buf = append(buf, byte(rec.Addr.Port), byte(rec.Addr.Port>>8))
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.conns {
		if c.loginFlags&LoginSendsPeerRecommendations != 0 {
			c.Send(MsgPeerInfo, buf)
		}
	}
}

func (n *Node) pingAll() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.conns {
		c.Send(MsgPing, nil)
	}
}

func (n *Node) banIdentity(id PeerID) {
	n.addrBook.RatingModify(id, ratingZero, false)
	n.mu.RLock()
	c, ok := n.byIdentity[id]
	n.mu.RUnlock()
	if ok {
		c.fail(ReasonVerifierInsane)
	}
}

// --- exposed operations (spec.md §4.J "Exposes to collaborators") -------

// RequestData is the block processor's entry point for fetching a header
// or block body (spec.md §4.F "Task creation").
func (n *Node) RequestData(key TaskKey, isBlock bool, targetTip Tip) {
	key.IsBlock = isBlock
	n.post(func(n *Node) {
		t := n.scheduler.RequestData(key, targetTip)
		assigned := n.scheduler.TryAssignTask(t, n, func(c *Connection, task *Task) {
			n.metrics.TasksTimedOut.Inc()
			id, _ := c.PeerID()
			n.addrBook.RatingModify(id, -int32(ratingTimeoutPenalty), true)
			c.fail(ReasonTimeout)
		})
		if assigned && t.Owner != nil {
			n.sendTaskRequest(t)
		}
	})
}

// sendTaskRequest emits the wire request for a freshly-assigned task (spec.md
// §4.F "Request composition").
func (n *Node) sendTaskRequest(t *Task) {
	c := t.Owner
	if t.Key.IsBlock {
		c.Send(MsgGetBody, t.Key.ID[:])
		return
	}
	// The core holds no chain state of its own (spec.md Non-goals), so the
	// "my tip" term of the count bound is passed as 0; count is bounded by
	// the network max and the target height alone.
	count := n.scheduler.HeaderPackCount(0, t.TargetTip.Height)
	buf := make([]byte, 40)
	copy(buf[0:32], t.Key.ID[:])
	putUint32LE(buf[32:36], count)
	c.Send(MsgGetHdrPack, buf)
}

// Metrics returns the façade's prometheus collector set, for the caller to
// register against a registry once at startup.
func (n *Node) Metrics() *Metrics { return n.metrics }

// RatingOrdered implements connectionSet for the scheduler.
func (n *Node) RatingOrdered() []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	return rankByRating(conns, func(c *Connection) int32 {
		id, ok := c.PeerID()
		if !ok {
			return 0
		}
		rec, ok := n.addrBook.Find(id)
		if !ok {
			return 0
		}
		return rec.Rating
	})
}

// OnPeerInsane propagates a block processor's "insane" verdict, banning
// the peer via the deferred queue (spec.md §4.F).
func (n *Node) OnPeerInsane(id PeerID) {
	n.scheduler.QueueInsane(id)
}

// BroadcastTx enqueues a transaction for fair dissemination (spec.md §4.I).
func (n *Node) BroadcastTx(frame []byte) {
	n.post(func(n *Node) { n.bus.PublishTx(frame) })
}

// BroadcastBBSMsg enqueues a bulletin message for fair dissemination.
func (n *Node) BroadcastBBSMsg(channel uint8, frame []byte) {
	n.post(func(n *Node) { n.bus.PublishBBS(channel, frame) })
}

// PeerCount returns the number of currently authenticated peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byIdentity)
}

// AccessibleAddrs returns every dialable address this node currently
// knows about.
func (n *Node) AccessibleAddrs() []Address {
	recs := n.addrBook.BestByRating(1 << 20)
	out := make([]Address, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Addr)
	}
	return out
}

// --- status server (chi) -------------------------------------------------

type statusResponse struct {
	PeerCount int    `json:"peer_count"`
	Listening string `json:"listening"`
}

func (n *Node) startStatusServer() {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusResponse{
			PeerCount: n.PeerCount(),
			Listening: n.cfg.ListenAddr,
		})
	})
	n.httpServer = &http.Server{Addr: n.cfg.StatusListenAddr, Handler: r}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.WithError(err).Warn("node: status server stopped")
		}
	}()
}
