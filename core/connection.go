package core

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Queue backpressure watermarks (spec.md §4.C). Chocking suspends voluntary
// broadcasts until a ping/pong round trip clears it; drowning fails the
// write and schedules the connection for drop.
const (
	defaultChokeWatermark = 256 * 1024
	defaultDrownWatermark = 4 * 1024 * 1024
)

// WriteResult is the typed outcome of an outbound write attempt.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteQueueFull // would exceed the drown watermark; connection scheduled for drop
	WriteClosed
)

// Task is a pending header/body fetch (spec.md §3 "Task", §4.F). Identity is
// the key; two tasks with the same key never coexist.
type Task struct {
	Key        TaskKey
	TargetTip  Tip
	Needed     bool
	Owner      *Connection // nil when unassigned
	Assigned   uint32      // units of work the owner owes for this task
	AssignedAt time.Time
}

// TaskKey identifies a fetch target: a block-id plus whether it names a full
// block body (true) or just a header (false).
type TaskKey struct {
	IsBlock bool
	ID      [32]byte
}

// Tip is the header of a peer's current best chain by cumulative work.
type Tip struct {
	Height uint64
	Hash   [32]byte
	Work   uint64
}

// LoginFlags is the capability bitfield exchanged during login (spec.md
// §4.E).
type LoginFlags uint32

const (
	LoginSpreadTransactions LoginFlags = 1 << iota
	LoginSpeaksBBS
	LoginSendsPeerRecommendations
	LoginRequestsDependentState
)

// Connection wraps one duplex peer link: the TCP stream, the framing codec,
// the secure channel, and a bounded outbound queue (spec.md §4.C). It is
// bound to exactly one StreamID for its lifetime.
type Connection struct {
	log *logrus.Logger

	id      StreamID
	addr    Address
	conn    net.Conn
	channel *SecureChannel

	reader *FrameReader
	writer *FrameWriter

	alive *atomic.Bool // liveness flag consulted by FrameReader after dispatch

	mu           sync.Mutex
	outbound     chan []byte
	queuedBytes  int
	choking      bool
	limiter      *rate.Limiter

	peerID    PeerID
	hasPeerID bool
	loginFlags LoginFlags
	listenPort uint16 // advertised inbound port, 0 = inbound-only

	identityProofs *IdentityProofs

	tip           Tip
	hasTip        bool
	rejected      map[TaskKey]struct{}
	activeTasks   map[TaskKey]*Task
	downloadingBlock bool

	allowedTypes map[MsgType]bool

	requestTimer      *time.Timer
	recommendTimer    *time.Timer
	bbsTimers         map[uint8]*time.Timer
	bbsSubs           map[uint8]bool

	onDisconnect func(*Connection, DisconnectReason)
	closed       bool
}

// newConnection builds a Connection around an already-DH-established secure
// channel. handler dispatches decoded frames; it is supplied by the Node
// façade so Connection stays free of routing logic.
func newConnection(id StreamID, addr Address, conn net.Conn, channel *SecureChannel, log *logrus.Logger, handler FrameHandler, onDisconnect func(*Connection, DisconnectReason)) *Connection {
	c := &Connection{
		log:          log,
		id:           id,
		addr:         addr,
		conn:         conn,
		channel:      channel,
		alive:        &atomic.Bool{},
		outbound:     make(chan []byte, 256),
		rejected:     make(map[TaskKey]struct{}),
		activeTasks:  make(map[TaskKey]*Task),
		allowedTypes: defaultAllowedTypes(),
		bbsTimers:      make(map[uint8]*time.Timer),
		bbsSubs:        make(map[uint8]bool),
		onDisconnect:   onDisconnect,
		limiter:        rate.NewLimiter(rate.Limit(8*1024*1024), 1<<20),
		identityProofs: newIdentityProofs(),
	}
	c.alive.Store(true)
	c.writer = NewFrameWriter(channel.EncCipher(), channel.EncMAC())
	c.reader = NewFrameReader(channel.DecCipher(), channel.DecMAC(), c, handler, c.alive)
	return c
}

// Allowed implements typeFilter for FrameReader: a connection disables
// message types it hasn't negotiated (pre-login chain-sync/bbs/owner types)
// or isn't authorized for.
func (c *Connection) Allowed(t MsgType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedTypes[t]
}

func (c *Connection) EnableType(t MsgType) {
	c.mu.Lock()
	c.allowedTypes[t] = true
	c.mu.Unlock()
}

func defaultAllowedTypes() map[MsgType]bool {
	m := make(map[MsgType]bool)
	for _, t := range []MsgType{
		MsgLogin, MsgBye, MsgPing, MsgPong,
		MsgSecureChannelInit, MsgSecureChannelReady, MsgAuthentication,
		MsgGetExternalAddr, MsgExternalAddr, MsgGetTime, MsgTime,
	} {
		m[t] = true
	}
	return m
}

// ID returns this connection's stable stream-id.
func (c *Connection) ID() StreamID { return c.id }

// Addr returns the remote address this connection is bound to.
func (c *Connection) Addr() Address { return c.addr }

// PeerID returns the authenticated remote identity, if login has completed.
func (c *Connection) PeerID() (PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID, c.hasPeerID
}

func (c *Connection) setPeerID(id PeerID) {
	c.mu.Lock()
	c.peerID = id
	c.hasPeerID = true
	c.mu.Unlock()
}

// Tip returns the last-known best header this peer advertised.
func (c *Connection) Tip() (Tip, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, c.hasTip
}

// SetTip records a new-tip advertisement. It is the caller's responsibility
// to have validated that the new tip's work is not lower than any previous
// advertisement (spec.md §7 "rule violation").
func (c *Connection) SetTip(t Tip) {
	c.mu.Lock()
	c.tip = t
	c.hasTip = true
	c.mu.Unlock()
}

// SubscribeBBS records that the peer asked (bbs-subscribe) to receive
// channel's bulletin traffic.
func (c *Connection) SubscribeBBS(channel uint8) {
	c.mu.Lock()
	c.bbsSubs[channel] = true
	c.mu.Unlock()
}

// BBSChannels returns the bulletin channels this connection is currently
// subscribed to.
func (c *Connection) BBSChannels() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint8, 0, len(c.bbsSubs))
	for ch := range c.bbsSubs {
		out = append(out, ch)
	}
	return out
}

// HasRejected reports whether this peer previously replied data_missing for
// key (spec.md §4.F "has not already rejected this key").
func (c *Connection) HasRejected(key TaskKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rejected[key]
	return ok
}

// Reject records a data_missing reply for key (spec.md §4.F "Rejection
// isolation").
func (c *Connection) Reject(key TaskKey) {
	c.mu.Lock()
	c.rejected[key] = struct{}{}
	c.mu.Unlock()
}

// DownloadingBlock reports whether this connection already owns a
// block-body task (spec.md §4.F "is not already downloading a block").
func (c *Connection) DownloadingBlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloadingBlock
}

// attachTask records that this connection now owns task, and arms/
// re-arms the request timer (spec.md §4.C "restarted whenever the head task
// changes").
func (c *Connection) attachTask(t *Task, timeout time.Duration, onTimeout func()) {
	c.mu.Lock()
	c.activeTasks[t.Key] = t
	if t.Key.IsBlock {
		c.downloadingBlock = true
	}
	c.mu.Unlock()

	c.restartRequestTimer(timeout, onTimeout)
}

// detachTask releases ownership of a completed or reassigned task.
func (c *Connection) detachTask(key TaskKey) {
	c.mu.Lock()
	delete(c.activeTasks, key)
	if key.IsBlock {
		c.downloadingBlock = false
	}
	c.mu.Unlock()
}

// ActiveTaskCount returns the number of tasks currently owned by this
// connection, used to keep the global/per-connection counter invariant
// (spec.md §8 property 2).
func (c *Connection) ActiveTaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeTasks)
}

func (c *Connection) restartRequestTimer(timeout time.Duration, onTimeout func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requestTimer != nil {
		c.requestTimer.Stop()
	}
	c.requestTimer = time.AfterFunc(timeout, onTimeout)
}

// --- Outbound path -------------------------------------------------------

// Send enqueues a single typed frame for write. It enforces the drown
// watermark (spec.md §4.C): a write that would exceed it fails with
// WriteQueueFull and the connection is dropped with ReasonResourceOverflow.
func (c *Connection) Send(t MsgType, payload []byte) WriteResult {
	frame := c.writer.Encode(t, payload)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return WriteClosed
	}
	if c.queuedBytes+len(frame) > defaultDrownWatermark {
		c.mu.Unlock()
		c.fail(ReasonResourceOverflow)
		return WriteQueueFull
	}
	c.queuedBytes += len(frame)
	wasChoking := c.choking
	if !wasChoking && c.queuedBytes > defaultChokeWatermark {
		c.choking = true
	}
	becameChoking := !wasChoking && c.choking
	c.mu.Unlock()

	select {
	case c.outbound <- frame:
	default:
		// Writer goroutine is behind; this manifests as queue growth and is
		// caught by the drown check above on the next Send.
	}

	if becameChoking {
		// Enter chocking: ping the peer; on pong, unchoke (spec.md §4.C).
		c.Send(MsgPing, nil)
	}
	return WriteOK
}

// Choking reports whether voluntary broadcasts to this peer are currently
// suspended (spec.md §4.C, §4.I).
func (c *Connection) Choking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.choking
}

// OnPong clears the chocking flag once the matching pong round-trip
// completes (spec.md §4.C).
func (c *Connection) OnPong() {
	c.mu.Lock()
	c.choking = false
	c.mu.Unlock()
}

func (c *Connection) noteSent(n int) {
	c.mu.Lock()
	c.queuedBytes -= n
	if c.queuedBytes < 0 {
		c.queuedBytes = 0
	}
	c.mu.Unlock()
}

// writeLoop drains the outbound channel onto the socket. It is the only
// goroutine that calls conn.Write, so writes are never interleaved.
func (c *Connection) writeLoop() {
	for frame := range c.outbound {
		if err := c.limiter.WaitN(noopCtx{}, len(frame)); err != nil {
			// limiter is never canceled in practice; treat as a pass-through.
		}
		n, err := c.conn.Write(frame)
		c.noteSent(len(frame))
		if err != nil {
			c.fail(ReasonNetworkError)
			return
		}
		_ = n
	}
}

// readLoop pumps bytes off the socket into the frame reader until the
// connection fails or is closed.
func (c *Connection) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			reason := c.reader.Feed(buf[:n])
			if reason != ReasonNone {
				c.fail(reason)
				return
			}
			if !c.alive.Load() {
				return
			}
		}
		if err != nil {
			if c.alive.Load() {
				c.fail(ReasonNetworkError)
			}
			return
		}
	}
}

// fail tears the connection down for reason, notifying the façade so it can
// apply rating policy and release owned tasks. It is safe to call from
// within a frame handler: it clears the liveness flag first, which is what
// lets FrameReader unwind safely (spec.md §4.A, §5).
func (c *Connection) fail(reason DisconnectReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.alive.Store(false)
	c.cancelTimers()
	close(c.outbound)
	_ = c.conn.Close()

	if c.onDisconnect != nil {
		c.onDisconnect(c, reason)
	}
}

// Close tears the connection down as an orderly, operator-initiated
// shutdown.
func (c *Connection) Close() { c.fail(ReasonStopping) }

func (c *Connection) cancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requestTimer != nil {
		c.requestTimer.Stop()
	}
	if c.recommendTimer != nil {
		c.recommendTimer.Stop()
	}
	for _, t := range c.bbsTimers {
		t.Stop()
	}
}

// noopCtx is a context.Context that is never canceled and never has a
// deadline, used only to satisfy rate.Limiter.WaitN's signature for a
// connection-local limiter that has no external cancellation source.
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}       { return nil }
func (noopCtx) Err() error                  { return nil }
func (noopCtx) Value(any) any               { return nil }
