package wsrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Default tunables (spec.md §3: "heartbeat_ms, loop_delay_ms,
// acquire_timeout_ms, answer_timeout_ms: tunable").
const (
	DefaultHeartbeat      = 30 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultAnswerTimeout  = 30 * time.Second
)

// loopResult is ProcessOne's result variant (spec.md §4.E).
type loopResult int

const (
	resultNone loopResult = iota
	resultPing
	resultDone
	resultError
	resultClosed
)

func (r loopResult) String() string {
	switch r {
	case resultNone:
		return "none"
	case resultPing:
		return "ping"
	case resultDone:
		return "done"
	case resultError:
		return "error"
	case resultClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RequestHandler processes an inbound REST-kind request and decides
// whether a reply is sent back (spec.md §4.E step 4: "process_frame(request)
// → (reply?, send_reply_bool)").
type RequestHandler interface {
	ProcessFrame(ctx context.Context, req RequestContext) (resp ResponseContext, sendReply bool)
}

// ChatHandler receives raw pushed messages on a Protocol of KindChat,
// which bypasses the request/answer machinery entirely (spec.md §3).
type ChatHandler interface {
	OnMessage(isText bool, data []byte)
}

type pendingFrame struct {
	opcode  opcode
	payload []byte
}

// Conn is one upgraded connection running the ProcessLoop state
// machine (spec.md §3, §4.E). All exported operations are safe for
// concurrent use; the arbitrator lock L is the connection's single
// point of mutual exclusion between the engine loop and callers of
// NotifyCallback (spec.md §4.F).
type Conn struct {
	netConn net.Conn
	io      *frameIO
	proto   Protocol
	maskOut bool

	handler     RequestHandler
	chatHandler ChatHandler
	metrics     *Metrics

	heartbeat      time.Duration
	loopDelay      time.Duration
	acquireTimeout time.Duration
	answerTimeout  time.Duration

	// L is the callback arbitrator lock (spec.md §4.F). It is acquired
	// in exactly three places: ProcessOne, NotifyCallback, and Close
	// (to send its Close frame) — never recursively.
	L sync.Mutex

	lastPingNanos atomic.Int64
	triesInFlight atomic.Int32
	terminating   atomic.Bool
	closed        atomic.Bool

	txMu       sync.Mutex
	pendingTx  []pendingFrame
	lastResult atomic.Int32 // loopResult; not read by the idle schedule, which keys off idleSince
	idleSince  atomic.Int64 // unix-nano timestamp of the last Done (or of NewConn)
}

// ConnOptions configures a Conn's tunables; zero values fall back to
// the package defaults.
type ConnOptions struct {
	Heartbeat      time.Duration
	LoopDelay      time.Duration
	AcquireTimeout time.Duration
	AnswerTimeout  time.Duration
	Handler        RequestHandler
	ChatHandler    ChatHandler
	Metrics        *Metrics
}

// NewConn wraps a completed handshake in a running connection value.
// The caller is responsible for invoking ProcessLoop (typically in its
// own goroutine) to actually drive it.
func NewConn(hr *HandshakeResult, opts ConnOptions) *Conn {
	c := &Conn{
		netConn:        hr.NetConn,
		io:             newFrameIO(hr.NetConn, hr.Reader, hr.Writer, opts.Metrics),
		proto:          hr.Protocol,
		maskOut:        !hr.IsServer,
		handler:        opts.Handler,
		chatHandler:    opts.ChatHandler,
		metrics:        opts.Metrics,
		heartbeat:      orDefault(opts.Heartbeat, DefaultHeartbeat),
		loopDelay:      opts.LoopDelay,
		acquireTimeout: orDefault(opts.AcquireTimeout, DefaultAcquireTimeout),
		answerTimeout:  orDefault(opts.AnswerTimeout, DefaultAnswerTimeout),
	}
	c.lastPingNanos.Store(time.Now().UnixNano())
	c.idleSince.Store(time.Now().UnixNano())
	return c
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Protocol returns the negotiated protocol this connection speaks.
func (c *Conn) Protocol() Protocol { return c.proto }

// ProcessLoop runs ProcessOne repeatedly with the adaptive idle sleep
// described in spec.md §4.E, until the connection closes gracefully,
// an iteration reports an error (socket or frame-protocol failure), or
// the context is cancelled. It returns true iff the loop ended because
// a Closed result was observed (a graceful close).
func (c *Conn) ProcessLoop(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		r := c.ProcessOne(ctx)
		switch r {
		case resultClosed:
			c.closed.Store(true)
			return true
		case resultError:
			c.closed.Store(true)
			return false
		case resultDone:
			c.idleSince.Store(time.Now().UnixNano())
			continue // 0 ms yield
		case resultPing:
			time.Sleep(c.clampDelay(time.Millisecond))
		case resultNone:
			time.Sleep(c.clampDelay(c.idleDelay()))
		}
	}
}

// idleDelay implements the tiered backoff keyed off time since the
// last Done (spec.md §4.E).
func (c *Conn) idleDelay() time.Duration {
	elapsed := time.Since(time.Unix(0, c.idleSince.Load()))
	switch {
	case elapsed <= 200*time.Millisecond:
		return time.Millisecond
	case elapsed <= 500*time.Millisecond:
		return 5 * time.Millisecond
	case elapsed <= 2*time.Second:
		return 50 * time.Millisecond
	case elapsed <= 5*time.Second:
		return 100 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

func (c *Conn) clampDelay(d time.Duration) time.Duration {
	if c.loopDelay > 0 && d > c.loopDelay {
		return c.loopDelay
	}
	return d
}

// ProcessOne is one unit of engine progress (spec.md §4.E). It
// acquires L with a fixed 5 ms budget, drains pending_tx, then either
// dispatches one inbound frame or generates a heartbeat ping.
func (c *Conn) ProcessOne(ctx context.Context) loopResult {
	if !c.acquireWithBudget(5 * time.Millisecond) {
		return resultNone
	}
	defer c.L.Unlock()

	return c.processOneLocked(ctx)
}

// processOneLocked is ProcessOne's body, factored out so NotifyCallback
// can drive it while already holding L (spec.md §4.F's drain-before-send
// step calls ProcessOne "repeatedly" without re-acquiring the lock it
// already owns).
func (c *Conn) processOneLocked(ctx context.Context) loopResult {
	drained, err := c.drainPendingTx()
	if err != nil {
		return resultError
	}
	if drained {
		c.lastPingNanos.Store(time.Now().UnixNano())
	}

	f, ok, err := c.io.peek(0)
	if err != nil {
		return resultError
	}
	if !ok {
		if !c.terminating.Load() && c.heartbeat > 0 &&
			time.Since(time.Unix(0, c.lastPingNanos.Load())) > c.heartbeat {
			if err := c.io.send(opcodePing, nil, c.maskOut); err != nil {
				return resultError
			}
			c.lastPingNanos.Store(time.Now().UnixNano())
			c.metrics.ping()
			return resultPing
		}
		return resultNone
	}

	c.metrics.frame(f.opcode, "received")

	switch {
	case f.opcode == opcodePing:
		if err := c.io.send(opcodePong, f.payload, c.maskOut); err != nil {
			return resultError
		}
		return resultPing
	case f.opcode == opcodePong:
		return resultPing
	case f.opcode == opcodeText || f.opcode == opcodeBinary:
		c.dispatchData(ctx, f)
		return resultDone
	case f.opcode == opcodeClose:
		c.echoClose(f.payload)
		return resultClosed
	case isReservedOpcode(f.opcode):
		// spec.md §9 open question: reserved opcodes are ignored, not
		// torn down with a protocol-error close, preserving the
		// reference implementation's lenient behavior.
		return resultDone
	default:
		return resultDone
	}
}

// dispatchData routes one inbound Text/Binary frame to the chat
// handler or the REST request/answer adapters, per proto.Kind.
func (c *Conn) dispatchData(ctx context.Context, f frame) {
	if c.proto.Kind == KindChat {
		if c.chatHandler != nil {
			c.chatHandler.OnMessage(f.opcode == opcodeText, f.payload)
		}
		return
	}

	req, err := c.decodeRequest(f)
	if err != nil {
		// Decode mismatch (bad head token, malformed payload) is not
		// fatal: the frame is silently dropped (spec.md §9).
		return
	}
	if c.handler == nil {
		return
	}

	resp, sendReply := c.handler.ProcessFrame(ctx, req)
	if !sendReply {
		return
	}
	payload, err := c.encodeAnswer(resp)
	if err != nil {
		return
	}
	_ = c.io.send(c.dataOpcode(), payload, c.maskOut)
}

// drainPendingTx sends every frame queued by NonBlockWithoutAnswer
// callers since the last iteration (spec.md §4.E step 2).
func (c *Conn) drainPendingTx() (drainedAny bool, err error) {
	c.txMu.Lock()
	queued := c.pendingTx
	c.pendingTx = nil
	c.txMu.Unlock()

	for _, item := range queued {
		if err := c.io.send(item.opcode, item.payload, c.maskOut); err != nil {
			return drainedAny, err
		}
		drainedAny = true
	}
	return drainedAny, nil
}

// echoClose replies to an inbound Close with a Close frame carrying
// the same status payload, per RFC 6455 §5.5.1's close handshake.
func (c *Conn) echoClose(payload []byte) {
	_ = c.io.send(opcodeClose, payload, c.maskOut)
	c.closed.Store(true)
}

// Close initiates a graceful shutdown: it sends a Close frame (unless a
// close was already exchanged or the loop already failed) and waits
// for in-flight NotifyCallback acquirers to drain before releasing the
// socket (spec.md §4.F: "Destruction waits until tries_in_flight
// reaches zero"). Calls after the first are no-ops.
func (c *Conn) Close() error {
	if c.terminating.Swap(true) {
		return nil
	}
	c.metrics.connClosed()

	if !c.closed.Swap(true) {
		c.L.Lock()
		_ = c.io.send(opcodeClose, []byte{0x03, 0xE8}, c.maskOut) // 1000, Normal Closure
		c.L.Unlock()
	}

	for c.triesInFlight.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
	return c.netConn.Close()
}

// dataOpcode is the outbound opcode for this connection's protocol
// kind: JSON rides Text frames, binary rides Binary frames.
func (c *Conn) dataOpcode() opcode {
	if c.proto.Kind == KindRestJSON {
		return opcodeText
	}
	return opcodeBinary
}

func (c *Conn) decodeRequest(f frame) (RequestContext, error) {
	switch c.proto.Kind {
	case KindRestJSON:
		return DecodeJSONRequest(f.payload)
	default:
		return DecodeBinaryRequest(f.payload, c.proto)
	}
}

func (c *Conn) decodeAnswer(f frame) (ResponseContext, error) {
	switch c.proto.Kind {
	case KindRestJSON:
		return DecodeJSONAnswer(f.payload)
	default:
		return DecodeBinaryAnswer(f.payload, c.proto)
	}
}

func (c *Conn) encodeRequest(req RequestContext) ([]byte, error) {
	switch c.proto.Kind {
	case KindRestJSON:
		return EncodeJSONRequest(req)
	default:
		return EncodeBinaryRequest(req, c.proto)
	}
}

func (c *Conn) encodeAnswer(resp ResponseContext) ([]byte, error) {
	switch c.proto.Kind {
	case KindRestJSON:
		return EncodeJSONAnswer(resp)
	default:
		return EncodeBinaryAnswer(resp, c.proto)
	}
}

// acquireWithBudget implements the bounded spin-wait spec.md §4.F
// describes: 1 ms initial backoff, widening to 5 ms after 5 attempts,
// bailing once budget elapses. triesInFlight is held incremented for
// the duration of the attempt so Close's drain can see it.
func (c *Conn) acquireWithBudget(budget time.Duration) bool {
	c.triesInFlight.Add(1)
	defer c.triesInFlight.Add(-1)

	deadline := time.Now().Add(budget)
	attempt := 0
	for {
		if c.L.TryLock() {
			return true
		}
		attempt++
		if time.Now().After(deadline) {
			return false
		}
		backoff := time.Millisecond
		if attempt > 5 {
			backoff = 5 * time.Millisecond
		}
		time.Sleep(backoff)
	}
}
