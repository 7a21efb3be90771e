package wsrpc

import (
	"context"
	"errors"
	"time"
)

// CallbackMode selects one of the three ways NotifyCallback can
// originate an outbound call over an already-upgraded connection
// (spec.md §4.F).
type CallbackMode int

const (
	// BlockWithAnswer drains, sends, and blocks for the reply.
	BlockWithAnswer CallbackMode = iota
	// BlockWithoutAnswer drains and sends, returning immediately.
	BlockWithoutAnswer
	// NonBlockWithoutAnswer queues the request for the engine to send
	// on its next iteration; it never touches L directly.
	NonBlockWithoutAnswer
)

// String names a CallbackMode for metrics labels.
func (m CallbackMode) String() string {
	switch m {
	case BlockWithAnswer:
		return "block_with_answer"
	case BlockWithoutAnswer:
		return "block_without_answer"
	case NonBlockWithoutAnswer:
		return "non_block_without_answer"
	default:
		return "unknown"
	}
}

// requestOutcome classifies a NotifyCallback result into the three
// buckets the request metrics are labeled by: "answered" on success,
// "timeout" when the call gave up waiting for the lock or the peer's
// reply, and "closed" for everything else (the connection went away
// mid-call, including an observed ConnectionClose frame).
func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, ErrNotFound):
		return "timeout"
	default:
		return "closed"
	}
}

// NotifyCallback is the callback arbitrator's single entry point: it
// lets either side of a full-duplex connection originate a blocking,
// REST-style call without interleaving with the peer's concurrent call
// (spec.md §4.F). For BlockWithAnswer, the returned ResponseContext's
// Status is StatusWebSocketClosed (and err is ErrNoAnswer) if a
// ConnectionClose frame was observed while the call was outstanding.
func (c *Conn) NotifyCallback(ctx context.Context, req RequestContext, mode CallbackMode) (resp ResponseContext, err error) {
	start := time.Now()
	defer func() {
		outcome := requestOutcome(err)
		c.metrics.request(mode.String(), outcome)
		c.metrics.observeRequestSeconds(mode.String(), outcome, time.Since(start).Seconds())
	}()

	payload, err := c.encodeRequest(req)
	if err != nil {
		return ResponseContext{}, err
	}
	op := c.dataOpcode()

	if mode == NonBlockWithoutAnswer {
		c.txMu.Lock()
		c.pendingTx = append(c.pendingTx, pendingFrame{opcode: op, payload: payload})
		c.txMu.Unlock()
		return ResponseContext{}, nil
	}

	if !c.acquireWithBudget(c.acquireTimeout) {
		return ResponseContext{}, ErrNotFound
	}
	defer c.L.Unlock()

	// Drain-before-send invariant (spec.md §4.F): process anything
	// already buffered on the wire before we post our own request, so
	// the next frame we read back is (absent a genuine race) our reply
	// and not the peer's unrelated request.
	for {
		switch c.processOneLocked(ctx) {
		case resultError, resultClosed:
			return ResponseContext{}, ErrConnClosed
		case resultNone:
			goto drained
		default: // resultDone, resultPing: keep draining
		}
	}
drained:

	if err := c.io.send(op, payload, c.maskOut); err != nil {
		return ResponseContext{}, err
	}

	if mode == BlockWithoutAnswer {
		return ResponseContext{}, nil
	}

	f, ok, err := c.io.peek(c.answerTimeout)
	if err != nil {
		return ResponseContext{}, err
	}
	if !ok {
		return ResponseContext{}, ErrNotFound
	}

	if f.opcode == opcodeClose {
		c.echoClose(f.payload)
		return ResponseContext{Status: StatusWebSocketClosed}, ErrNoAnswer
	}
	if f.opcode != opcodeText && f.opcode != opcodeBinary {
		return ResponseContext{}, ErrNotFound
	}

	resp, err = c.decodeAnswer(f)
	if err != nil {
		if errors.Is(err, ErrHeadTokenMismatch) {
			// The race described in spec.md §4.F: the frame we read back
			// was the peer's own request, not our answer. It is dropped,
			// not re-dispatched (an acknowledged limitation).
			return ResponseContext{}, ErrNotFound
		}
		return ResponseContext{}, err
	}
	return resp, nil
}
