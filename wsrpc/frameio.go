package wsrpc

import (
	"bufio"
	"net"
	"time"
)

// frameIO couples a connection's buffered reader/writer with the raw
// socket, so peek-with-timeout (spec.md §4.E's zero-timeout inbound
// peek, and §4.F's bounded answer wait) and send share one place that
// knows how to juggle read/write deadlines.
type frameIO struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	metrics *Metrics
}

func newFrameIO(conn net.Conn, r *bufio.Reader, w *bufio.Writer, metrics *Metrics) *frameIO {
	return &frameIO{conn: conn, r: r, w: w, metrics: metrics}
}

// peek reads the next logical (possibly reassembled) frame, waiting up
// to timeout. timeout == 0 means "return at once if a frame is already
// buffered, otherwise poll the socket for about a millisecond" (spec.md
// §4.E step 3's zero-timeout peek; a read deadline of exactly now would
// fail before looking at the socket at all);
// timeout > 0 blocks up to that duration (spec.md §4.F's
// answer_timeout_ms wait). ok is false, err is nil on a timeout with
// no data; that is not itself an error condition.
func (fio *frameIO) peek(timeout time.Duration) (f frame, ok bool, err error) {
	if timeout <= 0 {
		if fio.r.Buffered() == 0 {
			if err := fio.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
				return frame{}, false, err
			}
			_, peekErr := fio.r.Peek(1)
			_ = fio.conn.SetReadDeadline(time.Time{})
			if peekErr != nil {
				if isTimeoutErr(peekErr) {
					return frame{}, false, nil
				}
				return frame{}, false, peekErr
			}
		}
	} else {
		if err := fio.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return frame{}, false, err
		}
		defer fio.conn.SetReadDeadline(time.Time{})
	}

	got, err := readFrame(fio.r)
	if err != nil {
		if isTimeoutErr(err) {
			return frame{}, false, nil
		}
		return frame{}, false, err
	}
	return got, true, nil
}

// send writes a single unfragmented frame (spec.md §4.A: FIN=1 always
// on emit), masking iff mask is true.
func (fio *frameIO) send(op opcode, payload []byte, mask bool) error {
	f := frame{fin: true, opcode: op, payload: payload}
	if err := writeFrame(fio.w, fio.conn, f, mask); err != nil {
		return err
	}
	fio.metrics.frame(op, "sent")
	return nil
}

func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
