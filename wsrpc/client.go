package wsrpc

import (
	"context"
	"net/http"
)

// Client is the connection-engine-driven counterpart to Server (spec.md
// §4.G): before a successful WebSocketsUpgrade it would be a plain
// HTTP/1.1 requester, but wsrpc only models the post-upgrade shape —
// every Request call is rewritten as a BlockWithAnswer callback.
type Client struct {
	conn   *Conn
	cancel context.CancelFunc
}

// clientDefaultHeartbeat is off: spec.md §4.G notes heartbeat on the
// client is optional and defaults to off, since servers usually drive it.
const clientDefaultHeartbeat = 0

// Dial connects to rawURL, negotiates protocolName (or falls back to
// whatever the server selects if empty), and starts the connection's
// ProcessLoop in the background. Client-side heartbeat defaults to off
// (spec.md §4.G: "servers usually drive it").
func Dial(ctx context.Context, rawURL, protocolName string, proto Protocol, opts ConnOptions) (*Client, error) {
	hr, err := dialHandshake(ctx, rawURL, protocolName, proto)
	if err != nil {
		return nil, err
	}

	conn := NewConn(hr, opts)
	if opts.Heartbeat == 0 {
		conn.heartbeat = clientDefaultHeartbeat
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	go conn.ProcessLoop(loopCtx)

	return &Client{conn: conn, cancel: cancel}, nil
}

// Request performs one blocking RPC, the client-side analogue of an
// HTTP request (spec.md §4.G): build a RequestContext, hand it to the
// arbitrator, and return the decoded answer.
func (cl *Client) Request(ctx context.Context, method, url string, header http.Header, body []byte, contentType string) (ResponseContext, error) {
	req := RequestContext{
		Method:      method,
		URL:         url,
		Header:      header,
		Body:        body,
		ContentType: contentType,
	}
	return cl.conn.NotifyCallback(ctx, req, BlockWithAnswer)
}

// Conn exposes the underlying connection, e.g. for registering a
// ChatHandler-style push receiver after the fact is not supported —
// set ConnOptions.ChatHandler before Dial instead. This accessor is
// for callers that need Close or Protocol.
func (cl *Client) Conn() *Conn { return cl.conn }

// Close stops the background ProcessLoop and closes the socket.
func (cl *Client) Close() error {
	cl.cancel()
	return cl.conn.Close()
}
