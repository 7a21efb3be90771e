package wsrpc

import "net/http"

// RequestContext is the wire-agnostic value that crosses the boundary
// between an adapter (encoding_json.go / encoding_binary.go) and the
// user-supplied request handler. It lives only across one ProcessFrame
// invocation or one NotifyCallback call (spec.md §3, §9 — the Go
// realization of "THttpServerRequest").
type RequestContext struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string

	// NoAnswer mirrors the wire-level "noAnswer" flag (spec.md §4.B):
	// when true, the caller does not expect a reply frame at all.
	NoAnswer bool
}

// ResponseContext is the answer counterpart to RequestContext.
type ResponseContext struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string
}

// StatusWebSocketClosed is the internal sentinel spec.md §6 describes:
// observed by a blocking callback when a ConnectionClose frame arrives
// mid-call. Server.Push translates it to http.StatusNotFound; by then
// the Conn has already marked itself closed (spec.md §7, §9).
const StatusWebSocketClosed = 0
