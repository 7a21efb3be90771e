package wsrpc

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server tracks every upgraded connection so that application code can
// push server-initiated RPCs to a specific connection or broadcast a
// chat-kind message to all of them. It plays the role the teacher
// library's Hub plays for plain broadcast, generalized to keyed lookup
// because wsrpc connections are individually addressable RPC peers,
// not just broadcast fan-out targets.
type Server struct {
	registry *Registry
	opts     ConnOptions
	log      zerolog.Logger
	metrics  *Metrics

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewServer returns a Server that upgrades requests against reg and
// runs every accepted connection with the given options template (its
// Handler/ChatHandler fields are shared across all connections; per-
// connection handler state, if any, belongs inside that handler).
func NewServer(reg *Registry, opts ConnOptions, log zerolog.Logger, metrics *Metrics) *Server {
	opts.Metrics = metrics
	return &Server{
		registry: reg,
		opts:     opts,
		log:      log,
		metrics:  metrics,
		conns:    make(map[string]*Conn),
	}
}

// HandleUpgrade performs the handshake against reg, registers the
// resulting connection under a fresh UUID, and launches ProcessLoop in
// its own goroutine. It returns the connection's ID and the Conn
// itself, so callers can address it later via Push.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) (string, *Conn, error) {
	hr, err := Upgrade(w, r, s.registry)
	if err != nil {
		s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("wsrpc: handshake rejected")
		return "", nil, err
	}

	id := uuid.NewString()
	conn := NewConn(hr, s.opts)

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	s.metrics.connOpened()

	s.log.Info().Str("conn_id", id).Str("protocol", hr.Protocol.Name).Msg("wsrpc: connection upgraded")

	go func() {
		defer s.unregister(id)
		graceful := conn.ProcessLoop(context.Background())
		s.log.Info().Str("conn_id", id).Bool("graceful", graceful).Msg("wsrpc: connection loop exited")
	}()

	return id, conn, nil
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	conn, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Lookup returns the connection registered under id, if any.
func (s *Server) Lookup(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	return conn, ok
}

// Push originates a server-side RPC against the connection identified
// by id (spec.md §4.G's "push" direction — the server is the caller,
// the client's registered handler is the callee). An unknown id, a
// timeout (ErrNotFound) and a close observed mid-call (ErrNoAnswer,
// StatusWebSocketClosed) are all reported with Status 404.
func (s *Server) Push(ctx context.Context, id string, req RequestContext, mode CallbackMode) (ResponseContext, error) {
	conn, ok := s.Lookup(id)
	if !ok {
		return ResponseContext{Status: http.StatusNotFound}, ErrNotFound
	}
	resp, err := conn.NotifyCallback(ctx, req, mode)
	if err == ErrNotFound || err == ErrNoAnswer {
		resp.Status = http.StatusNotFound
	}
	return resp, err
}

// BroadcastChat queues data for asynchronous delivery to every
// connection currently registered on a KindChat protocol. Unlike the
// REST push path, this bypasses NotifyCallback entirely: chat frames
// carry no head token and expect no reply (spec.md §3).
func (s *Server) BroadcastChat(isText bool, data []byte) {
	op := opcodeBinary
	if isText {
		op = opcodeText
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		if conn.proto.Kind != KindChat {
			continue
		}
		conn.txMu.Lock()
		conn.pendingTx = append(conn.pendingTx, pendingFrame{opcode: op, payload: data})
		conn.txMu.Unlock()
	}
}

// ConnectionCount returns the number of currently registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll gracefully closes every tracked connection (used on server
// shutdown).
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
