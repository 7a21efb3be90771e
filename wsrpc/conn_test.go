package wsrpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// newConnPair wires a server Conn and a client Conn together over an
// in-memory net.Pipe, skipping the HTTP handshake entirely (the two
// HandshakeResults are constructed by hand, the way a real Upgrade/Dial
// would have produced them).
func newConnPair(t *testing.T, proto Protocol, serverOpts, clientOpts ConnOptions) (server, client *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	serverHR := &HandshakeResult{
		NetConn:  a,
		Reader:   bufio.NewReader(a),
		Writer:   bufio.NewWriter(a),
		Protocol: proto,
		IsServer: true,
	}
	clientHR := &HandshakeResult{
		NetConn:  b,
		Reader:   bufio.NewReader(b),
		Writer:   bufio.NewWriter(b),
		Protocol: proto,
		IsServer: false,
	}

	return NewConn(serverHR, serverOpts), NewConn(clientHR, clientOpts)
}

// echoRequestHandler answers every request with its own body and
// content type, so a round trip can assert the value it sent comes back.
type echoRequestHandler struct{}

func (echoRequestHandler) ProcessFrame(_ context.Context, req RequestContext) (ResponseContext, bool) {
	if req.NoAnswer {
		return ResponseContext{}, false
	}
	return ResponseContext{
		Status:      200,
		Header:      req.Header,
		Body:        req.Body,
		ContentType: req.ContentType,
	}, true
}

func TestNotifyCallbackBlockWithAnswerRoundTrip(t *testing.T) {
	proto := Protocol{Name: "wsrpcjson", Kind: KindRestJSON}
	server, client := newConnPair(t, proto,
		ConnOptions{Handler: echoRequestHandler{}, Heartbeat: time.Hour},
		ConnOptions{Heartbeat: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ProcessLoop(ctx)

	req := RequestContext{Method: "GET", URL: "/ping", Body: []byte(`{"x":1}`), ContentType: "application/json"}
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	resp, err := client.NotifyCallback(reqCtx, req, BlockWithAnswer)
	if err != nil {
		t.Fatalf("NotifyCallback: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != `{"x":1}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNotifyCallbackConcurrentRequestsDoNotCrossTalk(t *testing.T) {
	proto := Protocol{Name: "wsrpcjson", Kind: KindRestJSON}
	server, client := newConnPair(t, proto,
		ConnOptions{Handler: echoRequestHandler{}, Heartbeat: time.Hour},
		ConnOptions{Heartbeat: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ProcessLoop(ctx)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf(`{"i":%d}`, i))
			req := RequestContext{Method: "GET", URL: "/x", Body: body, ContentType: "application/json"}
			reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer reqCancel()
			resp, err := client.NotifyCallback(reqCtx, req, BlockWithAnswer)
			if err != nil {
				errs <- fmt.Errorf("goroutine %d: %w", i, err)
				return
			}
			if string(resp.Body) != string(body) {
				errs <- fmt.Errorf("goroutine %d: got body %q want %q", i, resp.Body, body)
				return
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestConnGracefulClose(t *testing.T) {
	proto := Protocol{Name: "wsrpcjson", Kind: KindRestJSON}
	server, client := newConnPair(t, proto,
		ConnOptions{Handler: echoRequestHandler{}, Heartbeat: time.Hour},
		ConnOptions{Heartbeat: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- server.ProcessLoop(ctx) }()

	if err := client.Close(); err != nil {
		t.Fatalf("client.Close: %v", err)
	}

	select {
	case graceful := <-done:
		if !graceful {
			t.Fatal("expected server ProcessLoop to report a graceful close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server loop to observe the close")
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	proto := Protocol{Name: "wsrpcjson", Kind: KindRestJSON}
	server, client := newConnPair(t, proto, ConnOptions{}, ConnOptions{})

	// Drain the Close frame client.Close writes, so the (unbuffered,
	// synchronous) net.Pipe write doesn't block forever with no reader
	// on the other end.
	go readFrame(bufio.NewReader(server.netConn))

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestProcessOneGeneratesHeartbeatPing(t *testing.T) {
	proto := Protocol{Name: "wsrpcjson", Kind: KindRestJSON}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	serverHR := &HandshakeResult{
		NetConn: a, Reader: bufio.NewReader(a), Writer: bufio.NewWriter(a),
		Protocol: proto, IsServer: true,
	}
	server := NewConn(serverHR, ConnOptions{Heartbeat: time.Millisecond})
	server.lastPingNanos.Store(time.Now().Add(-time.Hour).UnixNano())

	resultCh := make(chan loopResult, 1)
	go func() { resultCh <- server.ProcessOne(context.Background()) }()

	peerReader := bufio.NewReader(b)
	f, err := readFrame(peerReader)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f.opcode != opcodePing {
		t.Fatalf("expected a Ping frame, got opcode %v", f.opcode)
	}

	select {
	case got := <-resultCh:
		if got != resultPing {
			t.Fatalf("expected resultPing, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ProcessOne to return")
	}
}
