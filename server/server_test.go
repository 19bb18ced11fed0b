package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"jrpc-mux/codec"
	"jrpc-mux/jsonrpc"
	"jrpc-mux/message"
	"jrpc-mux/stream"
)

// startServer runs a server over a unix socket in t.TempDir and returns the
// active dial target plus the channel Serve's result lands on.
func startServer(t *testing.T, svr *Server) (string, chan error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reactor.sock")
	done := make(chan error, 1)
	go func() {
		done <- svr.Serve("punix:"+path, "", nil)
	}()
	return "unix:" + path, done
}

// dialRetry connects to target, retrying while the listener comes up.
func dialRetry(t *testing.T, target string) *jsonrpc.Conn {
	t.Helper()
	for i := 0; i < 100; i++ {
		s, err := stream.OpenBlock(target)
		if err == nil {
			return jsonrpc.NewConn(s)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Failed to connect to %s", target)
	return nil
}

// sendShutdown asks the server to drain and hangs up so the drain can
// finish.
func sendShutdown(t *testing.T, target string) {
	t.Helper()
	conn := dialRetry(t, target)
	if err := conn.SendBlock(message.NewNotify("shutdown", map[string]any{})); err != nil {
		t.Fatalf("Failed to send shutdown: %v", err)
	}
	conn.Close()
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Server did not drain in time")
	}
}

func testPair(t *testing.T) (*stream.Stream, *stream.Stream) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Failed to create socketpair: %v", err)
	}
	a, err := stream.NewFD(fds[0], "pair-a")
	if err != nil {
		t.Fatalf("Failed to wrap fd: %v", err)
	}
	b, err := stream.NewFD(fds[1], "pair-b")
	if err != nil {
		t.Fatalf("Failed to wrap fd: %v", err)
	}
	return a, b
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	svr := NewServer()

	if err := svr.Register("mark", func(ctx context.Context, req *message.Message) *message.Message {
		return message.NewReply(true, req.ID)
	}); err != nil {
		t.Fatalf("Failed to register method: %v", err)
	}

	// echo is pre-registered.
	if err := svr.Register("echo", echoMethod); err == nil {
		t.Fatalf("Expect duplicate registration to fail")
	}
}

func TestConnSetPruneCompacts(t *testing.T) {
	var set connSet
	var conns []*jsonrpc.Conn
	for i := 0; i < 3; i++ {
		s, peer := testPair(t)
		defer peer.Close()
		conn := jsonrpc.NewConn(s)
		defer conn.Close()
		set.insert(conn)
		conns = append(conns, conn)
	}

	conns[1].SetError(io.EOF)

	var retired []*jsonrpc.Conn
	set.prune(func(c *jsonrpc.Conn) { retired = append(retired, c) })

	if len(retired) != 1 || retired[0] != conns[1] {
		t.Fatalf("Expect to retire the failed connection, got %d retired", len(retired))
	}
	if len(set.live) != 2 || set.live[0] != conns[0] || set.live[1] != conns[2] {
		t.Fatalf("Expect survivors in insertion order, got %d live", len(set.live))
	}
	if set.empty() {
		t.Fatalf("Expect set to be non-empty")
	}
}

// A connection with queued output must not be read from: the big echo reply
// wedges in a shrunken socket buffer, and the already-buffered second
// request stays undispatched until the peer drains.
func TestBackpressureStopsReading(t *testing.T) {
	s, peer := testPair(t)
	defer peer.Close()

	if err := unix.SetsockoptInt(s.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatalf("Failed to shrink send buffer: %v", err)
	}

	svr := NewServer()
	svr.buildHandler()
	marked := false
	if err := svr.Register("mark", func(ctx context.Context, req *message.Message) *message.Message {
		marked = true
		return message.NewReply(true, req.ID)
	}); err != nil {
		t.Fatalf("Failed to register method: %v", err)
	}

	conn := jsonrpc.NewConn(s)
	defer conn.Close()

	// Feed an echo request too big to flush, then a mark request behind it.
	big, err := codec.Encode(message.NewRequest("echo", []any{strings.Repeat("x", 128<<10)}).ToValue())
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}
	small, err := codec.Encode(message.NewRequest("mark", []any{}).ToValue())
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}
	if _, err := peer.Write(append(big, small...)); err != nil {
		t.Fatalf("Failed to feed requests: %v", err)
	}

	svr.service(conn)
	if conn.Backlog() == 0 {
		t.Fatalf("Expect the echo reply to wedge, backlog is empty")
	}

	// While the reply is queued, servicing must not dispatch mark.
	for i := 0; i < 10; i++ {
		svr.service(conn)
	}
	if marked {
		t.Fatalf("Expect no dispatch while output is queued")
	}

	// Drain the peer side until the reply is flushed.
	discard := make([]byte, 4096)
	for i := 0; conn.Backlog() > 0 && i < 100000; i++ {
		peer.Read(discard)
		svr.service(conn)
	}
	if conn.Backlog() != 0 {
		t.Fatalf("Expect backlog to drain, %d bytes left", conn.Backlog())
	}

	svr.service(conn)
	if !marked {
		t.Fatalf("Expect mark to dispatch once the backlog drained")
	}
}

func TestEchoRoundTrip(t *testing.T) {
	svr := NewServer()
	target, done := startServer(t, svr)

	conn := dialRetry(t, target)
	params := []any{"hello", map[string]any{"n": "7"}}
	req := message.NewRequest("echo", params)

	reply, err := conn.Transact(req)
	if err != nil {
		t.Fatalf("Failed to transact: %v", err)
	}
	if reply.Kind != message.KindReply {
		t.Fatalf("Expect reply, got %v", reply.Kind)
	}
	if !codec.Equal(reply.Result, codec.Clone(params)) {
		t.Fatalf("Expect params echoed back, got %s", codec.String(reply.Result))
	}
	if !codec.Equal(reply.ID, req.ID) {
		t.Fatalf("Expect id %s, got %s", codec.String(req.ID), codec.String(reply.ID))
	}
	conn.Close()

	sendShutdown(t, target)
	waitDone(t, done)
}

func TestUnknownMethodGetsErrorReply(t *testing.T) {
	svr := NewServer()
	target, done := startServer(t, svr)

	conn := dialRetry(t, target)
	reply, err := conn.Transact(message.NewRequest("bogus", []any{}))
	if err != nil {
		t.Fatalf("Failed to transact: %v", err)
	}
	if reply.Kind != message.KindError {
		t.Fatalf("Expect error reply, got %v", reply.Kind)
	}
	if !codec.Equal(reply.Error, map[string]any{"error": "unknown method"}) {
		t.Fatalf("Expect unknown method error, got %s", codec.String(reply.Error))
	}

	// The connection survives an unknown method.
	reply, err = conn.Transact(message.NewRequest("echo", []any{"still here"}))
	if err != nil {
		t.Fatalf("Failed to transact after error reply: %v", err)
	}
	if reply.Kind != message.KindReply {
		t.Fatalf("Expect reply, got %v", reply.Kind)
	}
	conn.Close()

	sendShutdown(t, target)
	waitDone(t, done)
}

func TestUnsupportedNotificationClosesConnection(t *testing.T) {
	svr := NewServer()
	target, done := startServer(t, svr)

	bad := dialRetry(t, target)
	good := dialRetry(t, target)

	if err := bad.SendBlock(message.NewNotify("frobnicate", []any{})); err != nil {
		t.Fatalf("Failed to send notification: %v", err)
	}
	if _, err := bad.RecvBlock(); !errors.Is(err, io.EOF) {
		t.Fatalf("Expect EOF after unsupported notification, got %v", err)
	}
	bad.Close()

	// The other connection is untouched.
	reply, err := good.Transact(message.NewRequest("echo", []any{1}))
	if err != nil {
		t.Fatalf("Failed to transact on healthy connection: %v", err)
	}
	if reply.Kind != message.KindReply {
		t.Fatalf("Expect reply, got %v", reply.Kind)
	}
	good.Close()

	sendShutdown(t, target)
	waitDone(t, done)
}

func TestUnsolicitedReplyClosesConnection(t *testing.T) {
	svr := NewServer()
	target, done := startServer(t, svr)

	conn := dialRetry(t, target)
	if err := conn.SendBlock(message.NewReply("nobody asked", json.Number("9"))); err != nil {
		t.Fatalf("Failed to send reply: %v", err)
	}
	if _, err := conn.RecvBlock(); !errors.Is(err, io.EOF) {
		t.Fatalf("Expect EOF after unsolicited reply, got %v", err)
	}
	conn.Close()

	sendShutdown(t, target)
	waitDone(t, done)
}

// Existing connections keep working after shutdown arrives; the server only
// stops once they hang up.
func TestShutdownDrainsConnections(t *testing.T) {
	svr := NewServer()
	target, done := startServer(t, svr)

	conn := dialRetry(t, target)
	if _, err := conn.Transact(message.NewRequest("echo", []any{"before"})); err != nil {
		t.Fatalf("Failed to transact: %v", err)
	}

	sendShutdown(t, target)

	// Still draining: this connection is open, so Serve cannot have
	// returned, and requests on it still get replies.
	reply, err := conn.Transact(message.NewRequest("echo", []any{"during drain"}))
	if err != nil {
		t.Fatalf("Failed to transact while draining: %v", err)
	}
	if !codec.Equal(reply.Result, []any{"during drain"}) {
		t.Fatalf("Expect echo while draining, got %s", codec.String(reply.Result))
	}

	conn.Close()
	waitDone(t, done)
}

func TestServeRejectsActiveTarget(t *testing.T) {
	svr := NewServer()
	if err := svr.Serve("tcp:127.0.0.1:9999", "", nil); err == nil {
		t.Fatalf("Expect Serve to reject an active target")
	}
}
