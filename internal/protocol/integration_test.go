package protocol

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weiss/nsca-ng/internal/pskconn"
)

type allowAllAuth struct{}

func (allowAllAuth) IsAuthorized(identity string, line []byte) bool { return true }

type denyAllAuth struct{}

func (denyAllAuth) IsAuthorized(identity string, line []byte) bool { return false }

type memSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (m *memSink) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	m.lines = append(m.lines, cp)
	return nil
}

func (m *memSink) all() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.lines...)
}

func dialPair(t *testing.T, auth Authorizer, sink Sink) (*Client, func()) {
	t.Helper()

	srv, conn := listenAndDial(t, auth, sink, 0)
	return NewClient(conn), srv.Close
}

// listenAndDial starts a receiver and dials a single raw connection to it,
// for tests that need to drive the wire protocol directly (e.g. the
// pre-handshake PING probe, which NewClient's Handshake cannot express).
func listenAndDial(t *testing.T, auth Authorizer, sink Sink, maxCommandSize int) (*pskconn.Server, *pskconn.Conn) {
	t.Helper()

	psk := []byte("shared-secret")
	checkPSK := func(identity string) ([]byte, bool) {
		if identity == "submitter1" {
			return psk, true
		}
		return nil, false
	}

	srv, err := pskconn.Listen(context.Background(), "127.0.0.1:0", 5*time.Second, checkPSK, func(c *pskconn.Conn) {
		s := NewServer(c, auth, sink, maxCommandSize)
		_ = s.Serve(context.Background())
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	conn, err := pskconn.Dial(context.Background(), srv.Addr().String(), "submitter1", psk, 5*time.Second, true)
	if err != nil {
		srv.Close()
		t.Fatalf("Dial() error = %v", err)
	}

	return srv, conn
}

func TestHandshakeAndSubmit(t *testing.T) {
	sink := &memSink{}
	client, closeSrv := dialPair(t, allowAllAuth{}, sink)
	defer closeSrv()

	ctx := context.Background()
	if err := client.Handshake(ctx); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	cmd := "PROCESS_HOST_CHECK_RESULT;myhost;0;OK"
	if err := client.SubmitCommand(ctx, cmd); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}

	if err := client.Quit(ctx); err != nil {
		t.Fatalf("Quit() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	lines := sink.all()
	if len(lines) != 1 {
		t.Fatalf("sink got %d lines, want 1", len(lines))
	}
	if !bytes.Contains(lines[0], []byte(cmd)) {
		t.Fatalf("sink line %q does not contain command %q", lines[0], cmd)
	}
	if lines[0][0] != '[' {
		t.Fatalf("sink line %q missing timestamp prefix", lines[0])
	}
}

func TestUnauthorizedCommandRejected(t *testing.T) {
	sink := &memSink{}
	client, closeSrv := dialPair(t, denyAllAuth{}, sink)
	defer closeSrv()

	ctx := context.Background()
	if err := client.Handshake(ctx); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	err := client.SubmitCommand(ctx, "PROCESS_HOST_CHECK_RESULT;myhost;0;OK")
	if err == nil {
		t.Fatalf("SubmitCommand() succeeded, want rejection")
	}

	if len(sink.all()) != 0 {
		t.Fatalf("sink received a line despite authorization failure")
	}
}

func TestPrehandshakePing(t *testing.T) {
	srv, conn := listenAndDial(t, allowAllAuth{}, &memSink{}, 0)
	defer srv.Close()

	ctx := context.Background()
	if err := NewClient(conn).Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNoop(t *testing.T) {
	sink := &memSink{}
	client, closeSrv := dialPair(t, allowAllAuth{}, sink)
	defer closeSrv()

	ctx := context.Background()
	if err := client.Handshake(ctx); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if err := client.Noop(ctx); err != nil {
		t.Fatalf("Noop() error = %v", err)
	}
}

func TestPushRejectsOversizedLength(t *testing.T) {
	sink := &memSink{}
	srv, conn := listenAndDial(t, allowAllAuth{}, sink, 8)
	defer srv.Close()

	client := NewClient(conn)
	ctx := context.Background()
	if err := client.Handshake(ctx); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	err := client.SubmitCommand(ctx, "[1] PROCESS_HOST_CHECK_RESULT;myhost;0;OK")
	if err == nil {
		t.Fatalf("SubmitCommand() succeeded, want FAIL for oversized PUSH")
	}

	// The session survives a FAIL reply: a subsequent NOOP still works.
	if err := client.Noop(ctx); err != nil {
		t.Fatalf("Noop() after rejected PUSH error = %v", err)
	}
}

func TestEscapingPreservesEmbeddedNewline(t *testing.T) {
	sink := &memSink{}
	client, closeSrv := dialPair(t, allowAllAuth{}, sink)
	defer closeSrv()

	ctx := context.Background()
	if err := client.Handshake(ctx); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	cmd := "PROCESS_SERVICE_CHECK_RESULT;myhost;mysvc;1;multi\nline output"
	if err := client.SubmitCommand(ctx, cmd); err != nil {
		t.Fatalf("SubmitCommand() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	lines := sink.all()
	if len(lines) != 1 {
		t.Fatalf("sink got %d lines, want 1", len(lines))
	}
	if bytes.Count(lines[0], []byte("\n")) != 1 {
		t.Fatalf("sink line split across multiple lines: %q", lines[0])
	}
	if !bytes.Contains(lines[0], []byte(`multi\nline output`)) {
		t.Fatalf("sink line missing escaped embedded newline: %q", lines[0])
	}
}
