package tcpproxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"singularityedge/internal/backend"
	"singularityedge/internal/pool"
)

func mustBackend(t *testing.T, raw string) backend.Backend {
	t.Helper()
	b, err := backend.New(raw)
	if err != nil {
		t.Fatalf("backend.New(%q): %v", raw, err)
	}
	return b
}

type stubRegistry struct {
	entries map[string]*pool.Entry
}

func (r *stubRegistry) Get(name string) (*pool.Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func newEntry(t *testing.T, backendURL string) *pool.Entry {
	t.Helper()
	p := pool.New(pool.Config{Name: "tcp", Algorithm: "round_robin", SSLMode: pool.SSLPassthrough})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	if err := p.AddBackend(mustBackend(t, backendURL)); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	return &pool.Entry{Pool: p}
}

// echoServer accepts one connection and echoes everything it reads.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln.Addr().String()
}

func TestSplicesBytesBidirectionally(t *testing.T) {
	backendAddr := echoServer(t)
	entry := newEntry(t, "https://"+backendAddr)
	reg := &stubRegistry{entries: map[string]*pool.Entry{"tcp": entry}}

	front, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l := New(front, reg, Config{DefaultPool: "tcp"})
	go l.Serve()
	defer l.Close()

	conn, err := net.Dial("tcp", front.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}

func TestUnknownPoolClosesConnection(t *testing.T) {
	reg := &stubRegistry{entries: map[string]*pool.Entry{}}
	front, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l := New(front, reg, Config{DefaultPool: "missing"})
	go l.Serve()
	defer l.Close()

	conn, err := net.Dial("tcp", front.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF on unresolved pool, got %v", err)
	}
}

// TestPeekSNIExtractsServerName drives peekSNI with a real TLS
// ClientHello (via tls.Client against a net.Pipe) and checks the
// extracted SNI, independent of pool routing or backend dialing.
func TestPeekSNIExtractsServerName(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		tlsConn := tls.Client(clientConn, &tls.Config{ServerName: "api.example.com", InsecureSkipVerify: true})
		tlsConn.Handshake() // always errors: the peek never completes it
	}()

	sni, consumed := peekSNI(serverConn, 2*time.Second)
	if sni != "api.example.com" {
		t.Fatalf("sni = %q, want api.example.com", sni)
	}
	if len(consumed) == 0 {
		t.Fatalf("expected consumed ClientHello bytes to be non-empty")
	}
}

// TestNonTLSBytesFallBackToDefaultPool covers the case spec §4.8 step 1
// leaves implicit: when SNI peeking is configured but the client isn't
// speaking TLS at all, routing falls back to the listener's default pool
// rather than hanging or erroring.
func TestNonTLSBytesFallBackToDefaultPool(t *testing.T) {
	backendAddr := echoServer(t)
	entry := newEntry(t, "https://"+backendAddr)
	reg := &stubRegistry{entries: map[string]*pool.Entry{"tcp": entry}}

	front, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	resolverCalled := false
	resolver := func(sni string) (string, bool) {
		resolverCalled = true
		return "should-not-be-used", true
	}
	l := New(front, reg, Config{DefaultPool: "tcp", SNIPeekTimeout: 500 * time.Millisecond}, WithSNIResolver(resolver))
	go l.Serve()
	defer l.Close()

	conn, err := net.Dial("tcp", front.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello (default pool reached)", buf)
	}
	_ = resolverCalled // non-TLS bytes never produce a non-empty SNI, and the resolver is consulted only for a non-empty SNI; what this test checks is default-pool delivery above
}
