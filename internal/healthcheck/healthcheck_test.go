package healthcheck

import (
	"context"
	"net"
	"strconv"
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

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Name: "test", Algorithm: "round_robin"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func waitForHealth(t *testing.T, p *pool.Pool, id string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, b := range p.ListBackends() {
			if b.ID() == id && b.Healthy == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backend %s never reached healthy=%v", id, want)
}

func TestCheckerMarksListeningBackendHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	b := mustBackend(t, "http://127.0.0.1:"+strconv.Itoa(addr.Port)).WithHealth(false)

	p := newTestPool(t)
	if err := p.AddBackend(b); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}

	c := New(p, "test", WithInterval(time.Second), WithTimeout(200*time.Millisecond))
	c.Start()
	defer c.Close()

	waitForHealth(t, p, b.ID(), true)
}

func TestCheckerMarksClosedPortUnhealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens on this port anymore

	b := mustBackend(t, "http://127.0.0.1:"+strconv.Itoa(addr.Port))

	p := newTestPool(t)
	if err := p.AddBackend(b); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}

	c := New(p, "test", WithInterval(time.Second), WithTimeout(200*time.Millisecond))
	c.Start()
	defer c.Close()

	waitForHealth(t, p, b.ID(), false)
}

func TestCheckerSuppressesOverlappingProbes(t *testing.T) {
	p := newTestPool(t)
	b := mustBackend(t, "http://127.0.0.1:1")
	if err := p.AddBackend(b); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}

	blockUntil := make(chan struct{})
	started := make(chan struct{}, 8)

	c := New(p, "test")
	// WithInterval ignores values under one second, so the tick is set
	// directly to get several ticks inside the 50ms window below.
	c.interval = 5 * time.Millisecond
	c.dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
		started <- struct{}{}
		<-blockUntil
		return nil, context.DeadlineExceeded
	}
	c.Start()

	<-started // first probe launched and is now blocked

	// Give several ticks a chance to fire; none should launch a second
	// probe for the same backend while the first is outstanding.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-started:
		t.Fatalf("a second probe launched while the first was still in flight")
	default:
	}

	close(blockUntil)
	c.Close()
}
