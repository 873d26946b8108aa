// Package tcpproxy is the TCPProxy component of spec §4.8: raw Layer-4
// passthrough for ssl_mode=passthrough pools. The listener never parses
// TLS beyond an optional read-only SNI peek used purely for routing —
// the backend, not the edge, terminates the client's TLS connection.
package tcpproxy

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"singularityedge/internal/logging"
	"singularityedge/internal/metrics"
	"singularityedge/internal/pool"
)

// PoolRegistry is the subset of pool.Registry the listener needs.
type PoolRegistry interface {
	Get(name string) (*pool.Entry, bool)
}

// SNIResolver maps a ClientHello's SNI hostname to a pool name, used for
// multiple passthrough pools sharing one listening port. When nil, every
// connection routes to Config.DefaultPool — the common case of "one port
// per passthrough pool" from spec §6.
type SNIResolver func(sni string) (poolName string, ok bool)

// Config configures a Listener.
type Config struct {
	DefaultPool    string
	DialTimeout    time.Duration // default 5s, spec §4.8
	SNIPeekTimeout time.Duration // default 2s
}

// Listener accepts raw TCP connections and splices each to a backend
// selected from the resolved pool.
type Listener struct {
	ln         net.Listener
	registry   PoolRegistry
	cfg        Config
	sniResolve SNIResolver
	logger     *logging.Logger
	metrics    *metrics.Metrics

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// Option configures optional collaborators.
type Option func(*Listener)

func WithSNIResolver(r SNIResolver) Option  { return func(l *Listener) { l.sniResolve = r } }
func WithLogger(lg *logging.Logger) Option  { return func(l *Listener) { l.logger = lg } }
func WithMetrics(m *metrics.Metrics) Option { return func(l *Listener) { l.metrics = m } }

// New wraps ln as a TCPProxy listener.
func New(ln net.Listener, registry PoolRegistry, cfg Config, opts ...Option) *Listener {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SNIPeekTimeout <= 0 {
		cfg.SNIPeekTimeout = 2 * time.Second
	}
	l := &Listener{ln: ln, registry: registry, cfg: cfg, closing: make(chan struct{})}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Serve accepts connections until Close is called, handling each in its
// own goroutine (spec §5: one task per inbound connection).
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
				l.wg.Wait()
				return nil
			default:
				return err
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and returns without waiting;
// Serve is what returns only once in-flight connections have finished
// splicing. Satisfies io.Closer for pool.Entry.TCPListener.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closing) })
	return l.ln.Close()
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	poolName := l.cfg.DefaultPool
	var replay []byte
	if l.sniResolve != nil {
		sni, peeked := peekSNI(conn, l.cfg.SNIPeekTimeout)
		replay = peeked
		if sni != "" {
			if name, ok := l.sniResolve(sni); ok {
				poolName = name
			}
		}
	}

	entry, ok := l.registry.Get(poolName)
	if !ok {
		return
	}
	b, err := entry.Pool.SelectBackend()
	if err != nil {
		return
	}
	defer entry.Pool.ReleaseBackend(b.ID())

	upstream, err := net.DialTimeout("tcp", b.Addr(), l.cfg.DialTimeout)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("tcp passthrough dial failed", map[string]interface{}{
				"pool": poolName, "backend": b.ID(), "error": err.Error(),
			})
		}
		return
	}
	defer upstream.Close()

	if len(replay) > 0 {
		if n, err := upstream.Write(replay); err != nil {
			return
		} else if l.metrics != nil {
			l.metrics.TCPBytesTotal.WithLabelValues(poolName, b.ID(), "to_backend").Add(float64(n))
		}
	}

	l.splice(conn, upstream, poolName, b.ID())
}

// errSNICaptured aborts a deliberately incomplete TLS handshake once the
// ClientHello's ServerName has been observed.
var errSNICaptured = errors.New("tcpproxy: sni captured")

// peekSNI reads just enough of a TLS ClientHello to learn its SNI
// hostname, using tls.Server's GetConfigForClient hook as a read-only
// ClientHello parser — the handshake is deliberately aborted before any
// bytes are written back to the client, so the backend (not the edge)
// performs the real handshake. The bytes consumed from conn in the
// process are returned so the caller can replay them to the backend.
func peekSNI(conn net.Conn, timeout time.Duration) (sni string, consumed []byte) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	rec := &recordingConn{Conn: conn}
	srv := tls.Server(rec, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			return nil, errSNICaptured
		},
	})
	_ = srv.Handshake() // always errors; that's how this peek terminates
	return sni, rec.buf.Bytes()
}

// recordingConn taps every byte read through it into buf, without
// altering the underlying conn's read position.
type recordingConn struct {
	net.Conn
	buf bytes.Buffer
}

func (r *recordingConn) Read(b []byte) (int, error) {
	n, err := r.Conn.Read(b)
	if n > 0 {
		r.buf.Write(b[:n])
	}
	return n, err
}

// Write is a no-op: peekSNI must never let tls.Server write anything
// back to the client.
func (r *recordingConn) Write(b []byte) (int, error) { return len(b), nil }

// splice copies bytes in both directions; when one direction's copy ends,
// the write side of its destination is half-closed, and splice returns
// once both directions have ended — spec §4.8 step 4. Byte counts are tracked per
// backend, not per request (TCPProxy has no notion of request
// boundaries, per spec §4.8).
func (l *Listener) splice(client, upstream net.Conn, poolName, backendID string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(upstream, client)
		closeWrite(upstream)
		if l.metrics != nil {
			l.metrics.TCPBytesTotal.WithLabelValues(poolName, backendID, "to_backend").Add(float64(n))
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, upstream)
		closeWrite(client)
		if l.metrics != nil {
			l.metrics.TCPBytesTotal.WithLabelValues(poolName, backendID, "to_client").Add(float64(n))
		}
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
