// Package httpproxy is the HTTPProxy component of spec §4.7: a reverse
// proxy that resolves a pool per request via routeresolver, selects a
// backend under a scoped release guard, and forwards via
// httputil.ReverseProxy — generalized from the teacher's one-backend
// Director to "whatever Pool.SelectBackend just returned" by reading the
// chosen backend.Backend out of the request's context instead of
// closing over a fixed target.
package httpproxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"singularityedge/internal/backend"
	"singularityedge/internal/edgeerr"
	"singularityedge/internal/logging"
	"singularityedge/internal/metrics"
	"singularityedge/internal/pool"
	"singularityedge/internal/routeresolver"
)

// hopByHopHeaders is stripped in both directions, exactly spec §4.7/§8
// invariant 10.
var hopByHopHeaders = []string{
	"Connection",
	"Transfer-Encoding",
	"Keep-Alive",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// PoolRegistry is the subset of pool.Registry the proxy needs, named
// here so tests can supply a stand-in.
type PoolRegistry interface {
	Get(name string) (*pool.Entry, bool)
}

// Config configures a Proxy.
type Config struct {
	BaseDomain     string
	DefaultPool    string
	RequestTimeout time.Duration // default 60s, spec §5
}

// Proxy is the HTTPProxy component handle.
type Proxy struct {
	registry PoolRegistry
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics

	proxies map[pool.SSLMode]*httputil.ReverseProxy
}

// Option configures optional collaborators.
type Option func(*Proxy)

func WithLogger(l *logging.Logger) Option  { return func(p *Proxy) { p.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Proxy) { p.metrics = m } }

// New builds a Proxy over registry.
func New(registry PoolRegistry, cfg Config, opts ...Option) *Proxy {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	p := &Proxy{registry: registry, cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.proxies = map[pool.SSLMode]*httputil.ReverseProxy{
		pool.SSLOff:        p.newReverseProxy(plainTransport()),
		pool.SSLFlexible:   p.newReverseProxy(plainTransport()),
		pool.SSLFull:       p.newReverseProxy(tlsTransport(false)),
		pool.SSLFullStrict: p.newReverseProxy(tlsTransport(true)),
	}
	return p
}

type backendCtxKeyType struct{}

var backendCtxKey = backendCtxKeyType{}

func (p *Proxy) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			b, _ := req.Context().Value(backendCtxKey).(backend.Backend)
			req.URL.Scheme = b.Scheme
			req.URL.Host = b.Addr()
			req.Host = b.Addr()
			stripHopByHop(req.Header)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			return nil
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if sc, ok := w.(*statusCapture); ok && sc.headerWritten {
				// Response already started streaming to the client; per
				// spec §7, a mid-stream upstream I/O failure closes the
				// connection without rewriting the status.
				return
			}
			writeJSONError(w, http.StatusBadGateway, edgeerr.ErrBackendConnect)
		},
	}
}

func plainTransport() http.RoundTripper {
	return &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
}

func tlsTransport(verify bool) http.RoundTripper {
	return &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verify},
	}
}

// ServeHTTP implements spec §4.7's full request handling sequence.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	poolName := routeresolver.Resolve(r.Header.Get(routeresolver.HeaderName), r.Host, p.cfg.BaseDomain, p.cfg.DefaultPool)
	entry, ok := p.registry.Get(poolName)
	if !ok {
		p.fail(w, poolName, "", http.StatusServiceUnavailable, edgeerr.ErrNoBackends)
		return
	}

	cfg := entry.Pool.Config()
	if cfg.SSLMode == pool.SSLPassthrough {
		p.fail(w, poolName, "", http.StatusServiceUnavailable, edgeerr.ErrNoBackends)
		return
	}

	b, err := entry.Pool.SelectBackend()
	if err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, edgeerr.ErrNoBackends) {
			status = http.StatusBadGateway
		}
		if p.metrics != nil {
			p.metrics.NoBackendsTotal.WithLabelValues(poolName).Inc()
		}
		p.fail(w, poolName, "", status, err)
		return
	}
	defer entry.Pool.ReleaseBackend(b.ID())

	timeout := p.cfg.RequestTimeout
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req := r.WithContext(context.WithValue(ctx, backendCtxKey, b))

	wrapper := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}
	proxy, ok := p.proxies[cfg.SSLMode]
	if !ok {
		proxy = p.proxies[pool.SSLOff]
	}
	proxy.ServeHTTP(wrapper, req)

	duration := time.Since(start)
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(poolName, metrics.StatusClass(wrapper.statusCode)).Inc()
		p.metrics.RequestDuration.WithLabelValues(poolName).Observe(duration.Seconds())
	}
	if p.logger != nil {
		p.logger.LogRequest(logging.RequestLog{
			Timestamp:  start,
			PoolName:   poolName,
			BackendID:  b.ID(),
			ClientIP:   r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.UserAgent(),
			StatusCode: wrapper.statusCode,
			Duration:   float64(duration.Microseconds()) / 1000.0,
		})
	}
}

func (p *Proxy) fail(w http.ResponseWriter, poolName, backendID string, status int, err error) {
	writeJSONError(w, status, err)
	if p.logger != nil {
		p.logger.Warn("proxy request failed", map[string]interface{}{
			"pool":    poolName,
			"backend": backendID,
			"status":  status,
			"error":   err.Error(),
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := userMessage(status, err)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func userMessage(status int, err error) string {
	if status == http.StatusServiceUnavailable {
		return "No healthy backends available"
	}
	return fmt.Sprintf("upstream error: %v", err)
}

// statusCapture records the first status code written, so ErrorHandler
// can tell whether the response has already started streaming.
type statusCapture struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (s *statusCapture) WriteHeader(code int) {
	if !s.headerWritten {
		s.statusCode = code
		s.headerWritten = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapture) Write(b []byte) (int, error) {
	if !s.headerWritten {
		s.headerWritten = true
	}
	return s.ResponseWriter.Write(b)
}
