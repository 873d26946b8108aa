// Package listener runs the HTTP and HTTPS front doors described in
// spec §6: a shared net/http server whose TLS certificate selection is
// SNI-keyed to pool.ssl_domain (spec §12's supplemented feature — §4.7
// is silent on exactly how a multi-domain HTTPS listener picks a cert).
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"singularityedge/internal/certificate"
	"singularityedge/internal/logging"
	"singularityedge/internal/pool"
)

// HTTPListener handles HTTP/HTTPS connections
type HTTPListener struct {
	addr        string
	tlsConfig   *tls.Config
	handler     http.Handler
	logger      *logging.Logger
	server      *http.Server
	listener    net.Listener
	activeConns int64 // atomic counter for active connections
}

// HTTPListenerConfig configures the HTTP listener
type HTTPListenerConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Handler   http.Handler
	Logger    *logging.Logger
}

// NewHTTPListener creates a new HTTP/HTTPS listener
func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	return &HTTPListener{
		addr:      cfg.Addr,
		tlsConfig: cfg.TLSConfig,
		handler:   cfg.Handler,
		logger:    cfg.Logger,
	}
}

// Start begins accepting HTTP connections
func (l *HTTPListener) Start(ctx context.Context) error {
	var err error
	l.listener, err = net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	l.server = &http.Server{
		Handler:           l.handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
		ConnState:         l.trackConnState,
	}

	if l.tlsConfig != nil {
		l.server.TLSConfig = l.tlsConfig
		l.listener = tls.NewListener(l.listener, l.tlsConfig)
	}

	go func() {
		if err := l.server.Serve(l.listener); err != nil && err != http.ErrServerClosed {
			if l.logger != nil {
				l.logger.Error("http listener serve failed", map[string]interface{}{"addr": l.addr, "error": err.Error()})
			}
		}
	}()

	return nil
}

// trackConnState tracks connection state changes for monitoring
func (l *HTTPListener) trackConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		atomic.AddInt64(&l.activeConns, 1)
	case http.StateClosed, http.StateHijacked:
		atomic.AddInt64(&l.activeConns, -1)
	}
}

// ActiveConnections returns the number of active connections
func (l *HTTPListener) ActiveConnections() int64 {
	return atomic.LoadInt64(&l.activeConns)
}

// Stop gracefully shuts down the HTTP listener
func (l *HTTPListener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// Addr returns the listener address (actual bound address if available)
func (l *HTTPListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// LoadTLSConfig loads a static single-certificate TLS configuration
// from cert and key files, used when the listener serves exactly one
// domain (or as the fallback static config before SNIConfig is wired).
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}

// PoolRegistry is the subset of pool.Registry SNIConfig needs to find
// each pool's ssl_domain/ssl_cert_id.
type PoolRegistry interface {
	List() []string
	Get(name string) (*pool.Entry, bool)
}

// CertificateResolver looks a certificate up by the id stored on a
// pool's ssl_cert_id field.
type CertificateResolver interface {
	Get(id string) (certificate.Certificate, error)
}

// SNIConfig builds a *tls.Config whose GetCertificate hook selects a
// certificate by matching the ClientHello's SNI hostname against every
// registered pool's ssl_domain, falling back to defaultPool's
// certificate when no domain matches (spec §12).
func SNIConfig(registry PoolRegistry, certs CertificateResolver, defaultPool string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			poolName := defaultPool
			for _, name := range registry.List() {
				entry, ok := registry.Get(name)
				if !ok {
					continue
				}
				if entry.Pool.Config().SSLDomain == hello.ServerName {
					poolName = name
					break
				}
			}
			entry, ok := registry.Get(poolName)
			if !ok {
				return nil, fmt.Errorf("listener: no pool %q to resolve a certificate for %q", poolName, hello.ServerName)
			}
			certID := entry.Pool.Config().SSLCertID
			if certID == "" {
				return nil, fmt.Errorf("listener: pool %q has no ssl_cert_id configured", poolName)
			}
			cert, err := certs.Get(certID)
			if err != nil {
				return nil, fmt.Errorf("listener: loading certificate %q: %w", certID, err)
			}
			pair, err := tls.X509KeyPair([]byte(cert.PEMCert+cert.PEMChain), []byte(cert.PEMKey))
			if err != nil {
				return nil, fmt.Errorf("listener: parsing certificate %q: %w", certID, err)
			}
			return &pair, nil
		},
	}
}
