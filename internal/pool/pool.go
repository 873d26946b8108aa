// Package pool implements the Pool actor: the owner of a backend set,
// algorithm state, and health state for one named pool. Per spec §4.5
// and the "Actor-owned mutable state" design note (spec §9), a Pool is a
// goroutine reached only through a command channel — no caller ever
// locks a mutex here, and no network I/O ever runs on the Pool's own
// goroutine, so selection stays non-blocking regardless of how slow the
// actual proxying turns out to be.
package pool

import (
	"context"
	"fmt"

	"singularityedge/internal/algorithm"
	"singularityedge/internal/backend"
	"singularityedge/internal/edgeerr"
	"singularityedge/internal/metrics"
)

// SSLMode mirrors spec §3's ssl_mode enum.
type SSLMode string

const (
	SSLOff         SSLMode = "off"
	SSLFlexible    SSLMode = "flexible"
	SSLFull        SSLMode = "full"
	SSLFullStrict  SSLMode = "full_strict"
	SSLPassthrough SSLMode = "passthrough"
)

// Stats is the snapshot returned by Pool.Stats, exactly spec §4.5.
type Stats struct {
	PoolName           string
	Algorithm          algorithm.Name
	TotalBackends      int
	HealthyBackends    int
	UnhealthyBackends  int
	CurrentConnections int
	TotalRequests      int64
}

// Config describes a Pool's fixed configuration (set at creation; the
// mutable parts — backends, algorithm state, health — live only inside
// the actor goroutine).
type Config struct {
	Name                string
	Algorithm           algorithm.Name
	SSLMode             SSLMode
	SSLDomain           string
	SSLCertID           string
	ValidateBackendCert bool
	HealthCheckInterval int // milliseconds
}

// Pool is a handle to a running actor goroutine. All its methods send a
// command over a channel and block on a per-call reply channel; they
// never touch the actor's internal state directly.
type Pool struct {
	cfg     Config
	cmds    chan command
	done    chan struct{}
	metrics *metrics.Metrics
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithMetrics attaches a metrics sink for the per-backend connection
// gauge, set on every select/release.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

type command interface{ isCommand() }

type cmdAdd struct {
	b     backend.Backend
	reply chan error
}
type cmdRemove struct {
	id    string
	reply chan error
}
type cmdSelect struct {
	reply chan selectReply
}
type cmdRelease struct {
	id    string
	reply chan struct{}
}
type cmdList struct {
	reply chan []backend.Backend
}
type cmdStats struct {
	reply chan Stats
}
type cmdSetHealth struct {
	id      string
	healthy bool
	reply   chan error
}
type cmdSetDrain struct {
	id    string
	drain bool
	reply chan error
}
type cmdShutdown struct {
	reply chan struct{}
}

func (cmdAdd) isCommand()       {}
func (cmdRemove) isCommand()    {}
func (cmdSelect) isCommand()    {}
func (cmdRelease) isCommand()   {}
func (cmdList) isCommand()      {}
func (cmdStats) isCommand()     {}
func (cmdSetHealth) isCommand() {}
func (cmdSetDrain) isCommand()  {}
func (cmdShutdown) isCommand()  {}

type selectReply struct {
	b   backend.Backend
	err error
}

// New starts a Pool actor goroutine and returns its handle. Backends
// must be added via AddBackend once running.
func New(cfg Config, opts ...Option) *Pool {
	if cfg.Algorithm == "" {
		cfg.Algorithm = algorithm.RoundRobin
	}
	if cfg.HealthCheckInterval < 1000 {
		cfg.HealthCheckInterval = 10000
	}
	p := &Pool{
		cfg:  cfg,
		cmds: make(chan command, 16),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// setConnGauge reflects b's current connection count in the
// CurrentConnections gauge, a no-op when no metrics sink is attached.
func (p *Pool) setConnGauge(b backend.Backend) {
	if p.metrics != nil {
		p.metrics.CurrentConnections.WithLabelValues(p.cfg.Name, b.ID()).Set(float64(b.CurrentConnections))
	}
}

func (p *Pool) run() {
	defer close(p.done)

	backends := make([]backend.Backend, 0)
	var state algorithm.State

	for cmd := range p.cmds {
		switch c := cmd.(type) {
		case cmdAdd:
			if indexOf(backends, c.b.ID()) >= 0 {
				c.reply <- edgeerr.ErrAlreadyExists
				continue
			}
			backends = append(backends, c.b)
			c.reply <- nil

		case cmdRemove:
			idx := indexOf(backends, c.id)
			if idx < 0 {
				c.reply <- edgeerr.ErrNotFound
				continue
			}
			if p.metrics != nil {
				p.metrics.CurrentConnections.DeleteLabelValues(p.cfg.Name, c.id)
			}
			backends = append(backends[:idx], backends[idx+1:]...)
			c.reply <- nil

		case cmdSelect:
			chosen, next, err := algorithm.Select(backends, p.cfg.Algorithm, state)
			if err != nil {
				c.reply <- selectReply{err: err}
				continue
			}
			state = next
			idx := indexOf(backends, chosen.ID())
			backends[idx] = backends[idx].WithIncrementedConnections()
			p.setConnGauge(backends[idx])
			c.reply <- selectReply{b: backends[idx]}

		case cmdRelease:
			idx := indexOf(backends, c.id)
			if idx >= 0 {
				backends[idx] = backends[idx].WithDecrementedConnections()
				p.setConnGauge(backends[idx])
			}
			close(c.reply)

		case cmdList:
			snapshot := make([]backend.Backend, len(backends))
			copy(snapshot, backends)
			c.reply <- snapshot

		case cmdStats:
			c.reply <- computeStats(p.cfg, backends)

		case cmdSetHealth:
			idx := indexOf(backends, c.id)
			if idx < 0 {
				c.reply <- edgeerr.ErrNotFound
				continue
			}
			backends[idx] = backends[idx].WithHealth(c.healthy)
			c.reply <- nil

		case cmdSetDrain:
			idx := indexOf(backends, c.id)
			if idx < 0 {
				c.reply <- edgeerr.ErrNotFound
				continue
			}
			backends[idx] = backends[idx].WithDrain(c.drain)
			c.reply <- nil

		case cmdShutdown:
			close(c.reply)
			return
		}
	}
}

func indexOf(backends []backend.Backend, id string) int {
	for i, b := range backends {
		if b.ID() == id {
			return i
		}
	}
	return -1
}

func computeStats(cfg Config, backends []backend.Backend) Stats {
	s := Stats{PoolName: cfg.Name, Algorithm: cfg.Algorithm, TotalBackends: len(backends)}
	for _, b := range backends {
		if b.Healthy {
			s.HealthyBackends++
		} else {
			s.UnhealthyBackends++
		}
		s.CurrentConnections += b.CurrentConnections
		s.TotalRequests += b.TotalRequests
	}
	return s
}

// AddBackend rejects edgeerr.ErrAlreadyExists if a backend with the same
// id is already present; otherwise appends it, healthy by default.
func (p *Pool) AddBackend(b backend.Backend) error {
	// Passthrough never terminates TLS: the client's handshake passes
	// through untouched to a backend that terminates it itself, so a
	// plain http:// backend is a contradiction in terms for this pool
	// (spec §9 Open Question, resolved in DESIGN.md).
	if p.cfg.SSLMode == SSLPassthrough && b.Scheme != "https" {
		return fmt.Errorf("%w: passthrough pool %s requires an https backend, got %s", edgeerr.ErrValidation, p.cfg.Name, b.ID())
	}
	if b.Weight < 1 {
		return fmt.Errorf("%w: backend %s weight must be at least 1, got %d", edgeerr.ErrValidation, b.ID(), b.Weight)
	}
	reply := make(chan error, 1)
	p.cmds <- cmdAdd{b: b, reply: reply}
	return <-reply
}

// RemoveBackend returns edgeerr.ErrNotFound if absent; otherwise removes
// it. In-flight requests already holding the backend complete normally.
func (p *Pool) RemoveBackend(id string) error {
	reply := make(chan error, 1)
	p.cmds <- cmdRemove{id: id, reply: reply}
	return <-reply
}

// SelectBackend delegates to algorithm.Select, applies
// WithIncrementedConnections to the chosen backend, and returns the
// snapshot. Every successful call must be paired with exactly one
// ReleaseBackend for the returned id — see httpproxy/tcpproxy's release
// guards, which own that obligation so this package doesn't have to
// track outstanding selections itself (spec §4.5, §9).
func (p *Pool) SelectBackend() (backend.Backend, error) {
	reply := make(chan selectReply, 1)
	p.cmds <- cmdSelect{reply: reply}
	r := <-reply
	return r.b, r.err
}

// ReleaseBackend applies WithDecrementedConnections; always succeeds,
// a no-op if id was already removed.
func (p *Pool) ReleaseBackend(id string) {
	reply := make(chan struct{})
	p.cmds <- cmdRelease{id: id, reply: reply}
	<-reply
}

// ListBackends returns a snapshot of all backends.
func (p *Pool) ListBackends() []backend.Backend {
	reply := make(chan []backend.Backend, 1)
	p.cmds <- cmdList{reply: reply}
	return <-reply
}

// Stats returns the aggregate view described in spec §4.5.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	p.cmds <- cmdStats{reply: reply}
	return <-reply
}

// SetHealth is the HealthChecker's entry point for flipping a backend's
// liveness; it never goes through SelectBackend/ReleaseBackend's
// connection counting.
func (p *Pool) SetHealth(id string, healthy bool) error {
	reply := make(chan error, 1)
	p.cmds <- cmdSetHealth{id: id, healthy: healthy, reply: reply}
	return <-reply
}

// SetDrain marks a backend drained (pulled out of selection without
// flipping its Healthy flag) or un-drains it. Used by the admin API to
// let an operator retire a backend ahead of removing it.
func (p *Pool) SetDrain(id string, drain bool) error {
	reply := make(chan error, 1)
	p.cmds <- cmdSetDrain{id: id, drain: drain, reply: reply}
	return <-reply
}

// Config returns the pool's fixed configuration.
func (p *Pool) Config() Config { return p.cfg }

// Close shuts down the actor goroutine and waits for it to exit.
func (p *Pool) Close(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case p.cmds <- cmdShutdown{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: pool %s did not shut down", edgeerr.ErrTimeout, p.cfg.Name)
	}
}
