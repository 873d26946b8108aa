// Package healthcheck implements the per-Pool liveness prober described
// in spec §4.4: a periodic, parallel TCP-connect probe (never request
// bytes) that flips each backend's healthy flag through the Pool actor.
package healthcheck

import (
	"net"
	"sync"
	"time"

	"singularityedge/internal/backend"
	"singularityedge/internal/logging"
	"singularityedge/internal/metrics"
	"singularityedge/internal/pool"
)

// DefaultInterval and DefaultTimeout match spec §3/§4.4's defaults.
const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 1 * time.Second
)

// Checker runs one health-check loop for one Pool.
type Checker struct {
	pool     *pool.Pool
	poolName string
	interval time.Duration
	timeout  time.Duration
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
	logger   *logging.Logger
	metrics  *metrics.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]bool
}

// Option configures a Checker at construction.
type Option func(*Checker)

// WithInterval overrides DefaultInterval. Values under one second are
// ignored and the default is kept.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d >= time.Second {
			c.interval = d
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithLogger attaches a logger for health-transition events.
func WithLogger(l *logging.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithMetrics attaches a metrics sink for health-transition counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// New creates a Checker for p, starting in a stopped state — call Start
// to begin probing.
func New(p *pool.Pool, poolName string, opts ...Option) *Checker {
	c := &Checker{
		pool:     p,
		poolName: poolName,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		dial:     net.DialTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the periodic probe loop in its own goroutine.
func (c *Checker) Start() {
	go c.run()
}

func (c *Checker) run() {
	defer close(c.done)

	c.probeAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeAll()
		case <-c.stop:
			return
		}
	}
}

func (c *Checker) probeAll() {
	for _, b := range c.pool.ListBackends() {
		c.inflightMu.Lock()
		if c.inflight[b.ID()] {
			// A probe for this backend hasn't returned since the last
			// tick; don't launch an overlapping one (spec §4.4).
			c.inflightMu.Unlock()
			continue
		}
		c.inflight[b.ID()] = true
		c.inflightMu.Unlock()

		go c.probeOne(b)
	}
}

func (c *Checker) probeOne(b backend.Backend) {
	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, b.ID())
		c.inflightMu.Unlock()
	}()

	ok := c.dialOK(b)
	wasHealthy := b.Healthy

	if err := c.pool.SetHealth(b.ID(), ok); err != nil {
		return // backend was removed concurrently; nothing to report
	}

	if ok != wasHealthy {
		direction := "unhealthy_to_healthy"
		if !ok {
			direction = "healthy_to_unhealthy"
		}
		if c.metrics != nil {
			c.metrics.HealthTransitions.WithLabelValues(c.poolName, b.ID(), direction).Inc()
		}
		if c.logger != nil {
			c.logger.Info("backend health transition", map[string]interface{}{
				"pool":      c.poolName,
				"backend":   b.ID(),
				"direction": direction,
			})
		}
	}
	if c.metrics != nil {
		healthyVal := 0.0
		if ok {
			healthyVal = 1.0
		}
		c.metrics.BackendHealthy.WithLabelValues(c.poolName, b.ID()).Set(healthyVal)
	}
}

func (c *Checker) dialOK(b backend.Backend) bool {
	conn, err := c.dial("tcp", b.Addr(), c.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close stops the probe loop and waits for it to exit, satisfying
// io.Closer so pool.Registry can tear it down alongside its Pool.
func (c *Checker) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}
