package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"singularityedge/internal/logging"
)

// DefaultDiscoveryInterval is the DNS poll period from spec §4.9.
const DefaultDiscoveryInterval = 5 * time.Second

// PeerEvent is a join or leave derived from diffing two successive DNS
// answer sets for the discovery name.
type PeerEvent struct {
	Addr   string
	Joined bool
}

// Discovery polls a DNS name (e.g. Fly.io's "<app>.internal") for A
// records and turns the lazy sequence of answer sets into join/leave
// events, per spec §4.9 and §9's "lazy sequence of peer sets" framing.
type Discovery struct {
	name     string
	server   string
	interval time.Duration
	client   *dns.Client
	logger   *logging.Logger

	mu    sync.Mutex
	peers map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewDiscovery builds a Discovery that queries server (host:port) for
// name's A records. If server is empty, the system resolver configured
// in /etc/resolv.conf is used.
func NewDiscovery(name, server string, interval time.Duration, logger *logging.Logger) (*Discovery, error) {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	if server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("cluster: no discovery DNS server configured and /etc/resolv.conf unreadable: %v", err)
		}
		server = cfg.Servers[0] + ":" + cfg.Port
	}
	return &Discovery{
		name:     name,
		server:   server,
		interval: interval,
		client:   &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		logger:   logger,
		peers:    make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins polling, delivering one PeerEvent per observed join or
// leave to onEvent. onEvent is called from the poller's own goroutine;
// callers that need to touch shared state should do their own locking.
func (d *Discovery) Start(onEvent func(PeerEvent)) {
	go d.run(onEvent)
}

func (d *Discovery) run(onEvent func(PeerEvent)) {
	defer close(d.done)
	d.poll(onEvent)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.poll(onEvent)
		case <-d.stop:
			return
		}
	}
}

func (d *Discovery) poll(onEvent func(PeerEvent)) {
	current, err := d.lookup()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("cluster discovery lookup failed", map[string]interface{}{
				"name": d.name, "error": err.Error(),
			})
		}
		return
	}

	d.mu.Lock()
	previous := d.peers
	d.peers = current
	d.mu.Unlock()

	for addr := range current {
		if _, ok := previous[addr]; !ok {
			onEvent(PeerEvent{Addr: addr, Joined: true})
		}
	}
	for addr := range previous {
		if _, ok := current[addr]; !ok {
			onEvent(PeerEvent{Addr: addr, Joined: false})
		}
	}
}

func (d *Discovery) lookup() (map[string]struct{}, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(d.name), dns.TypeA)
	in, _, err := d.client.Exchange(msg, d.server)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	out := make(map[string]struct{}, len(in.Answer))
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			out[a.A.String()] = struct{}{}
		}
	}
	return out, nil
}

// Peers returns the most recently observed peer address set.
func (d *Discovery) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.peers))
	for addr := range d.peers {
		out = append(out, addr)
	}
	return out
}

// Stop halts polling and waits for the poll loop to exit.
func (d *Discovery) Stop() {
	close(d.stop)
	<-d.done
}
