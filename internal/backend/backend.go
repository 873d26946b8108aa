// Package backend defines the Backend value type: a single upstream
// target identified by scheme/host/port, plus the pure, copy-returning
// mutators the Pool actor and HealthChecker apply to it. A Backend that
// has left the owning Pool is a snapshot; nothing here mutates in place.
package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"singularityedge/internal/edgeerr"
)

// Backend is a single upstream target.
type Backend struct {
	Scheme              string
	Host                string
	Port                int
	Weight              int
	Healthy             bool
	CurrentConnections  int
	TotalRequests       int64
	LastCheck           *time.Time
	SSLVerify           bool
	Metadata            map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// New parses "scheme://host:port[/...]" into a Backend. Missing host or
// an unsupported scheme is rejected with edgeerr.ErrInvalidURL. New
// backends start healthy=true (optimistic, per spec) until the first
// probe runs, and default to weight 1.
func New(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Backend{}, fmt.Errorf("%w: %v", edgeerr.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Backend{}, fmt.Errorf("%w: unsupported scheme %q", edgeerr.ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return Backend{}, fmt.Errorf("%w: missing host in %q", edgeerr.ErrInvalidURL, rawURL)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return Backend{}, fmt.Errorf("%w: invalid port %q", edgeerr.ErrInvalidURL, p)
		}
		port = parsed
	}

	now := time.Now().UTC()
	return Backend{
		Scheme:    u.Scheme,
		Host:      u.Hostname(),
		Port:      port,
		Weight:    1,
		Healthy:   true,
		SSLVerify: true,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// WithWeight returns a copy with the given weight. Weight 0 is rejected
// by the Pool before a backend is ever added (spec §4.3); this helper
// just sets the field for the caller that already validated it.
func (b Backend) WithWeight(weight int) Backend {
	b.Weight = weight
	b.UpdatedAt = time.Now().UTC()
	return b
}

// ID returns the backend's stable identity, "scheme://host:port".
func (b Backend) ID() string {
	return fmt.Sprintf("%s://%s:%d", b.Scheme, b.Host, b.Port)
}

// Addr returns "host:port", the dial target.
func (b Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Draining reports whether the backend has been marked for drain via
// metadata (see SPEC_FULL §12) — treated as unselectable without
// flipping the health-checker's own Healthy flag.
func (b Backend) Draining() bool {
	return b.Metadata["drain"] == "true"
}

// Selectable reports whether the backend should be considered by the
// Algorithm: healthy and not draining.
func (b Backend) Selectable() bool {
	return b.Healthy && !b.Draining()
}

// WithDrain returns a copy with metadata["drain"] set or cleared,
// leaving Healthy untouched so an operator-initiated drain never races
// the health checker's own liveness flag.
func (b Backend) WithDrain(drain bool) Backend {
	meta := make(map[string]string, len(b.Metadata)+1)
	for k, v := range b.Metadata {
		meta[k] = v
	}
	if drain {
		meta["drain"] = "true"
	} else {
		delete(meta, "drain")
	}
	b.Metadata = meta
	b.UpdatedAt = time.Now().UTC()
	return b
}

// WithHealth returns a copy with Healthy set and LastCheck stamped to
// now.
func (b Backend) WithHealth(ok bool) Backend {
	now := time.Now().UTC()
	b.Healthy = ok
	b.LastCheck = &now
	return b
}

// WithIncrementedConnections returns a copy with CurrentConnections and
// TotalRequests both incremented, per spec §4.2.
func (b Backend) WithIncrementedConnections() Backend {
	b.CurrentConnections++
	b.TotalRequests++
	return b
}

// WithDecrementedConnections returns a copy with CurrentConnections
// decremented, saturating at 0.
func (b Backend) WithDecrementedConnections() Backend {
	if b.CurrentConnections > 0 {
		b.CurrentConnections--
	}
	return b
}
