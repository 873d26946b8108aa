// Package routeresolver implements the host/header-to-pool-name mapping
// described in spec §4.6: a single pure function with no state of its
// own, deliberately kept free of any Store or Pool dependency so it can
// be unit tested against plain strings.
package routeresolver

import "strings"

// HeaderName is the explicit routing override header (spec §4.6).
const HeaderName = "X-Pool"

// Resolve returns the pool name an inbound request should route to,
// applying spec §4.6's priority order:
//  1. the X-Pool header (case-insensitive key), if present and
//     non-empty — an explicit override
//  2. host ending in "."+baseDomain: strip the suffix and use the
//     leading label of what remains as the pool name (an empty
//     remaining label falls through to defaultPool)
//  3. host == baseDomain exactly — defaultPool
//  4. otherwise, defaultPool
func Resolve(xPoolHeader, host, baseDomain, defaultPool string) string {
	if xPoolHeader != "" {
		return xPoolHeader
	}

	host = stripPort(host)
	if baseDomain != "" {
		suffix := "." + baseDomain
		if strings.HasSuffix(host, suffix) {
			remaining := strings.TrimSuffix(host, suffix)
			label := leadingLabel(remaining)
			if label != "" {
				return label
			}
		}
	}
	return defaultPool
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx+1:], ":") {
		return host[:idx]
	}
	return host
}

// leadingLabel returns the first dot-separated label of s.
func leadingLabel(s string) string {
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return s[:idx]
	}
	return s
}
