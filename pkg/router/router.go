package router

import (
	"strings"
	"sync"
)

// Router maps public hostnames to the local port of the tenant that
// currently owns them. Every proxied request performs one Lookup, so
// reads take only a read lock around a single map access.
type Router struct {
	mu     sync.RWMutex
	routes map[string]int
}

// New creates an empty router.
func New() *Router {
	return &Router{
		routes: make(map[string]int),
	}
}

// Set publishes or replaces the port for a hostname. Replacing an
// existing entry is the atomic substitution step during a redeploy:
// the instant Set returns, new connections reach the new tenant.
func (r *Router) Set(host string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[normalize(host)] = port
}

// Remove deletes the entry for a hostname. Removing an absent host is
// a no-op.
func (r *Router) Remove(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, normalize(host))
}

// RemoveIf deletes the entry only while it still points at the given
// port. Protects against a crash watcher un-publishing a hostname that
// a replacement deployment already took over.
func (r *Router) RemoveIf(host string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(host)
	if r.routes[key] != port {
		return false
	}
	delete(r.routes, key)
	return true
}

// Lookup returns the active tenant port for a hostname.
func (r *Router) Lookup(host string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.routes[normalize(host)]
	return port, ok
}

// Len returns the number of published hostnames.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// normalize lowercases the hostname and strips any port component.
func normalize(host string) string {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	return host
}
