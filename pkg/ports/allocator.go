package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the configured
// range is either allocated or refused a probe bind.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

// Allocator hands out unused TCP ports from a fixed range and reclaims
// them on release. Each port is held by at most one owner at a time.
type Allocator struct {
	mu        sync.Mutex
	free      []int
	allocated map[int]bool
	probe     func(port int) bool
}

// NewAllocator creates an allocator over the inclusive range [lo, hi].
func NewAllocator(lo, hi int) (*Allocator, error) {
	if lo <= 0 || hi > 65535 || hi < lo {
		return nil, fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	a := &Allocator{
		free:      make([]int, 0, hi-lo+1),
		allocated: make(map[int]bool),
		probe:     probeBind,
	}
	for p := lo; p <= hi; p++ {
		a.free = append(a.free, p)
	}
	return a, nil
}

// Allocate removes and returns a free port. Ports that fail a probe
// bind (something else on the host holds them) are skipped and retried
// on a later Allocate once released back.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Busy ports rotate to the back of the pool so the next caller
	// retries them after the host frees them up.
	var busy []int
	defer func() { a.free = append(a.free, busy...) }()

	for len(a.free) > 0 {
		port := a.free[0]
		a.free = a.free[1:]
		if !a.probe(port) {
			busy = append(busy, port)
			continue
		}
		a.allocated[port] = true
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Releasing a port that is not
// allocated is a no-op, so callers can release on every exit path.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocated[port] {
		return
	}
	delete(a.allocated, port)
	a.free = append(a.free, port)
}

// InUse returns the number of currently allocated ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// probeBind checks that the port can actually be bound on the host.
func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
