package portpool

import (
	"errors"
	"sync"
)

// ErrExhausted is returned when every port in the range is in use.
var ErrExhausted = errors.New("no ports available in pool")

// Pool manages a bounded range of UDP ports for pipeline sockets.
type Pool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool // port -> available
	allocated map[int]bool // port -> allocated
}

// New creates a pool covering the inclusive range [minPort, maxPort].
func New(minPort, maxPort int) *Pool {
	available := make(map[int]bool)
	for port := minPort; port <= maxPort; port++ {
		available[port] = true
	}

	return &Pool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Acquire takes a port out of the pool. When requested is a free port of the
// range it is returned; otherwise an arbitrary free port is picked.
func (p *Pool) Acquire(requested int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available[requested] {
		delete(p.available, requested)
		p.allocated[requested] = true
		return requested, nil
	}

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, nil
	}

	return 0, ErrExhausted
}

// Release returns a port to the pool. Ports that were never acquired from
// this pool are ignored.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[port]; ok {
		delete(p.allocated, port)
		p.available[port] = true
	}
}

// Range returns the inclusive port range covered by the pool.
func (p *Pool) Range() (int, int) {
	return p.minPort, p.maxPort
}

// Available returns the number of free ports.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of ports in use.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
