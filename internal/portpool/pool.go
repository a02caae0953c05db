// Package portpool manages the RTP port range for media streams.
// Ports are handed out in pairs (even for RTP, odd for RTCP).
package portpool

import (
	"fmt"
	"sync"
)

// Pool allocates RTP port pairs from a configured range.
type Pool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

// New creates a port pool for [minPort, maxPort). minPort is rounded up
// to the next even port so every pair starts on an even RTP port.
func New(minPort, maxPort int) *Pool {
	if minPort%2 != 0 {
		minPort++
	}

	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}

	return &Pool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate returns a pair of ports (RTP, RTCP) or an error if the pool
// is exhausted.
func (p *Pool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, port + 1, nil
	}

	return 0, 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
}

// Release returns a port pair to the pool. Releasing a port that was
// never allocated is a no-op.
func (p *Pool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[rtpPort]; ok {
		delete(p.allocated, rtpPort)
		p.available[rtpPort] = true
	}
}

// Available returns the number of free port pairs.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of port pairs in use.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
