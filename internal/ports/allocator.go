package ports

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoPortsAvailable indicates the configured range is exhausted.
var ErrNoPortsAvailable = errors.New("ports: no ports available in range")

// PortSource reports ports already held by registered instances.
type PortSource interface {
	PortsInUse() map[int]bool
}

// Allocator finds a free port in a fixed contiguous range, skipping ports the
// registry knows about and probing the host for ports held by processes
// outside the registry's knowledge.
type Allocator struct {
	start  int
	end    int
	source PortSource
	probe  func(port int) bool
}

// New constructs an Allocator over [start, end], inclusive.
func New(start, end int, source PortSource) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("ports: invalid range %d-%d", start, end)
	}
	return &Allocator{start: start, end: end, source: source, probe: listenProbe}, nil
}

// Allocate scans the range and returns the first port that is neither
// registered nor bound on the host.
func (a *Allocator) Allocate() (int, error) {
	inUse := map[int]bool{}
	if a.source != nil {
		inUse = a.source.PortsInUse()
	}
	for port := a.start; port <= a.end; port++ {
		if inUse[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// InRange reports whether port falls inside the allocator's configured range.
// The proxy uses it as a sanity check before forwarding.
func (a *Allocator) InRange(port int) bool {
	return port >= a.start && port <= a.end
}

// listenProbe reports whether the port can be bound on the host right now.
func listenProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
