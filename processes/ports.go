package processes

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort is returned when every port of a pool is leased or bound by
// another process.
var ErrNoFreePort = errors.New("no free port")

// PortPool leases loopback ports to automation servers hidden behind an
// interceptor. A lease holds until Release, even before the server binds the
// port, so instances launched together never get the same one.
type PortPool struct {
	mu     sync.Mutex
	first  int
	size   int
	cursor int
	leases map[int]struct{}

	bindable func(port int) bool
}

// NewPortPool covers the inclusive range first..last.
func NewPortPool(first, last int) (*PortPool, error) {
	if first < 1 || last > 65535 || first > last {
		return nil, fmt.Errorf("invalid internal port range %d-%d", first, last)
	}
	return &PortPool{
		first:  first,
		size:   last - first + 1,
		leases: make(map[int]struct{}),
		bindable: func(port int) bool {
			return IsPortFree("127.0.0.1", port)
		},
	}, nil
}

// Acquire leases the next port after the previous lease that is neither
// leased nor bound, wrapping around the range once.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n := 0; n < p.size; n++ {
		port := p.first + (p.cursor+n)%p.size
		if _, leased := p.leases[port]; leased || !p.bindable(port) {
			continue
		}
		p.leases[port] = struct{}{}
		p.cursor = (port - p.first + 1) % p.size
		return port, nil
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, p.first, p.first+p.size-1)
}

// Release ends a lease. Ports outside the pool are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leases, port)
}

func (p *PortPool) Leased(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.leases[port]
	return ok
}

// IsPortFree reports whether a TCP listener can be bound on host:port.
func IsPortFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// FreePort asks the kernel for an unused ephemeral port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
