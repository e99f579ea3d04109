package lib

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// PortPool hands out local UDP ports from [lower, upper] in shuffled
// order. Free ports sit in a ring: allocation takes from the head,
// returned ports join the tail, so a just released port is reused last.
type PortPool struct {
	mu     sync.Mutex
	lower  int
	upper  int
	free   []int
	head   int
	count  int
	leased map[int]struct{}
}

func NewPortPool(lower, upper int) *PortPool {
	size := upper - lower + 1
	free := make([]int, size)
	for i, off := range rand.Perm(size) {
		free[i] = lower + off
	}
	return &PortPool{
		lower:  lower,
		upper:  upper,
		free:   free,
		count:  size,
		leased: make(map[int]struct{}, size),
	}
}

// AllocatePort leases the next free port.
func (p *PortPool) AllocatePort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return 0, fmt.Errorf("no free port in %d-%d", p.lower, p.upper)
	}
	port := p.free[p.head]
	p.head = (p.head + 1) % len(p.free)
	p.count--
	p.leased[port] = struct{}{}
	return port, nil
}

// ReturnPort releases a leased port.
func (p *PortPool) ReturnPort(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[port]; !ok {
		return fmt.Errorf("port %d is not leased from %d-%d", port, p.lower, p.upper)
	}
	delete(p.leased, port)
	p.free[(p.head+p.count)%len(p.free)] = port
	p.count++
	return nil
}

func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ListenUDP binds ip to a leased port, trying up to attempts ports. Ports
// that fail to bind go back to the pool. Release the bound port with
// ReturnPort after closing the socket.
func (p *PortPool) ListenUDP(ip net.IP, attempts int) (*net.UDPConn, int, error) {
	var errs []error
	for range attempts {
		port, err := p.AllocatePort()
		if err != nil {
			errs = append(errs, err)
			break
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, port, nil
		}
		errs = append(errs, err)
		if err := p.ReturnPort(port); err != nil {
			LogWarning("Returning port %d: %v", port, err)
		}
	}
	return nil, 0, fmt.Errorf("binding %s: %w", ip, errors.Join(errs...))
}
