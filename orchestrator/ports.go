package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// PortPool hands out distinct local ports to concurrent sessions.
type PortPool struct {
	free chan int

	mu    sync.Mutex
	inUse map[int]bool
}

// NewPortPool returns a pool of size ports starting at base.
func NewPortPool(base, size int) (*PortPool, error) {
	if base <= 0 || base > 65535 {
		return nil, fmt.Errorf("orchestrator: invalid port base %d", base)
	}
	if size <= 0 || base+size-1 > 65535 {
		return nil, fmt.Errorf("orchestrator: invalid port pool size %d", size)
	}
	p := &PortPool{free: make(chan int, size), inUse: make(map[int]bool, size)}
	for port := base; port < base+size; port++ {
		p.free <- port
		p.inUse[port] = false
	}
	return p, nil
}

// Size is the number of ports in the pool.
func (p *PortPool) Size() int {
	return cap(p.free)
}

// Acquire waits for a free port.
func (p *PortPool) Acquire(ctx context.Context) (int, error) {
	select {
	case port := <-p.free:
		p.mu.Lock()
		p.inUse[port] = true
		p.mu.Unlock()
		return port, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("orchestrator: no free port: %w", ctx.Err())
	}
}

// Release returns an acquired port to the pool.
func (p *PortPool) Release(port int) error {
	p.mu.Lock()
	used, ok := p.inUse[port]
	if !ok || !used {
		p.mu.Unlock()
		return fmt.Errorf("orchestrator: port %d is not acquired from this pool", port)
	}
	p.inUse[port] = false
	p.mu.Unlock()
	p.free <- port
	return nil
}
