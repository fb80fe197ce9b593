package fleet

import (
	"errors"
	"fmt"
	"sync"
)

// portsPerContainer is the SSH port plus the agent protocol port.
const portsPerContainer = 2

// ErrPortsExhausted is returned when the port range has no free ports left.
var ErrPortsExhausted = errors.New("port range exhausted")

// PortAllocator hands out host ports from a fixed range. A port stays with
// its owner until Release; it is never issued to anyone else meanwhile.
// All methods are safe for concurrent use.
type PortAllocator struct {
	mu     sync.Mutex
	min    int
	max    int
	next   int
	owners map[int]string
	byOwn  map[string][]int
}

// NewPortAllocator creates an allocator over the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:    min,
		max:    max,
		next:   min,
		owners: make(map[int]string),
		byOwn:  make(map[string][]int),
	}
}

// Allocate reserves n ports for owner. Allocation is all-or-nothing. An
// owner that already holds ports must release them first.
func (a *PortAllocator) Allocate(owner string, n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byOwn[owner]; ok {
		return nil, fmt.Errorf("owner %s already holds ports", owner)
	}
	size := a.max - a.min + 1
	if size-len(a.owners) < n {
		return nil, fmt.Errorf("allocating %d ports in %d-%d: %w", n, a.min, a.max, ErrPortsExhausted)
	}

	ports := make([]int, 0, n)
	p := a.next
	for scanned := 0; len(ports) < n && scanned < size; scanned++ {
		if _, used := a.owners[p]; !used {
			ports = append(ports, p)
		}
		p++
		if p > a.max {
			p = a.min
		}
	}
	if len(ports) < n {
		return nil, fmt.Errorf("allocating %d ports in %d-%d: %w", n, a.min, a.max, ErrPortsExhausted)
	}
	for _, port := range ports {
		a.owners[port] = owner
	}
	a.byOwn[owner] = ports
	a.next = p
	return append([]int(nil), ports...), nil
}

// Release returns owner's ports to the pool. Releasing an unknown owner is a no-op.
func (a *PortAllocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, port := range a.byOwn[owner] {
		delete(a.owners, port)
	}
	delete(a.byOwn, owner)
}

// InUse reports how many ports are currently allocated.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Owner returns the owner holding port, if any.
func (a *PortAllocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.owners[port]
	return o, ok
}
