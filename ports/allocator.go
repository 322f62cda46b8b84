// Package ports manages the pool of ephemeral transport ports leased to
// virtual sockets.
//
// A port is leased to at most one socket per protocol at a time. Leases are
// taken on bind/connect and returned on close or forced session teardown;
// Release is idempotent so double cleanup during teardown is harmless.
package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Protocol identifies the transport protocol a lease applies to.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

// String returns the conventional name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

var (
	// ErrPoolExhausted is returned when no port in the configured range is free.
	ErrPoolExhausted = errors.New("ports: ephemeral pool exhausted")
	// ErrPortInUse is returned when a specific port is already leased.
	ErrPortInUse = errors.New("ports: port already in use")
)

// Allocator hands out ports from a configured ephemeral range.
type Allocator struct {
	mu     sync.Mutex
	lo, hi uint16
	leased map[Protocol]map[uint16]bool
}

// DefaultRange is the ephemeral range used when none is configured.
const (
	DefaultRangeLow  uint16 = 49152
	DefaultRangeHigh uint16 = 65535
)

// NewAllocator creates an allocator over the inclusive range [lo, hi].
func NewAllocator(lo, hi uint16) (*Allocator, error) {
	if lo == 0 || hi < lo {
		return nil, fmt.Errorf("ports: invalid range %d-%d", lo, hi)
	}
	return &Allocator{
		lo: lo,
		hi: hi,
		leased: map[Protocol]map[uint16]bool{
			ProtocolTCP: make(map[uint16]bool),
			ProtocolUDP: make(map[uint16]bool),
		},
	}, nil
}

// Allocate leases the lowest free port in the range for the given protocol.
func (a *Allocator) Allocate(proto Protocol) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool := a.leased[proto]
	for port := a.lo; ; port++ {
		if !pool[port] {
			pool[port] = true
			return port, nil
		}
		if port == a.hi {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Allocate",
		"protocol": proto.String(),
		"range_lo": a.lo,
		"range_hi": a.hi,
	}).Warn("Ephemeral port pool exhausted")

	return 0, ErrPoolExhausted
}

// AllocateSpecific leases the requested port, failing only if it is already
// held. The configured range constrains automatic allocation; an explicit
// bind may name any valid port, fixed game ports included.
func (a *Allocator) AllocateSpecific(port uint16, proto Protocol) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port == 0 {
		return 0, fmt.Errorf("ports: port 0 is not leasable")
	}

	pool := a.leased[proto]
	if pool[port] {
		return 0, fmt.Errorf("%w: %s/%d", ErrPortInUse, proto, port)
	}
	pool[port] = true
	return port, nil
}

// Release returns a port to the pool. Releasing an unleased port is a no-op.
func (a *Allocator) Release(port uint16, proto Protocol) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased[proto], port)
}

// IsLeased reports whether the port is currently held for the protocol.
func (a *Allocator) IsLeased(port uint16, proto Protocol) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[proto][port]
}

// LeasedCount returns the number of active leases for the protocol.
func (a *Allocator) LeasedCount(proto Protocol) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased[proto])
}
