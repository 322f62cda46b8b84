// Package vsock owns the virtual sockets that stand in for real OS sockets
// on LDN-routed traffic, and the table mapping virtual descriptors to them.
package vsock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

// State is the lifecycle state of a proxy socket.
type State uint8

const (
	StateCreated State = iota
	StateBound
	StateConnected
	StateClosed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var (
	// ErrBadDescriptor is returned for operations on an unknown or closed
	// virtual descriptor.
	ErrBadDescriptor = errors.New("vsock: bad virtual descriptor")
	// ErrWouldBlock is returned by Recv when no data is queued.
	ErrWouldBlock = errors.New("vsock: operation would block")
	// ErrAlreadyBound is returned when binding a socket twice.
	ErrAlreadyBound = errors.New("vsock: socket already bound")
	// ErrNotFound is returned when no socket matches a delivery endpoint.
	ErrNotFound = errors.New("vsock: no socket for endpoint")
	// ErrRecvQueueFull is returned when a delivery is shed because the
	// receive queue is at capacity.
	ErrRecvQueueFull = errors.New("vsock: receive queue full")
	// ErrInvalidState is returned for operations illegal in the socket's
	// current state.
	ErrInvalidState = errors.New("vsock: invalid socket state")
)

// Datagram is one queued unit of received data with its source endpoint.
type Datagram struct {
	From    proxy.Endpoint
	Payload []byte
}

// Socket is one virtual LDN-routed socket. It is owned exclusively by the
// Table that created it; other components hold it as a non-owning reference.
type Socket struct {
	fd    int32
	proto ports.Protocol

	mu            sync.Mutex
	owner         string
	state         State
	local         proxy.Endpoint
	remote        proxy.Endpoint
	ownsLease     bool
	recvQ         []Datagram
	recvBytes     int
	pendingAccept []proxy.Endpoint
	queueCap      int
	nonBlocking   bool
}

// FD returns the virtual descriptor.
func (s *Socket) FD() int32 { return s.fd }

// Protocol returns the socket's transport protocol.
func (s *Socket) Protocol() ports.Protocol { return s.proto }

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Owner returns the identifier of the owning process or session.
func (s *Socket) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// LocalEndpoint returns the bound local endpoint, zero if unbound.
func (s *Socket) LocalEndpoint() proxy.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteEndpoint returns the connected remote endpoint, zero if unconnected.
func (s *Socket) RemoteEndpoint() proxy.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetNonBlocking toggles non-blocking mode (fcntl O_NONBLOCK).
func (s *Socket) SetNonBlocking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonBlocking = v
}

// NonBlocking reports whether the socket is in non-blocking mode.
func (s *Socket) NonBlocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonBlocking
}

// PendingBytes returns the number of buffered receive bytes (FIONREAD).
func (s *Socket) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvBytes
}

// Readable reports whether a Recv or Accept would make progress.
func (s *Socket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recvQ) > 0 || len(s.pendingAccept) > 0
}

// deliver appends a datagram, shedding it when the queue is at capacity.
func (s *Socket) deliver(d Datagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrBadDescriptor
	}
	if len(s.recvQ) >= s.queueCap {
		return ErrRecvQueueFull
	}
	s.recvQ = append(s.recvQ, d)
	s.recvBytes += len(d.Payload)
	return nil
}

// recv pops the oldest queued datagram.
func (s *Socket) recv() (Datagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Datagram{}, ErrBadDescriptor
	}
	if len(s.recvQ) == 0 {
		return Datagram{}, ErrWouldBlock
	}
	d := s.recvQ[0]
	s.recvQ = s.recvQ[1:]
	s.recvBytes -= len(d.Payload)
	return d, nil
}

// pushAccept queues an inbound connection request on a listening socket.
func (s *Socket) pushAccept(from proxy.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBound {
		return ErrInvalidState
	}
	if len(s.pendingAccept) >= s.queueCap {
		return ErrRecvQueueFull
	}
	s.pendingAccept = append(s.pendingAccept, from)
	return nil
}

// popAccept dequeues the oldest pending connection request.
func (s *Socket) popAccept() (proxy.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingAccept) == 0 {
		return proxy.Endpoint{}, false
	}
	ep := s.pendingAccept[0]
	s.pendingAccept = s.pendingAccept[1:]
	return ep, true
}
