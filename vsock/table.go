package vsock

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

type localKey struct {
	proto ports.Protocol
	ep    proxy.Endpoint
}

// Table owns every proxy socket by virtual descriptor and indexes them by
// bound local endpoint for inbound delivery. Port leases are taken from the
// allocator on bind and returned on close, including forced teardown.
type Table struct {
	mu       sync.RWMutex
	alloc    *ports.Allocator
	sockets  map[int32]*Socket
	byLocal  map[localKey]int32
	nextFD   int32
	queueCap int
}

// DefaultRecvQueueCap bounds a socket's receive queue unless configured.
const DefaultRecvQueueCap = 64

// NewTable creates a socket table backed by the given port allocator.
func NewTable(alloc *ports.Allocator, queueCap int) *Table {
	if queueCap <= 0 {
		queueCap = DefaultRecvQueueCap
	}
	return &Table{
		alloc:    alloc,
		sockets:  make(map[int32]*Socket),
		byLocal:  make(map[localKey]int32),
		nextFD:   1,
		queueCap: queueCap,
	}
}

// Create allocates a new proxy socket owned by the given process or session.
func (t *Table) Create(owner string, proto ports.Protocol) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Socket{
		fd:       t.nextFD,
		proto:    proto,
		owner:    owner,
		state:    StateCreated,
		queueCap: t.queueCap,
	}
	t.nextFD++
	t.sockets[s.fd] = s

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"fd":       s.fd,
		"owner":    owner,
		"protocol": proto.String(),
	}).Debug("Proxy socket created")

	return s
}

// Get returns the socket for a virtual descriptor.
func (t *Table) Get(fd int32) (*Socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sockets[fd]
	return s, ok
}

// Bind leases the requested local endpoint for the socket. A zero port takes
// the lowest free ephemeral port.
func (t *Table) Bind(fd int32, local proxy.Endpoint) (proxy.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sockets[fd]
	if !ok {
		return proxy.Endpoint{}, ErrBadDescriptor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		if s.state == StateBound || s.state == StateConnected {
			return proxy.Endpoint{}, ErrAlreadyBound
		}
		return proxy.Endpoint{}, ErrInvalidState
	}

	var (
		port uint16
		err  error
	)
	if local.Port == 0 {
		port, err = t.alloc.Allocate(s.proto)
	} else {
		port, err = t.alloc.AllocateSpecific(local.Port, s.proto)
	}
	if err != nil {
		return proxy.Endpoint{}, err
	}

	local.Port = port
	s.local = local
	s.ownsLease = true
	s.state = StateBound
	t.byLocal[localKey{proto: s.proto, ep: local}] = fd
	return local, nil
}

// Connect records the remote endpoint, auto-binding an ephemeral local
// endpoint first if the socket is unbound.
func (t *Table) Connect(fd int32, remote proxy.Endpoint) (proxy.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sockets[fd]
	if !ok {
		return proxy.Endpoint{}, ErrBadDescriptor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
		port, err := t.alloc.Allocate(s.proto)
		if err != nil {
			return proxy.Endpoint{}, err
		}
		s.local = proxy.Endpoint{Port: port}
		s.ownsLease = true
		t.byLocal[localKey{proto: s.proto, ep: s.local}] = fd
	case StateBound:
		// keep the existing lease
	default:
		return proxy.Endpoint{}, ErrInvalidState
	}

	s.remote = remote
	s.state = StateConnected
	return s.local, nil
}

// lookupLocal finds the descriptor serving an endpoint: an exact match first,
// then a wildcard-address bind on the same port.
func (t *Table) lookupLocal(proto ports.Protocol, ep proxy.Endpoint) (*Socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fd, ok := t.byLocal[localKey{proto: proto, ep: ep}]; ok {
		return t.sockets[fd], true
	}
	wildcard := proxy.Endpoint{Port: ep.Port}
	if fd, ok := t.byLocal[localKey{proto: proto, ep: wildcard}]; ok {
		return t.sockets[fd], true
	}
	return nil, false
}

// Deliver queues an inbound datagram on the socket bound to dst. Deliveries
// to unknown endpoints or full queues are shed with a diagnostic.
func (t *Table) Deliver(proto ports.Protocol, dst, from proxy.Endpoint, payload []byte) error {
	s, ok := t.lookupLocal(proto, dst)
	if !ok {
		return ErrNotFound
	}

	if err := s.deliver(Datagram{From: from, Payload: payload}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Deliver",
			"fd":       s.fd,
			"dst":      dst.String(),
			"error":    err.Error(),
		}).Warn("Shedding inbound datagram")
		return err
	}
	return nil
}

// DeliverConnect queues an inbound connection request on the listener bound
// to dst.
func (t *Table) DeliverConnect(proto ports.Protocol, dst, from proxy.Endpoint) error {
	s, ok := t.lookupLocal(proto, dst)
	if !ok {
		return ErrNotFound
	}
	return s.pushAccept(from)
}

// Recv pops the oldest datagram queued for the descriptor.
func (t *Table) Recv(fd int32) (Datagram, error) {
	t.mu.RLock()
	s, ok := t.sockets[fd]
	t.mu.RUnlock()
	if !ok {
		return Datagram{}, ErrBadDescriptor
	}
	return s.recv()
}

// Accept pops a pending inbound connection request from a listening socket
// and materializes a new connected socket for it.
func (t *Table) Accept(fd int32) (*Socket, proxy.Endpoint, error) {
	t.mu.RLock()
	listener, ok := t.sockets[fd]
	t.mu.RUnlock()
	if !ok {
		return nil, proxy.Endpoint{}, ErrBadDescriptor
	}

	peer, ok := listener.popAccept()
	if !ok {
		return nil, proxy.Endpoint{}, ErrWouldBlock
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	listener.mu.Lock()
	owner := listener.owner
	local := listener.local
	listener.mu.Unlock()

	// The accepted socket shares the listener's endpoint but the lease and
	// the byLocal route stay with the listener; closing the accepted side
	// must not free the listener's port.
	conn := &Socket{
		fd:       t.nextFD,
		proto:    listener.proto,
		owner:    owner,
		state:    StateConnected,
		local:    local,
		remote:   peer,
		queueCap: t.queueCap,
	}
	t.nextFD++
	t.sockets[conn.fd] = conn
	return conn, peer, nil
}

// Transfer moves descriptor ownership to another process identifier without
// duplicating the socket.
func (t *Table) Transfer(fd int32, newOwner string) error {
	t.mu.RLock()
	s, ok := t.sockets[fd]
	t.mu.RUnlock()
	if !ok {
		return ErrBadDescriptor
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = newOwner
	return nil
}

// Close destroys the socket and returns its port lease to the pool. Closing
// an unknown descriptor reports ErrBadDescriptor.
func (t *Table) Close(fd int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(fd)
}

func (t *Table) closeLocked(fd int32) error {
	s, ok := t.sockets[fd]
	if !ok {
		return ErrBadDescriptor
	}

	s.mu.Lock()
	if s.ownsLease {
		key := localKey{proto: s.proto, ep: s.local}
		if t.byLocal[key] == fd {
			delete(t.byLocal, key)
		}
		t.alloc.Release(s.local.Port, s.proto)
		s.ownsLease = false
	}
	s.state = StateClosed
	s.recvQ = nil
	s.recvBytes = 0
	s.pendingAccept = nil
	s.mu.Unlock()

	delete(t.sockets, fd)

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"fd":       fd,
	}).Debug("Proxy socket closed")

	return nil
}

// CloseOwnedBy force-closes every socket belonging to an owner, releasing all
// of its port leases. Used on session teardown; safe to repeat.
func (t *Table) CloseOwnedBy(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []int32
	for fd, s := range t.sockets {
		s.mu.Lock()
		match := s.owner == owner
		s.mu.Unlock()
		if match {
			victims = append(victims, fd)
		}
	}
	for _, fd := range victims {
		_ = t.closeLocked(fd)
	}

	if len(victims) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CloseOwnedBy",
			"owner":    owner,
			"count":    len(victims),
		}).Info("Released sockets on owner teardown")
	}
	return len(victims)
}

// OwnedCount returns the number of live sockets belonging to an owner.
func (t *Table) OwnedCount(owner string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.sockets {
		s.mu.Lock()
		if s.owner == owner {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Count returns the number of live sockets in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sockets)
}
