package intercept

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/vsock"
)

var (
	// ErrNotIntercepted signals the caller to fall through to the real
	// socket syscall: the descriptor is not LDN-managed.
	ErrNotIntercepted = errors.New("intercept: descriptor not intercepted")
	// ErrNotSupported mirrors ENOTSUP for option combinations a virtual
	// socket cannot honor.
	ErrNotSupported = errors.New("intercept: operation not supported on virtual socket")
	// ErrNotConnected mirrors ENOTCONN.
	ErrNotConnected = errors.New("intercept: socket not connected")
)

// Forwarder carries virtual-socket traffic toward the relay link. It is
// implemented by the relay client.
type Forwarder interface {
	ForwardData(src, dst proxy.Endpoint, proto ports.Protocol, payload []byte) error
	ForwardConnect(src, dst proxy.Endpoint) error
	ForwardConnectReply(src, dst proxy.Endpoint, result byte) error
	ForwardDisconnect(ep proxy.Endpoint) error
}

// Socket option and control constants exposed at the interception boundary.
const (
	SolSocket = 0xffff

	SoReuseAddr = 0x0004
	SoBroadcast = 0x0020
	SoType      = 0x1008
	SoError     = 0x1007

	FioNRead = 0x4004667f

	FGetFl    = 3
	FSetFl    = 4
	ONonblock = 0x0800

	ShutRd   = 0
	ShutWr   = 1
	ShutRdWr = 2

	PollIn  int16 = 0x0001
	PollOut int16 = 0x0004
)

// PollFD mirrors the poll(2) interest/result pair for a virtual descriptor.
type PollFD struct {
	FD      int32
	Events  int16
	Revents int16
}

// Interceptor routes LDN-flagged guest socket calls onto the virtual socket
// table and the relay forwarder. Calls on descriptors it does not manage
// return ErrNotIntercepted so the host glue can fall through to the kernel.
type Interceptor struct {
	policy Policy
	table  *vsock.Table
	fwd    Forwarder
	mtu    int

	mu        sync.Mutex
	onIdle    func(owner string)
	pollEvery time.Duration
}

// NewInterceptor wires the interception layer to a socket table and relay
// forwarder.
func NewInterceptor(policy Policy, table *vsock.Table, fwd Forwarder, mtu int) *Interceptor {
	if mtu <= 0 {
		mtu = proxy.DefaultMTU
	}
	return &Interceptor{
		policy:    policy,
		table:     table,
		fwd:       fwd,
		mtu:       mtu,
		pollEvery: 5 * time.Millisecond,
	}
}

// OnOwnerIdle registers a callback invoked when Close removes an owner's
// last virtual socket, so the session layer can tear down.
func (ix *Interceptor) OnOwnerIdle(fn func(owner string)) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.onIdle = fn
}

func ownerFor(programID uint64) string {
	return "program:" + strconv.FormatUint(programID, 16)
}

// Socket creates a virtual socket when the requesting program is LDN-managed.
// The second return value is false when the call must fall through to the
// real socket syscall.
func (ix *Interceptor) Socket(programID uint64, proto ports.Protocol) (int32, bool, error) {
	if !ix.policy.ShouldMitm(programID) {
		return 0, false, nil
	}
	s := ix.table.Create(ownerFor(programID), proto)
	return s.FD(), true, nil
}

// Handles reports whether the descriptor is LDN-managed.
func (ix *Interceptor) Handles(fd int32) bool {
	_, ok := ix.table.Get(fd)
	return ok
}

func (ix *Interceptor) socket(fd int32) (*vsock.Socket, error) {
	s, ok := ix.table.Get(fd)
	if !ok {
		return nil, ErrNotIntercepted
	}
	return s, nil
}

// Bind leases the requested local endpoint for the virtual socket.
func (ix *Interceptor) Bind(fd int32, local proxy.Endpoint) error {
	if _, err := ix.socket(fd); err != nil {
		return err
	}
	_, err := ix.table.Bind(fd, local)
	return err
}

// Connect records the remote endpoint and announces the connection over the
// relay. Completion is optimistic; a refused ConnectReply later tears the
// socket down.
func (ix *Interceptor) Connect(fd int32, remote proxy.Endpoint) error {
	if _, err := ix.socket(fd); err != nil {
		return err
	}
	local, err := ix.table.Connect(fd, remote)
	if err != nil {
		return err
	}
	return ix.fwd.ForwardConnect(local, remote)
}

// Accept pops a pending inbound connection from a listening socket,
// acknowledges it to the peer and returns the new descriptor.
func (ix *Interceptor) Accept(fd int32) (int32, proxy.Endpoint, error) {
	if _, err := ix.socket(fd); err != nil {
		return 0, proxy.Endpoint{}, err
	}
	conn, peer, err := ix.table.Accept(fd)
	if err != nil {
		return 0, proxy.Endpoint{}, err
	}
	if err := ix.fwd.ForwardConnectReply(conn.LocalEndpoint(), peer, proxy.ResultSuccess); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"fd":       fd,
			"peer":     peer.String(),
			"error":    err.Error(),
		}).Warn("Failed to acknowledge accepted connection")
	}
	return conn.FD(), peer, nil
}

// Send writes to a connected socket, fragmenting by the negotiated MTU.
// Fragmentation happens here, never in the dispatcher.
func (ix *Interceptor) Send(fd int32, data []byte) (int, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return 0, err
	}
	if s.State() != vsock.StateConnected {
		return 0, ErrNotConnected
	}
	return ix.sendFragments(s, s.RemoteEndpoint(), data)
}

// SendTo writes a datagram to an explicit destination, auto-binding an
// ephemeral local endpoint if needed.
func (ix *Interceptor) SendTo(fd int32, data []byte, to proxy.Endpoint) (int, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return 0, err
	}
	if s.State() == vsock.StateCreated {
		if _, err := ix.table.Bind(fd, proxy.Endpoint{}); err != nil {
			return 0, err
		}
	}
	return ix.sendFragments(s, to, data)
}

func (ix *Interceptor) sendFragments(s *vsock.Socket, dst proxy.Endpoint, data []byte) (int, error) {
	src := s.LocalEndpoint()
	proto := s.Protocol()

	sent := 0
	for sent < len(data) || len(data) == 0 {
		end := sent + ix.mtu
		if end > len(data) {
			end = len(data)
		}
		if err := ix.fwd.ForwardData(src, dst, proto, data[sent:end]); err != nil {
			return sent, err
		}
		sent = end
		if len(data) == 0 {
			break
		}
	}
	return len(data), nil
}

// Recv reads the oldest queued datagram from a connected socket.
func (ix *Interceptor) Recv(fd int32, buf []byte) (int, error) {
	n, _, err := ix.RecvFrom(fd, buf)
	return n, err
}

// RecvFrom reads the oldest queued datagram and its source endpoint. When no
// data is queued it reports vsock.ErrWouldBlock, which the host glue maps to
// EAGAIN; readiness is observed through Select or Poll.
func (ix *Interceptor) RecvFrom(fd int32, buf []byte) (int, proxy.Endpoint, error) {
	if _, err := ix.socket(fd); err != nil {
		return 0, proxy.Endpoint{}, err
	}
	d, err := ix.table.Recv(fd)
	if err != nil {
		return 0, proxy.Endpoint{}, err
	}
	n := copy(buf, d.Payload)
	return n, d.From, nil
}

// Read mirrors read(2) on a virtual descriptor.
func (ix *Interceptor) Read(fd int32, buf []byte) (int, error) {
	return ix.Recv(fd, buf)
}

// Write mirrors write(2) on a virtual descriptor.
func (ix *Interceptor) Write(fd int32, data []byte) (int, error) {
	return ix.Send(fd, data)
}

// Close destroys the virtual socket, releases its port lease and announces
// the teardown. Closing the owner's last socket fires the idle callback.
func (ix *Interceptor) Close(fd int32) error {
	s, err := ix.socket(fd)
	if err != nil {
		return err
	}

	owner := s.Owner()
	local := s.LocalEndpoint()
	hadLease := s.State() == vsock.StateBound || s.State() == vsock.StateConnected

	if err := ix.table.Close(fd); err != nil {
		return err
	}

	if hadLease {
		if err := ix.fwd.ForwardDisconnect(local); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"fd":       fd,
				"error":    err.Error(),
			}).Debug("Disconnect announcement failed")
		}
	}

	if ix.table.OwnedCount(owner) == 0 {
		ix.mu.Lock()
		onIdle := ix.onIdle
		ix.mu.Unlock()
		if onIdle != nil {
			onIdle(owner)
		}
	}
	return nil
}

// Deliver queues inbound relay traffic on the socket bound to dst. It is the
// entry point used by the relay client's Data handler.
func (ix *Interceptor) Deliver(proto ports.Protocol, dst, from proxy.Endpoint, payload []byte) error {
	return ix.table.Deliver(proto, dst, from, payload)
}

// DeliverConnect queues an inbound connection request on the listener bound
// to dst, replying with a refusal when no listener matches.
func (ix *Interceptor) DeliverConnect(proto ports.Protocol, dst, from proxy.Endpoint) error {
	if err := ix.table.DeliverConnect(proto, dst, from); err != nil {
		if replyErr := ix.fwd.ForwardConnectReply(dst, from, proxy.ResultRefused); replyErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DeliverConnect",
				"dst":      dst.String(),
				"error":    replyErr.Error(),
			}).Debug("Connect refusal failed to send")
		}
		return err
	}
	return nil
}

// DupTo transfers descriptor ownership to another program without
// duplicating the underlying socket.
func (ix *Interceptor) DupTo(fd int32, targetProgramID uint64) error {
	if _, err := ix.socket(fd); err != nil {
		return err
	}
	return ix.table.Transfer(fd, ownerFor(targetProgramID))
}

// SetSockOpt honors the option combinations a virtual socket can express and
// reports ErrNotSupported for the rest, mirroring ENOTSUP.
func (ix *Interceptor) SetSockOpt(fd int32, level, option int, _ []byte) error {
	if _, err := ix.socket(fd); err != nil {
		return err
	}
	if level != SolSocket {
		return fmt.Errorf("%w: level %#x", ErrNotSupported, level)
	}
	switch option {
	case SoReuseAddr, SoBroadcast:
		return nil // accepted, no effect on a virtual socket
	default:
		return fmt.Errorf("%w: option %#x", ErrNotSupported, option)
	}
}

// GetSockOpt answers the options a virtual socket can report.
func (ix *Interceptor) GetSockOpt(fd int32, level, option int) (int, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return 0, err
	}
	if level != SolSocket {
		return 0, fmt.Errorf("%w: level %#x", ErrNotSupported, level)
	}
	switch option {
	case SoType:
		return int(s.Protocol()), nil
	case SoError:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: option %#x", ErrNotSupported, option)
	}
}

// Ioctl handles FIONREAD; other requests are not supported.
func (ix *Interceptor) Ioctl(fd int32, request uint32) (int, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return 0, err
	}
	if request != FioNRead {
		return 0, fmt.Errorf("%w: ioctl %#x", ErrNotSupported, request)
	}
	return s.PendingBytes(), nil
}

// Fcntl handles the O_NONBLOCK flag; other commands are not supported.
func (ix *Interceptor) Fcntl(fd int32, cmd int, arg int) (int, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return 0, err
	}
	switch cmd {
	case FGetFl:
		if s.NonBlocking() {
			return ONonblock, nil
		}
		return 0, nil
	case FSetFl:
		s.SetNonBlocking(arg&ONonblock != 0)
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: fcntl %d", ErrNotSupported, cmd)
	}
}

// Shutdown discards pending receive data for read shutdowns. Virtual sockets
// buffer no outbound data, so write shutdowns are a no-op.
func (ix *Interceptor) Shutdown(fd int32, how int) error {
	if _, err := ix.socket(fd); err != nil {
		return err
	}
	if how == ShutRd || how == ShutRdWr {
		for {
			if _, err := ix.table.Recv(fd); err != nil {
				break
			}
		}
	}
	return nil
}

// GetSockName returns the bound local endpoint.
func (ix *Interceptor) GetSockName(fd int32) (proxy.Endpoint, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return proxy.Endpoint{}, err
	}
	return s.LocalEndpoint(), nil
}

// GetPeerName returns the connected remote endpoint.
func (ix *Interceptor) GetPeerName(fd int32) (proxy.Endpoint, error) {
	s, err := ix.socket(fd)
	if err != nil {
		return proxy.Endpoint{}, err
	}
	if s.State() != vsock.StateConnected {
		return proxy.Endpoint{}, ErrNotConnected
	}
	return s.RemoteEndpoint(), nil
}

// Poll checks readiness of the given virtual descriptors, waiting up to
// timeout for any to become ready. Virtual sockets are always writable.
func (ix *Interceptor) Poll(fds []PollFD, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		ready := 0
		for i := range fds {
			fds[i].Revents = 0
			s, ok := ix.table.Get(fds[i].FD)
			if !ok {
				continue
			}
			if fds[i].Events&PollIn != 0 && s.Readable() {
				fds[i].Revents |= PollIn
			}
			if fds[i].Events&PollOut != 0 {
				fds[i].Revents |= PollOut
			}
			if fds[i].Revents != 0 {
				ready++
			}
		}
		if ready > 0 || timeout == 0 || time.Now().After(deadline) {
			return ready, nil
		}
		time.Sleep(ix.pollEvery)
	}
}

// Select returns the subset of descriptors with readable data, waiting up to
// timeout for any to become ready.
func (ix *Interceptor) Select(readFDs []int32, timeout time.Duration) ([]int32, error) {
	pfds := make([]PollFD, len(readFDs))
	for i, fd := range readFDs {
		pfds[i] = PollFD{FD: fd, Events: PollIn}
	}
	if _, err := ix.Poll(pfds, timeout); err != nil {
		return nil, err
	}
	var ready []int32
	for _, p := range pfds {
		if p.Revents&PollIn != 0 {
			ready = append(ready, p.FD)
		}
	}
	return ready, nil
}
