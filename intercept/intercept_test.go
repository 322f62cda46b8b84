package intercept

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/vsock"
)

type forwarded struct {
	src, dst proxy.Endpoint
	proto    ports.Protocol
	payload  []byte
}

type mockForwarder struct {
	mu          sync.Mutex
	data        []forwarded
	connects    []forwarded
	replies     []byte
	disconnects []proxy.Endpoint
}

func (m *mockForwarder) ForwardData(src, dst proxy.Endpoint, proto ports.Protocol, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.data = append(m.data, forwarded{src: src, dst: dst, proto: proto, payload: cp})
	return nil
}

func (m *mockForwarder) ForwardConnect(src, dst proxy.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, forwarded{src: src, dst: dst})
	return nil
}

func (m *mockForwarder) ForwardConnectReply(src, dst proxy.Endpoint, result byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, result)
	return nil
}

func (m *mockForwarder) ForwardDisconnect(ep proxy.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, ep)
	return nil
}

const ldnProgram uint64 = 0x0100000000001000

func newTestInterceptor(t *testing.T) (*Interceptor, *mockForwarder, *ports.Allocator) {
	t.Helper()
	alloc, err := ports.NewAllocator(50000, 50100)
	require.NoError(t, err)
	table := vsock.NewTable(alloc, 8)
	fwd := &mockForwarder{}
	ix := NewInterceptor(NewProgramPolicy(ldnProgram), table, fwd, 100)
	return ix, fwd, alloc
}

func TestInterceptor_PolicyPassthrough(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	_, intercepted, err := ix.Socket(0xdeadbeef, ports.ProtocolUDP)
	require.NoError(t, err)
	assert.False(t, intercepted, "non-LDN program must fall through to the kernel")

	fd, intercepted, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	assert.True(t, intercepted)
	assert.True(t, ix.Handles(fd))
}

func TestInterceptor_UnknownDescriptorFallsThrough(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)
	err := ix.Bind(42, proxy.Endpoint{})
	assert.ErrorIs(t, err, ErrNotIntercepted)
}

func TestInterceptor_SendFragmentsByMTU(t *testing.T) {
	ix, fwd, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	remote := proxy.Endpoint{Addr: [4]byte{10, 13, 0, 9}, Port: 50042}
	require.NoError(t, ix.Connect(fd, remote))

	payload := make([]byte, 250) // mtu is 100 in the test fixture
	n, err := ix.Send(fd, payload)
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	require.Len(t, fwd.data, 3)
	assert.Len(t, fwd.data[0].payload, 100)
	assert.Len(t, fwd.data[1].payload, 100)
	assert.Len(t, fwd.data[2].payload, 50)
	assert.Equal(t, remote, fwd.data[0].dst)
}

func TestInterceptor_SendToAutoBinds(t *testing.T) {
	ix, fwd, alloc := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)

	to := proxy.Endpoint{Addr: [4]byte{10, 13, 0, 3}, Port: 50050}
	_, err = ix.SendTo(fd, []byte("dgram"), to)
	require.NoError(t, err)

	local, err := ix.GetSockName(fd)
	require.NoError(t, err)
	assert.NotZero(t, local.Port)
	assert.True(t, alloc.IsLeased(local.Port, ports.ProtocolUDP))
	require.Len(t, fwd.data, 1)
	assert.Equal(t, to, fwd.data[0].dst)
}

func TestInterceptor_CloseReleasesPortAndNotifiesIdle(t *testing.T) {
	ix, fwd, alloc := newTestInterceptor(t)

	var idleOwner string
	ix.OnOwnerIdle(func(owner string) { idleOwner = owner })

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, ix.Bind(fd, proxy.Endpoint{}))

	local, err := ix.GetSockName(fd)
	require.NoError(t, err)

	require.NoError(t, ix.Close(fd))
	assert.False(t, alloc.IsLeased(local.Port, ports.ProtocolUDP))
	assert.NotEmpty(t, idleOwner, "closing the last socket must fire the idle callback")
	require.Len(t, fwd.disconnects, 1)
	assert.Equal(t, local, fwd.disconnects[0])
}

func TestInterceptor_SetSockOptUnsupported(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolTCP)
	require.NoError(t, err)

	assert.NoError(t, ix.SetSockOpt(fd, SolSocket, SoReuseAddr, nil))
	assert.ErrorIs(t, ix.SetSockOpt(fd, SolSocket, 0x9999, nil), ErrNotSupported)
	assert.ErrorIs(t, ix.SetSockOpt(fd, 41 /* IPPROTO_IPV6 */, 1, nil), ErrNotSupported)
}

func TestInterceptor_IoctlFionread(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, ix.Bind(fd, proxy.Endpoint{Port: 50060}))

	n, err := ix.Ioctl(fd, FioNRead)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = ix.Ioctl(fd, 0x1234)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestInterceptor_FcntlNonBlocking(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)

	fl, err := ix.Fcntl(fd, FGetFl, 0)
	require.NoError(t, err)
	assert.Zero(t, fl&ONonblock)

	_, err = ix.Fcntl(fd, FSetFl, ONonblock)
	require.NoError(t, err)

	fl, err = ix.Fcntl(fd, FGetFl, 0)
	require.NoError(t, err)
	assert.NotZero(t, fl&ONonblock)
}

func TestInterceptor_DupToTransfersOwnership(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, ix.DupTo(fd, 0x0100000000002000))

	// Still the same descriptor, still intercepted.
	assert.True(t, ix.Handles(fd))
}

func TestInterceptor_SelectReadiness(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, ix.Bind(fd, proxy.Endpoint{Port: 50070}))

	ready, err := ix.Select([]int32{fd}, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// Deliver a datagram while Select waits on readiness.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = deliverHelper(ix, proxy.Endpoint{Port: 50070})
	}()

	ready, err = ix.Select([]int32{fd}, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int32{fd}, ready)
}

// deliverHelper pushes a datagram through the table the way the relay client
// delivery handler does.
func deliverHelper(ix *Interceptor, dst proxy.Endpoint) error {
	return ix.Deliver(ports.ProtocolUDP, dst, proxy.Endpoint{Addr: [4]byte{10, 13, 0, 9}, Port: 1}, []byte("ping"))
}

func TestInterceptor_RecvWouldBlock(t *testing.T) {
	ix, _, _ := newTestInterceptor(t)

	fd, _, err := ix.Socket(ldnProgram, ports.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, ix.Bind(fd, proxy.Endpoint{Port: 50080}))

	buf := make([]byte, 16)
	_, _, err = ix.RecvFrom(fd, buf)
	assert.ErrorIs(t, err, vsock.ErrWouldBlock)
}
