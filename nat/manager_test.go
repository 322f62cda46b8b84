package nat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMapper struct {
	mu       sync.Mutex
	mappings map[int]int // external -> internal
	addCalls int
	delCalls int
	failAdd  error
	extIP    net.IP
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mappings: make(map[int]int),
		extIP:    net.IPv4(203, 0, 113, 7),
	}
}

func (f *fakeMapper) Name() string { return "fake" }

func (f *fakeMapper) AddMapping(_ context.Context, proto string, internalPort, externalPort int, lease time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.failAdd != nil {
		return 0, f.failAdd
	}
	if externalPort == 0 {
		externalPort = internalPort
	}
	f.mappings[externalPort] = internalPort
	return externalPort, nil
}

func (f *fakeMapper) DeleteMapping(_ context.Context, proto string, externalPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delCalls++
	delete(f.mappings, externalPort)
	return nil
}

func (f *fakeMapper) ExternalIP(_ context.Context) (net.IP, error) {
	return f.extIP, nil
}

func TestManagerAddPortMapping(t *testing.T) {
	fake := newFakeMapper()
	mgr := newManagerWithMapper(fake)

	granted, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	require.NoError(t, err)
	assert.Equal(t, 40000, granted)
	assert.Equal(t, 1, mgr.MappingCount())
}

func TestManagerAddWithoutGateway(t *testing.T) {
	mgr := NewManager()
	assert.False(t, mgr.IsAvailable())

	_, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestManagerAddFailurePropagates(t *testing.T) {
	fake := newFakeMapper()
	fake.failAdd = errors.New("gateway says no")
	mgr := newManagerWithMapper(fake)

	_, err := mgr.AddPortMapping(context.Background(), "TCP", 40000, 40000)
	require.Error(t, err)
	assert.Equal(t, 0, mgr.MappingCount())
}

func TestManagerDeletePortMapping(t *testing.T) {
	fake := newFakeMapper()
	mgr := newManagerWithMapper(fake)

	granted, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	require.NoError(t, err)

	require.NoError(t, mgr.DeletePortMapping(context.Background(), "UDP", granted))
	assert.Equal(t, 0, mgr.MappingCount())
	assert.Equal(t, 1, fake.delCalls)
}

func TestManagerDeleteUnknownMapping(t *testing.T) {
	mgr := newManagerWithMapper(newFakeMapper())

	err := mgr.DeletePortMapping(context.Background(), "UDP", 12345)
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestManagerRefreshRestartsLease(t *testing.T) {
	fake := newFakeMapper()
	mgr := newManagerWithMapper(fake)

	granted, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	require.NoError(t, err)

	mgr.mu.Lock()
	mapping := mgr.mappings[mappingKey{"UDP", granted}]
	mapping.CreatedAt = time.Now().Add(-50 * time.Minute)
	mgr.mu.Unlock()

	require.NoError(t, mgr.RefreshPortMapping(context.Background(), "UDP", granted))

	mgr.mu.Lock()
	age := time.Since(mapping.CreatedAt)
	mgr.mu.Unlock()
	assert.Less(t, age, time.Minute)
	assert.Equal(t, 2, fake.addCalls)
}

func TestManagerRefreshUnknownMapping(t *testing.T) {
	mgr := newManagerWithMapper(newFakeMapper())

	err := mgr.RefreshPortMapping(context.Background(), "UDP", 12345)
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestManagerRenewDueOnlyRefreshesOldMappings(t *testing.T) {
	fake := newFakeMapper()
	mgr := newManagerWithMapper(fake)

	fresh, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	require.NoError(t, err)
	stale, err := mgr.AddPortMapping(context.Background(), "UDP", 40001, 40001)
	require.NoError(t, err)

	mgr.mu.Lock()
	mgr.mappings[mappingKey{"UDP", stale}].CreatedAt = time.Now().Add(-50 * time.Minute)
	mgr.mu.Unlock()

	calls := fake.addCalls
	mgr.renewDue(context.Background())
	assert.Equal(t, calls+1, fake.addCalls, "only the stale mapping renews")

	_ = fresh
}

func TestManagerExternalIP(t *testing.T) {
	mgr := newManagerWithMapper(newFakeMapper())

	ip, err := mgr.GetExternalIPAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(203, 0, 113, 7), ip)
}

func TestManagerCleanupWithdrawsEverything(t *testing.T) {
	fake := newFakeMapper()
	mgr := newManagerWithMapper(fake)

	_, err := mgr.AddPortMapping(context.Background(), "UDP", 40000, 40000)
	require.NoError(t, err)
	_, err = mgr.AddPortMapping(context.Background(), "TCP", 40001, 40001)
	require.NoError(t, err)

	mgr.Cleanup(context.Background())
	assert.Equal(t, 0, mgr.MappingCount())
	assert.Equal(t, 2, fake.delCalls)
}

func TestManagerCleanupWithoutDiscovery(t *testing.T) {
	mgr := NewManager()
	mgr.Cleanup(context.Background()) // must not panic
	assert.False(t, mgr.IsAvailable())
}
