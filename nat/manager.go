// Package nat holds port mappings open on the local gateway so a peer can
// be reached directly instead of through the relay. UPnP is tried first,
// NAT-PMP second; when neither answers, traversal is reported unavailable
// and callers stay on the relay path.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/internal/obs"
)

var (
	// ErrNoGateway is returned when no mapping protocol is available.
	ErrNoGateway = errors.New("nat: no gateway supports port mapping")
	// ErrMappingNotFound is returned when refreshing or deleting a
	// mapping the manager does not hold.
	ErrMappingNotFound = errors.New("nat: mapping not found")
)

// DefaultLeaseDuration is requested for every mapping. Mappings are renewed
// at two thirds of the lease so a missed renewal still leaves headroom.
const DefaultLeaseDuration = time.Hour

// DefaultDiscoverTimeout bounds gateway discovery. Discovery on a network
// with no IGD otherwise blocks for many seconds.
const DefaultDiscoverTimeout = 3 * time.Second

// Mapper is one gateway port-mapping protocol.
type Mapper interface {
	// AddMapping requests external:internal forwarding for a lease and
	// returns the external port actually granted.
	AddMapping(ctx context.Context, proto string, internalPort, externalPort int, lease time.Duration) (int, error)
	// DeleteMapping withdraws a mapping.
	DeleteMapping(ctx context.Context, proto string, externalPort int) error
	// ExternalIP returns the gateway's public address.
	ExternalIP(ctx context.Context) (net.IP, error)
	// Name identifies the protocol for logs.
	Name() string
}

// Mapping is one held gateway mapping.
type Mapping struct {
	Protocol     string
	InternalPort int
	ExternalPort int
	Lease        time.Duration
	CreatedAt    time.Time
}

type mappingKey struct {
	proto string
	port  int
}

// Manager discovers a mapping-capable gateway and keeps mappings renewed
// until Cleanup.
type Manager struct {
	discoverTimeout time.Duration

	mu       sync.Mutex
	mapper   Mapper
	mappings map[mappingKey]*Mapping

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. Discover must run before mappings can be
// added.
func NewManager() *Manager {
	return &Manager{
		discoverTimeout: DefaultDiscoverTimeout,
		mappings:        make(map[mappingKey]*Mapping),
	}
}

// newManagerWithMapper skips discovery. Used by tests.
func newManagerWithMapper(m Mapper) *Manager {
	mgr := NewManager()
	mgr.mapper = m
	return mgr
}

// Discover probes the gateway, UPnP first and NAT-PMP as fallback, and
// starts the renewal loop on success.
func (m *Manager) Discover(ctx context.Context) error {
	m.mu.Lock()
	already := m.mapper != nil
	m.mu.Unlock()
	if already {
		return nil
	}

	var mapper Mapper
	if u, err := discoverUPnP(m.discoverTimeout); err == nil {
		mapper = u
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Discover",
			"error":    err.Error(),
		}).Debug("UPnP discovery failed, trying NAT-PMP")

		p, err := discoverNATPMP(m.discoverTimeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Discover",
				"error":    err.Error(),
			}).Info("No mapping-capable gateway, staying on relay path")
			return ErrNoGateway
		}
		mapper = p
	}

	m.mu.Lock()
	m.mapper = mapper
	m.mu.Unlock()

	m.startRenewLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Discover",
		"protocol": mapper.Name(),
	}).Info("Gateway port mapping available")

	return nil
}

// IsAvailable reports whether a mapping protocol was discovered.
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapper != nil
}

// AddPortMapping opens external:internal forwarding on the gateway and
// returns the granted external port.
func (m *Manager) AddPortMapping(ctx context.Context, proto string, internalPort, externalPort int) (int, error) {
	m.mu.Lock()
	mapper := m.mapper
	m.mu.Unlock()
	if mapper == nil {
		return 0, ErrNoGateway
	}

	granted, err := mapper.AddMapping(ctx, proto, internalPort, externalPort, DefaultLeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("nat: add mapping %s %d: %w", proto, internalPort, err)
	}

	m.mu.Lock()
	m.mappings[mappingKey{proto, granted}] = &Mapping{
		Protocol:     proto,
		InternalPort: internalPort,
		ExternalPort: granted,
		Lease:        DefaultLeaseDuration,
		CreatedAt:    time.Now(),
	}
	count := len(m.mappings)
	m.mu.Unlock()

	obs.NATMappingsActive.Set(float64(count))

	logrus.WithFields(logrus.Fields{
		"function":      "AddPortMapping",
		"protocol":      proto,
		"internal_port": internalPort,
		"external_port": granted,
	}).Info("Gateway mapping added")

	return granted, nil
}

// DeletePortMapping withdraws a mapping from the gateway.
func (m *Manager) DeletePortMapping(ctx context.Context, proto string, externalPort int) error {
	m.mu.Lock()
	mapper := m.mapper
	_, held := m.mappings[mappingKey{proto, externalPort}]
	m.mu.Unlock()

	if mapper == nil {
		return ErrNoGateway
	}
	if !held {
		return ErrMappingNotFound
	}

	if err := mapper.DeleteMapping(ctx, proto, externalPort); err != nil {
		return fmt.Errorf("nat: delete mapping %s %d: %w", proto, externalPort, err)
	}

	m.mu.Lock()
	delete(m.mappings, mappingKey{proto, externalPort})
	count := len(m.mappings)
	m.mu.Unlock()

	obs.NATMappingsActive.Set(float64(count))
	return nil
}

// RefreshPortMapping re-requests a held mapping, restarting its lease.
func (m *Manager) RefreshPortMapping(ctx context.Context, proto string, externalPort int) error {
	m.mu.Lock()
	mapper := m.mapper
	mapping, held := m.mappings[mappingKey{proto, externalPort}]
	m.mu.Unlock()

	if mapper == nil {
		return ErrNoGateway
	}
	if !held {
		return ErrMappingNotFound
	}

	if _, err := mapper.AddMapping(ctx, proto, mapping.InternalPort, externalPort, DefaultLeaseDuration); err != nil {
		return fmt.Errorf("nat: refresh mapping %s %d: %w", proto, externalPort, err)
	}

	m.mu.Lock()
	mapping.CreatedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// GetExternalIPAddress returns the gateway's public address.
func (m *Manager) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	m.mu.Lock()
	mapper := m.mapper
	m.mu.Unlock()
	if mapper == nil {
		return nil, ErrNoGateway
	}
	return mapper.ExternalIP(ctx)
}

// GetLocalIPAddress returns the interface address used to reach the
// internet. The dial never sends a packet.
func GetLocalIPAddress() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// MappingCount returns the number of held mappings.
func (m *Manager) MappingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}

func (m *Manager) startRenewLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.renewLoop(ctx)
	}()
}

func (m *Manager) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewDue(ctx)
		}
	}
}

// renewDue refreshes every mapping past two thirds of its lease.
func (m *Manager) renewDue(ctx context.Context) {
	m.mu.Lock()
	due := make([]*Mapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		if time.Since(mapping.CreatedAt) > mapping.Lease*2/3 {
			due = append(due, mapping)
		}
	}
	m.mu.Unlock()

	for _, mapping := range due {
		if err := m.RefreshPortMapping(ctx, mapping.Protocol, mapping.ExternalPort); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "renewDue",
				"protocol":      mapping.Protocol,
				"external_port": mapping.ExternalPort,
				"error":         err.Error(),
			}).Warn("Mapping renewal failed")
		}
	}
}

// Cleanup withdraws every mapping and stops renewal. Safe to call when
// discovery never succeeded.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	mapper := m.mapper
	mappings := make([]*Mapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		mappings = append(mappings, mapping)
	}
	m.mappings = make(map[mappingKey]*Mapping)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	if mapper == nil {
		return
	}

	for _, mapping := range mappings {
		if err := mapper.DeleteMapping(ctx, mapping.Protocol, mapping.ExternalPort); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "Cleanup",
				"protocol":      mapping.Protocol,
				"external_port": mapping.ExternalPort,
				"error":         err.Error(),
			}).Debug("Mapping withdrawal failed")
		}
	}

	obs.NATMappingsActive.Set(0)
}
