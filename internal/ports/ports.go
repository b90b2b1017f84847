// Package ports vends free TCP ports for cell services and keeps a
// process-wide reservation set so concurrently provisioning cells never
// collide.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/store"
)

const pidTermGrace = 250 * time.Millisecond

// Store is the persistence surface the manager needs.
type Store interface {
	UpdateService(ctx context.Context, id string, update store.ServiceUpdate) error
}

// Manager allocates and reserves TCP ports per service ID. All operations
// are serialized per process.
type Manager struct {
	store  Store
	logger *logger.Logger

	mu       sync.Mutex
	reserved map[int]string // port -> serviceID
	byOwner  map[string]int // serviceID -> port
}

// NewManager creates a port manager persisting assignments through st.
func NewManager(st Store, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		logger:   log,
		reserved: make(map[int]string),
		byOwner:  make(map[string]int),
	}
}

// EnsureServicePort returns a usable port for the service, preferring its
// persisted port. A persisted port held by a stale recorded pid is
// reclaimed with SIGTERM before being reused; if it stays bound, a fresh
// ephemeral port is allocated and persisted.
func (m *Manager) EnsureServicePort(ctx context.Context, svc *store.CellService) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if svc.Port != nil {
		port := *svc.Port
		if owner, ok := m.reserved[port]; ok && owner != svc.ID {
			// Reserved by a sibling during this run; fall through to a
			// fresh allocation.
		} else if m.portFree(port) {
			m.reserveLocked(svc.ID, port)
			return port, nil
		} else if svc.PID != nil {
			// A recorded pid may be a leftover from a previous run still
			// holding the port. Ask it to exit, then retest.
			m.logger.Info("persisted port busy, signaling recorded pid",
				zap.Int("port", port),
				zap.Int("pid", *svc.PID))
			_ = syscall.Kill(*svc.PID, syscall.SIGTERM)
			time.Sleep(pidTermGrace)
			if m.portFree(port) {
				m.reserveLocked(svc.ID, port)
				return port, nil
			}
		}
	}

	port, err := m.allocateLocked()
	if err != nil {
		return 0, err
	}
	m.reserveLocked(svc.ID, port)

	portPtr := &port
	if err := m.store.UpdateService(ctx, svc.ID, store.ServiceUpdate{Port: &portPtr}); err != nil {
		m.releaseLocked(svc.ID)
		return 0, fmt.Errorf("failed to persist port for service %s: %w", svc.ID, err)
	}
	svc.Port = portPtr
	return port, nil
}

// RememberSpecificPort records an externally chosen port for a service.
func (m *Manager) RememberSpecificPort(serviceID string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(serviceID, port)
}

// ReleasePortFor frees the reservation held for a service, if any.
func (m *Manager) ReleasePortFor(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(serviceID)
}

// PortFor returns the currently reserved port for a service.
func (m *Manager) PortFor(serviceID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.byOwner[serviceID]
	return port, ok
}

// IsPortFree probes whether a port can be bound on both loopback families.
func (m *Manager) IsPortFree(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portFree(port)
}

// AllocatePort vends a fresh ephemeral port outside the reservation set.
func (m *Manager) AllocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked()
}

func (m *Manager) reserveLocked(serviceID string, port int) {
	if prev, ok := m.byOwner[serviceID]; ok && prev != port {
		delete(m.reserved, prev)
	}
	m.reserved[port] = serviceID
	m.byOwner[serviceID] = port
}

func (m *Manager) releaseLocked(serviceID string) {
	if port, ok := m.byOwner[serviceID]; ok {
		delete(m.reserved, port)
		delete(m.byOwner, serviceID)
	}
}

// allocateLocked asks the kernel for an ephemeral port, retrying while the
// candidate is already in the reservation set.
func (m *Manager) allocateLocked() (int, error) {
	for attempt := 0; attempt < 16; attempt++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("failed to allocate port: %w", err)
		}
		port := listener.Addr().(*net.TCPAddr).Port
		_ = listener.Close()
		if _, taken := m.reserved[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate port: reservation set exhausted retries")
}

// portFree probes IPv4 and IPv6 loopback. IPv6 address-family errors count
// as free so hosts without IPv6 stay usable.
func (m *Manager) portFree(port int) bool {
	v4, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = v4.Close()

	v6, err := net.Listen("tcp6", fmt.Sprintf("[::1]:%d", port))
	if err != nil {
		if isAddressFamilyError(err) {
			return true
		}
		return false
	}
	_ = v6.Close()
	return true
}

func isAddressFamilyError(err error) bool {
	return errors.Is(err, syscall.EAFNOSUPPORT) || errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.EPROTONOSUPPORT)
}
