package ports

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	updates map[string]store.ServiceUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{updates: make(map[string]store.ServiceUpdate)}
}

func (f *fakeStore) UpdateService(ctx context.Context, id string, update store.ServiceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = update
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	fs := newFakeStore()
	return NewManager(fs, log), fs
}

func TestEnsureServicePort_AllocatesAndPersists(t *testing.T) {
	m, fs := newTestManager(t)

	svc := &store.CellService{ID: "svc-1", Name: "web"}
	port, err := m.EnsureServicePort(context.Background(), svc)
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	require.NotNil(t, svc.Port)
	assert.Equal(t, port, *svc.Port)

	fs.mu.Lock()
	_, persisted := fs.updates["svc-1"]
	fs.mu.Unlock()
	assert.True(t, persisted, "allocated port must be written back")

	got, ok := m.PortFor("svc-1")
	assert.True(t, ok)
	assert.Equal(t, port, got)
}

func TestEnsureServicePort_ReusesFreePersistedPort(t *testing.T) {
	m, fs := newTestManager(t)

	free, err := m.AllocatePort()
	require.NoError(t, err)

	svc := &store.CellService{ID: "svc-1", Name: "web", Port: &free}
	port, err := m.EnsureServicePort(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, free, port)

	fs.mu.Lock()
	_, persisted := fs.updates["svc-1"]
	fs.mu.Unlock()
	assert.False(t, persisted, "reusing the persisted port must not rewrite the row")
}

func TestEnsureServicePort_ReassignsBoundPort(t *testing.T) {
	m, _ := newTestManager(t)

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	bound := listener.Addr().(*net.TCPAddr).Port

	svc := &store.CellService{ID: "svc-1", Name: "web", Port: &bound}
	port, err := m.EnsureServicePort(context.Background(), svc)
	require.NoError(t, err)
	assert.NotEqual(t, bound, port, "a bound persisted port must be reassigned")
}

func TestEnsureServicePort_ConcurrentAllocationsNeverCollide(t *testing.T) {
	m, _ := newTestManager(t)

	const services = 20
	results := make(chan int, services)
	var wg sync.WaitGroup
	for i := 0; i < services; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := &store.CellService{ID: fmt.Sprintf("svc-%d", i), Name: "s"}
			port, err := m.EnsureServicePort(context.Background(), svc)
			if err != nil {
				t.Errorf("EnsureServicePort failed: %v", err)
				return
			}
			results <- port
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
}

func TestReleasePortFor(t *testing.T) {
	m, _ := newTestManager(t)

	m.RememberSpecificPort("svc-1", 5555)
	port, ok := m.PortFor("svc-1")
	require.True(t, ok)
	assert.Equal(t, 5555, port)

	m.ReleasePortFor("svc-1")
	_, ok = m.PortFor("svc-1")
	assert.False(t, ok)
}

func TestSanitizeServiceName(t *testing.T) {
	assert.Equal(t, "WEB", SanitizeServiceName("web"))
	assert.Equal(t, "API_SERVER", SanitizeServiceName("api-server"))
	assert.Equal(t, "A_B_C", SanitizeServiceName("a.b c"))
	assert.Equal(t, "WEB_PORT", PortEnvVar("web"))
}

func TestInterpolate(t *testing.T) {
	portMap := map[string]int{"web": 5555, "worker": 6666}

	assert.Equal(t, "http://localhost:4000", Interpolate("http://localhost:$PORT", 4000, portMap))
	assert.Equal(t, "--port 4000", Interpolate("--port ${PORT}", 4000, portMap))
	assert.Equal(t, "http://localhost:5555/api", Interpolate("http://localhost:${PORT:web}/api", 4000, portMap))
	// Unknown sibling stays literal.
	assert.Equal(t, "${PORT:db}", Interpolate("${PORT:db}", 4000, portMap))
	// $PORTFOO is not a port token.
	assert.Equal(t, "$PORTFOO", Interpolate("$PORTFOO", 4000, portMap))
}

func TestInterpolateEnv(t *testing.T) {
	env := map[string]string{
		"URL":      "http://127.0.0.1:$PORT",
		"PEER_URL": "http://127.0.0.1:${PORT:worker}",
	}
	InterpolateEnv(env, 4000, map[string]int{"worker": 6666})
	assert.Equal(t, "http://127.0.0.1:4000", env["URL"])
	assert.Equal(t, "http://127.0.0.1:6666", env["PEER_URL"])
}
