package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
)

// mockHandshake implements domain.Handshake for testing
type mockHandshake struct {
	waitErr  error
	readErr  error
	replyErr error
	update   *domain.Negotiation // Fields the "daemon" confirms

	mu      sync.Mutex
	replies []byte
	closed  bool
}

func (m *mockHandshake) Wait(ctx context.Context) error {
	return m.waitErr
}

func (m *mockHandshake) ReadRecord(n *domain.Negotiation) error {
	if m.readErr != nil {
		return m.readErr
	}
	if m.update != nil {
		n.DaemonPID = m.update.DaemonPID
		n.MonitoringPort = m.update.MonitoringPort
		n.ServiceName = m.update.ServiceName
		n.MinHeartbeatRate = m.update.MinHeartbeatRate
	}
	return nil
}

func (m *mockHandshake) Reply(code byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, code)
	return m.replyErr
}

func (m *mockHandshake) Address() string { return "mock" }

func (m *mockHandshake) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockHandshake) Replies() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.replies...)
}

// countingSocketFactory wraps the real factory and can be told to fail
type countingSocketFactory struct {
	calls atomic.Int32
	err   error
}

func (f *countingSocketFactory) Listen(ctx context.Context, address string, port int, proto domain.Protocol) (net.Listener, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return infra.NewSocketFactory().Listen(ctx, address, port, proto)
}

type escalation struct {
	negotiation domain.Negotiation
	cause       domain.EscalationCause
	detail      string
}

// mockEscalator implements domain.Escalator for testing
type mockEscalator struct {
	err         error
	calls       atomic.Int32
	escalations chan escalation
}

func newMockEscalator() *mockEscalator {
	return &mockEscalator{escalations: make(chan escalation, 16)}
}

func (m *mockEscalator) Escalate(ctx context.Context, n domain.Negotiation, cause domain.EscalationCause, detail string) error {
	m.calls.Add(1)
	m.escalations <- escalation{negotiation: n, cause: cause, detail: detail}
	return m.err
}

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	mu           sync.Mutex
	terminated   []int
	terminateErr error
	exited       map[int]bool // PIDs IsRunning reports as gone
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminateErr != nil {
		return m.terminateErr
	}
	m.terminated = append(m.terminated, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.exited[pid]
}

func (m *mockProcessManager) GetCurrentPID() int { return 1 }

func (m *mockProcessManager) Terminated() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.terminated...)
}

// testWatcherConfig binds loopback with fast timings.
func testWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ListenAddress:     "127.0.0.1",
		RateCheckInterval: 50 * time.Millisecond,
		PollInterval:      2 * time.Millisecond,
	}
}

// dialWatcher connects a heartbeat client to an initialized watcher.
func dialWatcher(t *testing.T, w *Watcher) net.Conn {
	t.Helper()
	addr := w.Addr()
	require.NotNil(t, addr, "watcher has no monitoring socket")
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitEscalation(t *testing.T, e *mockEscalator, within time.Duration) escalation {
	t.Helper()
	select {
	case got := <-e.escalations:
		return got
	case <-time.After(within):
		t.Fatalf("no escalation within %s", within)
		return escalation{}
	}
}

func waitDone(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not terminate")
	}
}

var errBoom = errors.New("boom")
