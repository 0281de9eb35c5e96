package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// mockHandler implements domain.EmergencyHandler for testing
type mockHandler struct {
	calls atomic.Int32
}

func (m *mockHandler) EmergencyRoutine() {
	m.calls.Add(1)
}

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	mu            sync.Mutex
	terminateErr  error
	terminated    []int
	handlerCalled func() bool
	orderOK       bool
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlerCalled != nil {
		m.orderOK = m.handlerCalled()
	}
	if m.terminateErr != nil {
		return m.terminateErr
	}
	m.terminated = append(m.terminated, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool { return true }

func (m *mockProcessManager) GetCurrentPID() int { return 1 }

// mockJournal implements domain.IncidentJournal for testing
type mockJournal struct {
	mu        sync.Mutex
	incidents []domain.Incident
	recordErr error
}

func (m *mockJournal) Record(incident domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.incidents = append(m.incidents, incident)
	return nil
}

func (m *mockJournal) List(limit int) ([]domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Incident(nil), m.incidents...), nil
}

func (m *mockJournal) Close() error { return nil }

var testNegotiation = domain.Negotiation{
	ID:               "n-1",
	DaemonPID:        4242,
	MonitoringPort:   7001,
	ServiceName:      "lidar",
	MinHeartbeatRate: 2,
}

func TestEscalate_RunsRoutineThenSignals(t *testing.T) {
	handler := &mockHandler{}
	pm := &mockProcessManager{}
	pm.handlerCalled = func() bool { return handler.calls.Load() == 1 }
	journal := &mockJournal{}

	e := NewEscalator(handler, pm, journal, zap.NewNop())
	err := e.Escalate(context.Background(), testNegotiation, domain.CausePanic, "panic byte")

	require.NoError(t, err)
	assert.Equal(t, int32(1), handler.calls.Load())
	assert.Equal(t, []int{4242}, pm.terminated)
	assert.True(t, pm.orderOK, "emergency routine must run before the daemon is signaled")

	require.Len(t, journal.incidents, 1)
	inc := journal.incidents[0]
	assert.Equal(t, "n-1", inc.NegotiationID)
	assert.Equal(t, "lidar", inc.ServiceName)
	assert.Equal(t, domain.CausePanic, inc.Cause)
	assert.Empty(t, inc.SignalError)
}

func TestEscalate_SignalFailureIsSurfaced(t *testing.T) {
	handler := &mockHandler{}
	pm := &mockProcessManager{terminateErr: errors.New("no such process")}
	journal := &mockJournal{}

	e := NewEscalator(handler, pm, journal, zap.NewNop())
	err := e.Escalate(context.Background(), testNegotiation, domain.CauseRateViolation, "rate 0 < 2")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignalDelivery)
	assert.Contains(t, err.Error(), "4242")
	assert.Equal(t, int32(1), handler.calls.Load(), "local routine still runs")

	require.Len(t, journal.incidents, 1)
	assert.Equal(t, "no such process", journal.incidents[0].SignalError)
}

func TestEscalate_NilJournal(t *testing.T) {
	e := NewEscalator(&mockHandler{}, &mockProcessManager{}, nil, zap.NewNop())
	assert.NoError(t, e.Escalate(context.Background(), testNegotiation, domain.CauseHeartbeatIO, "EOF"))
}

func TestEscalate_JournalFailureDoesNotFail(t *testing.T) {
	journal := &mockJournal{recordErr: errors.New("disk full")}
	e := NewEscalator(&mockHandler{}, &mockProcessManager{}, journal, zap.NewNop())
	assert.NoError(t, e.Escalate(context.Background(), testNegotiation, domain.CausePanic, ""))
}
