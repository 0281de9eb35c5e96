package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
	"github.com/eliteGoblin/focusd/carnary/internal/policy"
	"github.com/eliteGoblin/focusd/carnary/internal/usecase"
)

const remediationTimeout = 30 * time.Second

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	ListenAddress   string // Interface for the registration socket
	NegotiationPort int    // Well-known registration port
	PortRangeStart  int    // First monitoring port handed to daemons
	PortRangeEnd    int    // Last monitoring port (inclusive)
	RuntimeDir      string // Handshake sockets live here
	DataDir         string // Instance lock, journal and key
	Watcher         WatcherConfig
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	base := filepath.Join(os.TempDir(), "carnary")
	return SupervisorConfig{
		ListenAddress:   "0.0.0.0",
		NegotiationPort: domain.DefaultNegotiationPort, // 6666
		PortRangeStart:  7000,
		PortRangeEnd:    7999,
		RuntimeDir:      filepath.Join(base, "run"),
		DataDir:         base,
		Watcher:         DefaultWatcherConfig(),
	}
}

type registryEntry struct {
	watcher *Watcher
	port    int
}

// Supervisor owns the negotiation registry, the registration socket and the
// SIGTERM handler. State moves Uninitialized -> Ready -> Degraded and never back.
type Supervisor struct {
	config         SupervisorConfig
	sockets        domain.SocketFactory
	processManager domain.ProcessManager
	remediations   *policy.Registry
	escalator      domain.Escalator
	logger         *zap.Logger

	state atomic.Int32

	mu           sync.Mutex
	negotiations map[string]*registryEntry
	listener     net.Listener
	lock         *infra.InstanceLock

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	signals    chan os.Signal
	terminated chan struct{}
	termOnce   sync.Once

	destroyOnce sync.Once
}

var (
	instance     *Supervisor
	instanceOnce sync.Once
)

// GetInstance returns the process-wide supervisor, constructing it on the
// first call. Later calls return the same instance and ignore their arguments.
func GetInstance(
	config SupervisorConfig,
	sockets domain.SocketFactory,
	pm domain.ProcessManager,
	journal domain.IncidentJournal,
	remediations *policy.Registry,
	logger *zap.Logger,
) *Supervisor {
	instanceOnce.Do(func() {
		instance = NewSupervisor(config, sockets, pm, journal, remediations, logger)
	})
	return instance
}

// NewSupervisor creates a supervisor. journal may be nil.
// Prefer GetInstance in production; tests construct isolated instances.
func NewSupervisor(
	config SupervisorConfig,
	sockets domain.SocketFactory,
	pm domain.ProcessManager,
	journal domain.IncidentJournal,
	remediations *policy.Registry,
	logger *zap.Logger,
) *Supervisor {
	if remediations == nil {
		remediations = policy.NewRegistry(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config:         config,
		sockets:        sockets,
		processManager: pm,
		remediations:   remediations,
		logger:         logger,
		negotiations:   make(map[string]*registryEntry),
		ctx:            ctx,
		cancel:         cancel,
		signals:        make(chan os.Signal, 1),
		terminated:     make(chan struct{}),
	}
	s.escalator = usecase.NewEscalator(s, pm, journal, logger)
	return s
}

// Init acquires the instance lock, opens the registration socket and installs
// the SIGTERM handler.
func (s *Supervisor) Init(ctx context.Context) error {
	if s.State() != domain.StateUninitialized {
		return fmt.Errorf("supervisor already initialized (state %s)", s.State())
	}

	lock, err := infra.AcquireInstanceLock(s.config.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}

	ln, err := s.sockets.Listen(ctx, s.config.ListenAddress, s.config.NegotiationPort, domain.ProtocolTCP)
	if err != nil {
		_ = lock.Release()
		return fmt.Errorf("%w: registration socket: %w", domain.ErrSetup, err)
	}

	s.mu.Lock()
	s.lock = lock
	s.listener = ln
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(domain.StateUninitialized), int32(domain.StateReady)) {
		_ = ln.Close()
		_ = lock.Release()
		return fmt.Errorf("supervisor state changed during init (state %s)", s.State())
	}

	s.installSignalHandler()

	s.wg.Add(1)
	go s.acceptRegistrations(ln)

	s.logger.Info("supervisor ready",
		zap.String("address", ln.Addr().String()),
		zap.Int("pid", s.processManager.GetCurrentPID()))
	return nil
}

// installSignalHandler routes SIGTERM into ordinary code: the handler only
// queues the signal, a goroutine runs the emergency routine.
func (s *Supervisor) installSignalHandler() {
	signal.Notify(s.signals, syscall.SIGTERM)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			return
		case sig := <-s.signals:
			s.logger.Warn("received termination signal", zap.String("signal", sig.String()))
			s.EmergencyRoutine()
			s.termOnce.Do(func() { close(s.terminated) })
		}
	}()
}

// EmergencyRoutine stops registrations, marks the supervisor Degraded and
// runs the remediation policies. Only the first call after Init has any
// effect; before Init there is nothing to degrade. Safe to call
// concurrently from any number of watchers.
func (s *Supervisor) EmergencyRoutine() {
	if !s.state.CompareAndSwap(int32(domain.StateReady), int32(domain.StateDegraded)) {
		return
	}

	s.logger.Error("supervisor degraded, no longer accepting registrations")

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), remediationTimeout)
	defer cancel()
	for id, err := range s.remediations.ApplyAll(ctx, "emergency routine invoked") {
		s.logger.Error("remediation failed", zap.String("remediation", id), zap.Error(err))
	}
}

// AddNegotiation takes ownership of n, whose ID, port, rate and handshake
// are set, and starts its watcher.
func (s *Supervisor) AddNegotiation(n *domain.Negotiation) error {
	s.mu.Lock()
	w, err := s.addNegotiationLocked(n)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.startWatcher(w, n.ID)
	return nil
}

// addNegotiationLocked registers n and reserves its watcher task in s.wg.
// Destroy cancels under s.mu, so a reservation either precedes wg.Wait or
// is refused here.

func (s *Supervisor) addNegotiationLocked(n *domain.Negotiation) (*Watcher, error) {
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("supervisor destroyed")
	}
	if n.ID == "" {
		return nil, fmt.Errorf("negotiation has no ID")
	}
	if _, exists := s.negotiations[n.ID]; exists {
		return nil, fmt.Errorf("negotiation %s already registered", n.ID)
	}
	if n.MonitoringPort != 0 {
		for _, e := range s.negotiations {
			if e.port == n.MonitoringPort {
				return nil, fmt.Errorf("%w: %d", domain.ErrDuplicatePort, n.MonitoringPort)
			}
		}
	}

	w := NewWatcher(s.config.Watcher, n, s.sockets, s.escalator, s.logger)
	s.negotiations[n.ID] = &registryEntry{watcher: w, port: n.MonitoringPort}
	s.wg.Add(1)
	return w, nil
}

// startWatcher runs the watcher lifecycle and removes it from the registry
// when it terminates. Failures stay local to this negotiation. The task was
// already counted by addNegotiationLocked.
func (s *Supervisor) startWatcher(w *Watcher, id string) {
	go func() {
		defer s.wg.Done()
		if err := w.Init(s.ctx); err != nil {
			s.logger.Warn("watcher handshake failed", zap.String("negotiation_id", id), zap.Error(err))
		}
		<-w.Done()

		if err := w.Err(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("watcher terminated with error", zap.String("negotiation_id", id), zap.Error(err))
		}
		s.removeNegotiation(id)
	}()
}

func (s *Supervisor) removeNegotiation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.negotiations, id)
}

// allocatePortLocked picks the first port in range that no active
// negotiation owns and the OS will bind.
func (s *Supervisor) allocatePortLocked(ctx context.Context) (int, error) {
	inUse := make(map[int]bool, len(s.negotiations))
	for _, e := range s.negotiations {
		inUse[e.port] = true
	}

	for port := s.config.PortRangeStart; port <= s.config.PortRangeEnd; port++ {
		if inUse[port] {
			continue
		}
		probe, err := s.sockets.Listen(ctx, s.config.Watcher.ListenAddress, port, domain.ProtocolTCP)
		if err != nil {
			continue
		}
		_ = probe.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free monitoring port in %d-%d",
		domain.ErrSetup, s.config.PortRangeStart, s.config.PortRangeEnd)
}

// Destroy stops registrations and all watchers, and releases the instance
// lock. Idempotent.
func (s *Supervisor) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		ln := s.listener
		s.mu.Unlock()
		signal.Stop(s.signals)

		if ln != nil {
			_ = ln.Close()
		}

		s.wg.Wait()

		s.mu.Lock()
		if s.lock != nil {
			if err := s.lock.Release(); err != nil {
				s.logger.Warn("failed to release instance lock", zap.Error(err))
			}
			s.lock = nil
		}
		s.mu.Unlock()

		s.logger.Info("supervisor destroyed")
	})
}

// State returns the current lifecycle state.
func (s *Supervisor) State() domain.SupervisorState {
	return domain.SupervisorState(s.state.Load())
}

// Terminated is closed once a SIGTERM has been handled.
func (s *Supervisor) Terminated() <-chan struct{} {
	return s.terminated
}

// Addr returns the registration socket address, or nil before Init.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Negotiations returns a snapshot of active negotiations ordered by port.
func (s *Supervisor) Negotiations() []domain.Negotiation {
	s.mu.Lock()
	watchers := make([]*Watcher, 0, len(s.negotiations))
	for _, e := range s.negotiations {
		watchers = append(watchers, e.watcher)
	}
	s.mu.Unlock()

	result := make([]domain.Negotiation, 0, len(watchers))
	for _, w := range watchers {
		result = append(result, w.Negotiation())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MonitoringPort < result[j].MonitoringPort })
	return result
}

// Watcher returns the watcher for a negotiation ID.
func (s *Supervisor) Watcher(id string) (*Watcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.negotiations[id]
	if !ok {
		return nil, false
	}
	return e.watcher, true
}

// Ensure Supervisor implements domain.EmergencyHandler.
var _ domain.EmergencyHandler = (*Supervisor)(nil)
