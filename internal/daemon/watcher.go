// Package daemon implements the canary supervisor and its per-daemon watchers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
	"github.com/eliteGoblin/focusd/carnary/internal/policy"
)

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	ListenAddress     string        // Interface the monitoring socket binds (default all)
	RateCheckInterval time.Duration // How often to sample the heartbeat rate
	PollInterval      time.Duration // Pause after a receive that would block
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ListenAddress:     "0.0.0.0",
		RateCheckInterval: policy.DefaultRateCheckInterval, // 500ms
		PollInterval:      10 * time.Millisecond,
	}
}

// Watcher monitors one negotiated daemon.
// Init runs the handshake, then two tasks run until escalation or Stop:
// one accepts the single client and receives heartbeats, the other samples
// the heartbeat rate. They share only the last-heartbeat timestamp.
type Watcher struct {
	config    WatcherConfig
	sockets   domain.SocketFactory
	escalator domain.Escalator
	logger    *zap.Logger

	mu          sync.Mutex
	negotiation *domain.Negotiation
	listener    net.Listener
	clientAddr  net.Addr
	err         error

	epoch         time.Time
	lastHeartbeat atomic.Int64 // Nanoseconds since epoch, monotonic

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	escalateOnce sync.Once
	cause        atomic.Value // domain.EscalationCause
}

// NewWatcher creates a watcher for a negotiation whose ID, port and rate
// are already set. One watcher per negotiation; never reused.
func NewWatcher(
	config WatcherConfig,
	negotiation *domain.Negotiation,
	sockets domain.SocketFactory,
	escalator domain.Escalator,
	logger *zap.Logger,
) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		config:      config,
		negotiation: negotiation,
		sockets:     sockets,
		escalator:   escalator,
		logger:      logger.With(zap.String("negotiation_id", negotiation.ID)),
		epoch:       time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Init performs the handshake and starts monitoring. It blocks until the
// daemon raises the handshake signal; canceling ctx (or Stop) aborts.
// On success the monitoring tasks keep running after Init returns.
func (w *Watcher) Init(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already initialized or stopped")
	}
	unlink := context.AfterFunc(ctx, w.cancel)

	if err := w.handshake(); err != nil {
		unlink()
		w.finish(err)
		return err
	}

	w.wg.Add(1)
	go w.acceptAndReceive()

	go func() {
		w.wg.Wait()
		unlink()
		w.finish(nil)
	}()
	return nil
}

// handshake runs protocol steps 1-4: wait, read record, open socket, ACK.
func (w *Watcher) handshake() error {
	w.mu.Lock()
	hs := w.negotiation.Handshake
	record := w.negotiation.Clone()
	w.mu.Unlock()

	if hs == nil {
		return fmt.Errorf("%w: negotiation has no handshake channel", domain.ErrHandshake)
	}
	defer hs.Close()

	if err := hs.Wait(w.ctx); err != nil {
		if errors.Is(err, domain.ErrBadSignal) {
			return w.nack(hs, err)
		}
		w.logger.Error("handshake wait failed", zap.Error(err))
		return err
	}

	registered := record
	if err := hs.ReadRecord(&record); err != nil {
		return w.nack(hs, err)
	}
	if err := confirmRecord(registered, &record); err != nil {
		return w.nack(hs, err)
	}

	ln, err := w.sockets.Listen(w.ctx, w.config.ListenAddress, record.MonitoringPort, domain.ProtocolTCP)
	if err != nil {
		return w.nack(hs, fmt.Errorf("%w: monitoring socket on port %d: %w", domain.ErrSetup, record.MonitoringPort, err))
	}
	// Unblocks Accept when the watcher is torn down.
	context.AfterFunc(w.ctx, func() { _ = ln.Close() })

	w.mu.Lock()
	record.Handshake = hs
	*w.negotiation = record
	w.listener = ln
	w.mu.Unlock()

	if err := hs.Reply(domain.ReplyACK); err != nil {
		_ = ln.Close()
		return err
	}

	w.logger.Info("handshake complete",
		zap.String("service", record.ServiceName),
		zap.Int("pid", record.DaemonPID),
		zap.Int("port", record.MonitoringPort),
		zap.Uint16("min_rate", record.MinHeartbeatRate))
	return nil
}

// confirmRecord merges the daemon's record with what was registered.
// Zero port, service name or rate keep the registered value. The daemon may
// not move the port or change the rate, and must name a process to signal.
func confirmRecord(registered domain.Negotiation, record *domain.Negotiation) error {
	if record.MonitoringPort == 0 {
		record.MonitoringPort = registered.MonitoringPort
	}
	if record.ServiceName == "" {
		record.ServiceName = registered.ServiceName
	}
	if record.MinHeartbeatRate == 0 {
		record.MinHeartbeatRate = registered.MinHeartbeatRate
	}

	switch {
	case record.MonitoringPort != registered.MonitoringPort:
		return fmt.Errorf("%w: daemon confirmed port %d, supervisor assigned %d",
			domain.ErrHandshake, record.MonitoringPort, registered.MonitoringPort)
	case record.MinHeartbeatRate != registered.MinHeartbeatRate:
		return fmt.Errorf("%w: daemon confirmed rate %d/s, registered %d/s",
			domain.ErrHandshake, record.MinHeartbeatRate, registered.MinHeartbeatRate)
	case record.DaemonPID <= 0:
		return fmt.Errorf("%w: daemon confirmed invalid pid %d", domain.ErrHandshake, record.DaemonPID)
	}
	return nil
}

// nack reports a failed handshake to the daemon and returns cause.
func (w *Watcher) nack(hs domain.Handshake, cause error) error {
	w.logger.Error("handshake failed, replying NACK", zap.Error(cause))
	if err := hs.Reply(domain.ReplyNACK); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// acceptAndReceive is the first monitoring task (protocol steps 5-6).
func (w *Watcher) acceptAndReceive() {
	defer w.wg.Done()

	w.mu.Lock()
	ln := w.listener
	w.mu.Unlock()

	conn, err := ln.Accept()
	// Exactly one client per negotiation.
	_ = ln.Close()
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: %w", domain.ErrAccept, err)
		w.logger.Error("failed to accept monitoring client", zap.Error(err))
		w.setErr(err)
		return
	}
	defer conn.Close()
	context.AfterFunc(w.ctx, func() { _ = conn.Close() })

	w.mu.Lock()
	w.clientAddr = conn.RemoteAddr()
	service := w.negotiation.ServiceName
	w.mu.Unlock()

	w.logger.Info("client accepted",
		zap.String("service", service),
		zap.String("client", conn.RemoteAddr().String()))

	// Silence is measured from accept.
	w.markHeartbeat()

	w.wg.Add(1)
	go w.checkRate()

	sc, ok := conn.(syscall.Conn)
	if !ok {
		w.escalate(domain.CauseHeartbeatIO, fmt.Sprintf("%v: connection has no raw descriptor", domain.ErrHeartbeatIO))
		return
	}
	w.receiveHeartbeats(sc)
}

// receiveHeartbeats polls for single-byte heartbeats until panic, an I/O
// failure, or teardown.
func (w *Watcher) receiveHeartbeats(conn syscall.Conn) {
	poll := time.NewTimer(w.config.PollInterval)
	defer poll.Stop()

	for {
		if w.ctx.Err() != nil {
			return
		}

		b, err := infra.RecvByte(conn)
		if errors.Is(err, domain.ErrWouldBlock) {
			poll.Reset(w.config.PollInterval)
			select {
			case <-w.ctx.Done():
				return
			case <-poll.C:
			}
			continue
		}
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.escalate(domain.CauseHeartbeatIO, fmt.Errorf("%w: %w", domain.ErrHeartbeatIO, err).Error())
			return
		}

		w.markHeartbeat()
		if b == domain.Panic {
			w.escalate(domain.CausePanic, "client sent panic byte")
			return
		}
	}
}

// checkRate is the second monitoring task (protocol step 7).
func (w *Watcher) checkRate() {
	defer w.wg.Done()

	w.mu.Lock()
	minRate := w.negotiation.MinHeartbeatRate
	w.mu.Unlock()

	ticker := time.NewTicker(w.config.RateCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			elapsed := w.SinceLastHeartbeat()
			if policy.ViolatesMinimum(elapsed, minRate) {
				rate, _ := policy.InstantRate(elapsed)
				w.escalate(domain.CauseRateViolation,
					fmt.Sprintf("heartbeat rate %d/s below minimum %d/s (%s since last heartbeat)",
						rate, minRate, elapsed.Round(time.Millisecond)))
				return
			}
		}
	}
}

// escalate runs emergency escalation at most once per watcher, then tears
// down both tasks. Both tasks may race here.
func (w *Watcher) escalate(cause domain.EscalationCause, detail string) {
	w.escalateOnce.Do(func() {
		w.cause.Store(cause)
		record := w.Negotiation()
		if err := w.escalator.Escalate(w.ctx, record, cause, detail); err != nil {
			w.logger.Error("escalation incomplete", zap.Error(err))
			w.setErr(err)
		}
		w.cancel()
	})
}

func (w *Watcher) markHeartbeat() {
	w.lastHeartbeat.Store(int64(time.Since(w.epoch)))
}

// SinceLastHeartbeat returns the time since the last heartbeat (or accept).
func (w *Watcher) SinceLastHeartbeat() time.Duration {
	return time.Since(w.epoch) - time.Duration(w.lastHeartbeat.Load())
}

// Stop tears down the watcher and waits for its tasks.
func (w *Watcher) Stop() {
	w.cancel()
	if w.started.CompareAndSwap(false, true) {
		w.finish(context.Canceled)
		return
	}
	<-w.done
}

// Done is closed when the watcher has terminated.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err returns why the watcher terminated abnormally, if it did.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Escalation reports whether and why the watcher escalated.
func (w *Watcher) Escalation() (domain.EscalationCause, bool) {
	cause, ok := w.cause.Load().(domain.EscalationCause)
	return cause, ok
}

// Negotiation returns a snapshot of the record.
func (w *Watcher) Negotiation() domain.Negotiation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.negotiation.Clone()
}

// Addr returns the monitoring socket address, or nil before the handshake.
func (w *Watcher) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// ClientAddr returns the accepted client's address, or nil before accept.
func (w *Watcher) ClientAddr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clientAddr
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Watcher) finish(err error) {
	if err != nil {
		w.setErr(err)
	}
	w.doneOnce.Do(func() { close(w.done) })
}
