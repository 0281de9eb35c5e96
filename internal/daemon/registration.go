package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
)

// registrationTimeout bounds one request/response exchange on the
// registration socket. The handshake itself has no timeout.
const registrationTimeout = 10 * time.Second

// acceptRegistrations serves the registration socket until it is closed by
// Destroy or the emergency routine.
func (s *Supervisor) acceptRegistrations(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				s.logger.Info("registration socket closed")
				return
			}
			s.logger.Warn("failed to accept registration", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRegistration(conn)
		}()
	}
}

// handleRegistration reads one CBOR RegistrationRequest and writes one
// RegistrationResponse.
func (s *Supervisor) handleRegistration(conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(registrationTimeout))

	var req domain.RegistrationRequest
	if err := infra.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("malformed registration request",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return
	}

	resp, err := s.Register(req)
	if err != nil {
		s.logger.Warn("registration refused",
			zap.String("service", req.ServiceName),
			zap.Error(err))
		resp = domain.RegistrationResponse{Error: err.Error()}
	}

	if err := infra.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("failed to reply to registration", zap.Error(err))
	}
}

// Register allocates a monitoring port and handshake rendezvous for a daemon
// and starts its watcher. The daemon completes the handshake at
// resp.HandshakePath.
func (s *Supervisor) Register(req domain.RegistrationRequest) (domain.RegistrationResponse, error) {
	if s.State() != domain.StateReady {
		return domain.RegistrationResponse{}, domain.ErrNotReady
	}
	if req.PID <= 0 {
		return domain.RegistrationResponse{}, fmt.Errorf("invalid pid %d", req.PID)
	}
	// Escalation signals this pid; refuse one that could never be signaled.
	if !s.processManager.IsRunning(req.PID) {
		return domain.RegistrationResponse{}, fmt.Errorf("pid %d is not running", req.PID)
	}

	id := uuid.NewString()
	hs, err := infra.NewUnixRendezvous(s.config.RuntimeDir, id)
	if err != nil {
		return domain.RegistrationResponse{}, fmt.Errorf("%w: %w", domain.ErrSetup, err)
	}

	s.mu.Lock()
	port, err := s.allocatePortLocked(s.ctx)
	if err != nil {
		s.mu.Unlock()
		_ = hs.Close()
		return domain.RegistrationResponse{}, err
	}

	n := &domain.Negotiation{
		ID:               id,
		DaemonPID:        req.PID,
		MonitoringPort:   port,
		ServiceName:      req.ServiceName,
		MinHeartbeatRate: req.MinHeartbeatRate,
		Handshake:        hs,
	}
	w, err := s.addNegotiationLocked(n)
	s.mu.Unlock()
	if err != nil {
		_ = hs.Close()
		return domain.RegistrationResponse{}, err
	}
	s.startWatcher(w, id)

	s.logger.Info("daemon registered",
		zap.String("negotiation_id", id),
		zap.String("service", req.ServiceName),
		zap.Int("pid", req.PID),
		zap.Int("port", port),
		zap.Uint16("min_rate", req.MinHeartbeatRate))

	return domain.RegistrationResponse{
		NegotiationID:  id,
		MonitoringPort: port,
		HandshakePath:  hs.Address(),
	}, nil
}
