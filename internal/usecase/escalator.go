// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// EscalatorImpl implements domain.Escalator.
// Escalation has a local effect (the supervisor's emergency routine) and a
// remote one (SIGTERM to the monitored daemon).
type EscalatorImpl struct {
	handler        domain.EmergencyHandler
	processManager domain.ProcessManager
	journal        domain.IncidentJournal
	logger         *zap.Logger
}

// NewEscalator creates an escalator. journal may be nil.
func NewEscalator(
	handler domain.EmergencyHandler,
	pm domain.ProcessManager,
	journal domain.IncidentJournal,
	logger *zap.Logger,
) domain.Escalator {
	return &EscalatorImpl{
		handler:        handler,
		processManager: pm,
		journal:        journal,
		logger:         logger,
	}
}

// Escalate runs the emergency routine in-process, then signals the daemon.
// A failed signal is returned wrapped in domain.ErrSignalDelivery: the
// emergency is only half-handled and the caller must surface it.
func (e *EscalatorImpl) Escalate(ctx context.Context, n domain.Negotiation, cause domain.EscalationCause, detail string) error {
	e.logger.Warn("escalating emergency",
		zap.String("negotiation_id", n.ID),
		zap.String("service", n.ServiceName),
		zap.Int("pid", n.DaemonPID),
		zap.String("cause", string(cause)),
		zap.String("detail", detail))

	e.handler.EmergencyRoutine()

	incident := domain.Incident{
		NegotiationID: n.ID,
		ServiceName:   n.ServiceName,
		DaemonPID:     n.DaemonPID,
		Cause:         cause,
		Detail:        detail,
		OccurredAt:    time.Now(),
	}

	var result error
	if err := e.processManager.Terminate(n.DaemonPID); err != nil {
		result = fmt.Errorf("%w: pid %d: %w", domain.ErrSignalDelivery, n.DaemonPID, err)
		incident.SignalError = err.Error()
		e.logger.Error("failed to signal daemon, emergency only handled locally",
			zap.String("negotiation_id", n.ID),
			zap.Int("pid", n.DaemonPID),
			zap.Error(err))
	} else {
		e.logger.Info("daemon signaled to enter emergency mode",
			zap.String("service", n.ServiceName),
			zap.Int("pid", n.DaemonPID))
	}

	if e.journal != nil {
		if err := e.journal.Record(incident); err != nil {
			e.logger.Warn("failed to journal incident", zap.Error(err))
		}
	}

	return result
}

// Ensure EscalatorImpl implements domain.Escalator.
var _ domain.Escalator = (*EscalatorImpl)(nil)
