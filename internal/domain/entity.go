// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// DefaultNegotiationPort is the well-known registration port.
const DefaultNegotiationPort = 6666

// Single-byte codes exchanged on the handshake channel and the monitoring socket.
const (
	// SignalReady is written by the daemon to raise the handshake signal.
	SignalReady byte = 0x01
	// ReplyACK tells the daemon the monitoring socket is listening.
	ReplyACK byte = 0x06
	// ReplyNACK tells the daemon the handshake did not complete.
	ReplyNACK byte = 0x15
	// Panic is the reserved heartbeat value requesting immediate emergency handling.
	Panic byte = 0xFF
	// Heartbeat is the conventional heartbeat value. Any non-panic byte counts.
	Heartbeat byte = 0x00
)

// Negotiation describes one monitored daemon.
// Supervisor fills ID, ServiceName, MonitoringPort and MinHeartbeatRate; the daemon
// confirms the rest during the handshake. After the handshake it is read-only.
type Negotiation struct {
	ID               string `cbor:"1,keyasint"`
	DaemonPID        int    `cbor:"2,keyasint"`
	MonitoringPort   int    `cbor:"3,keyasint"`
	ServiceName      string `cbor:"4,keyasint"`
	MinHeartbeatRate uint16 `cbor:"5,keyasint"`

	// Handshake is the single-use rendezvous (signal + byte channel) for this negotiation.
	// Never serialized.
	Handshake Handshake `cbor:"-"`
}

// Clone returns a copy without the handshake handle.
func (n *Negotiation) Clone() Negotiation {
	return Negotiation{
		ID:               n.ID,
		DaemonPID:        n.DaemonPID,
		MonitoringPort:   n.MonitoringPort,
		ServiceName:      n.ServiceName,
		MinHeartbeatRate: n.MinHeartbeatRate,
	}
}

// SupervisorState is the process-wide lifecycle state.
type SupervisorState int32

const (
	StateUninitialized SupervisorState = iota
	StateReady
	StateDegraded
)

func (s SupervisorState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// EscalationCause identifies why a watcher escalated.
type EscalationCause string

const (
	CausePanic         EscalationCause = "panic"
	CauseRateViolation EscalationCause = "rate_violation"
	CauseHeartbeatIO   EscalationCause = "heartbeat_io"
)

// Incident records one emergency escalation.
type Incident struct {
	ID            int64
	NegotiationID string
	ServiceName   string
	DaemonPID     int
	Cause         EscalationCause
	Detail        string
	SignalError   string // Empty when the daemon was signaled successfully
	OccurredAt    time.Time
}

// RegistrationRequest is sent by a daemon to the registration endpoint.
type RegistrationRequest struct {
	ServiceName      string `cbor:"1,keyasint"`
	MinHeartbeatRate uint16 `cbor:"2,keyasint"`
	PID              int    `cbor:"3,keyasint"`
}

// RegistrationResponse is the supervisor's reply to a registration.
type RegistrationResponse struct {
	NegotiationID  string `cbor:"1,keyasint"`
	MonitoringPort int    `cbor:"2,keyasint"`
	HandshakePath  string `cbor:"3,keyasint"`
	Error          string `cbor:"4,keyasint,omitempty"`
}
