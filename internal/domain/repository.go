package domain

import (
	"context"
	"net"
)

// Protocol selects the transport a SocketFactory creates.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
)

// SocketFactory creates bound listening sockets.
type SocketFactory interface {
	// Listen binds address:port for the given protocol.
	Listen(ctx context.Context, address string, port int, proto Protocol) (net.Listener, error)
}

// Handshake is the watcher side of a single-use rendezvous with a daemon.
// Wait, ReadRecord and Reply are each called at most once, in that order
// (Reply may follow a failed ReadRecord).
type Handshake interface {
	// Wait blocks until the daemon raises the handshake signal.
	Wait(ctx context.Context) error

	// ReadRecord reads the daemon-completed negotiation record.
	ReadRecord(n *Negotiation) error

	// Reply writes a one-byte ACK or NACK back to the daemon.
	Reply(code byte) error

	// Address returns where the daemon should connect.
	Address() string

	// Close releases the rendezvous. Safe to call more than once.
	Close() error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Terminate delivers SIGTERM to a process by PID.
	Terminate(pid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// EmergencyHandler is the process-local reaction to a detected failure.
type EmergencyHandler interface {
	EmergencyRoutine()
}

// Escalator performs emergency escalation for one negotiation.
type Escalator interface {
	// Escalate runs the local emergency routine and signals the monitored daemon.
	Escalate(ctx context.Context, n Negotiation, cause EscalationCause, detail string) error
}

// IncidentJournal stores escalation history for diagnostics.
// Implementation: SQLCipher encrypted SQLite database.
type IncidentJournal interface {
	// Record appends an incident.
	Record(incident Incident) error

	// List returns the most recent incidents, newest first.
	List(limit int) ([]Incident, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
