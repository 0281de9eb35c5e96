package domain

import "errors"

// Error taxonomy. Call sites wrap these so errors.Is classifies every failure.
var (
	// ErrSetup: a registration or monitoring socket could not be created or bound.
	ErrSetup = errors.New("setup failed")

	// ErrHandshake: waiting on, reading from, or replying to the handshake channel failed.
	ErrHandshake = errors.New("handshake failed")

	// ErrBadSignal: the daemon connected to the handshake channel but did not
	// raise the ready signal. The channel is still usable for a NACK.
	ErrBadSignal = errors.New("bad handshake signal")

	// ErrAccept: the monitoring client could not be accepted.
	ErrAccept = errors.New("accept failed")

	// ErrHeartbeatIO: a heartbeat receive failed for a reason other than would-block.
	ErrHeartbeatIO = errors.New("heartbeat receive failed")

	// ErrSignalDelivery: the monitored daemon could not be signaled during escalation.
	ErrSignalDelivery = errors.New("signal delivery failed")

	// ErrWouldBlock: a non-blocking receive found no data.
	ErrWouldBlock = errors.New("operation would block")

	// ErrDuplicatePort: the monitoring port is already owned by an active negotiation.
	ErrDuplicatePort = errors.New("monitoring port already in use")

	// ErrNotReady: the supervisor is not accepting registrations.
	ErrNotReady = errors.New("supervisor not accepting registrations")
)
