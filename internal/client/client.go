// Package client is the monitored daemon's side of the canary protocol:
// register, complete the handshake, then stream heartbeats.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
)

// ErrRejected is returned when the watcher answers the handshake with NACK.
var ErrRejected = errors.New("handshake rejected by watcher")

// Register asks the supervisor at addr for a monitoring port.
func Register(ctx context.Context, addr string, req domain.RegistrationRequest) (domain.RegistrationResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.RegistrationResponse{}, fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := infra.NewEncoder(conn).Encode(req); err != nil {
		return domain.RegistrationResponse{}, fmt.Errorf("failed to send registration: %w", err)
	}

	var resp domain.RegistrationResponse
	if err := infra.NewDecoder(conn).Decode(&resp); err != nil {
		return domain.RegistrationResponse{}, fmt.Errorf("failed to read registration response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("registration refused: %s", resp.Error)
	}
	return resp, nil
}

// Handshake raises the handshake signal at path, sends the completed record
// and waits for the watcher's reply. A NACK returns ErrRejected.
func Handshake(ctx context.Context, path string, record domain.Negotiation) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to reach watcher: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte{domain.SignalReady}); err != nil {
		return fmt.Errorf("failed to raise handshake signal: %w", err)
	}
	if err := infra.NewEncoder(conn).Encode(record); err != nil {
		return fmt.Errorf("failed to send negotiation record: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("failed to read handshake reply: %w", err)
	}
	switch reply[0] {
	case domain.ReplyACK:
		return nil
	case domain.ReplyNACK:
		return ErrRejected
	default:
		return fmt.Errorf("unexpected handshake reply 0x%02x", reply[0])
	}
}

// Monitor is the heartbeat connection to a watcher.
type Monitor struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the watcher's monitoring port.
func Dial(ctx context.Context, host string, port int) (*Monitor, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to monitoring port %d: %w", port, err)
	}
	return &Monitor{conn: conn}, nil
}

// Beat sends one heartbeat.
func (m *Monitor) Beat() error {
	return m.send(domain.Heartbeat)
}

// Panic asks the watcher for immediate emergency handling.
func (m *Monitor) Panic() error {
	return m.send(domain.Panic)
}

func (m *Monitor) send(b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.conn.Write([]byte{b})
	return err
}

// Run sends a heartbeat every interval until ctx is canceled or a write fails.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Beat(); err != nil {
			return fmt.Errorf("heartbeat failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the heartbeat connection.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Session is a fully negotiated monitoring session.
type Session struct {
	Registration domain.RegistrationResponse
	Monitor      *Monitor
}

// Connect registers serviceName with the supervisor at addr, completes the
// handshake on behalf of pid (0 means the current process) and opens the
// heartbeat connection. pid is the process SIGTERM is delivered to on escalation.
func Connect(ctx context.Context, addr, serviceName string, minRate uint16, pid int) (*Session, error) {
	if pid == 0 {
		pid = os.Getpid()
	}
	resp, err := Register(ctx, addr, domain.RegistrationRequest{
		ServiceName:      serviceName,
		MinHeartbeatRate: minRate,
		PID:              pid,
	})
	if err != nil {
		return nil, err
	}

	record := domain.Negotiation{
		ID:               resp.NegotiationID,
		DaemonPID:        pid,
		MonitoringPort:   resp.MonitoringPort,
		ServiceName:      serviceName,
		MinHeartbeatRate: minRate,
	}
	if err := Handshake(ctx, resp.HandshakePath, record); err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid supervisor address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	monitor, err := Dial(ctx, host, resp.MonitoringPort)
	if err != nil {
		return nil, err
	}
	return &Session{Registration: resp, Monitor: monitor}, nil
}
