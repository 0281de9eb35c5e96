package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// UnixRendezvous implements domain.Handshake over a Unix domain socket.
// It accepts exactly one connection: the daemon connects, writes
// domain.SignalReady (the raised handshake signal), writes the CBOR record,
// then reads a single reply byte.
type UnixRendezvous struct {
	path     string
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewUnixRendezvous creates the rendezvous socket dir/name.sock, readable
// only by the owning user.
func NewUnixRendezvous(dir, name string) (*UnixRendezvous, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	path := filepath.Join(dir, name+".sock")
	_ = os.Remove(path) // Stale socket from a crashed supervisor

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict %s: %w", path, err)
	}

	return &UnixRendezvous{path: path, listener: ln}, nil
}

// Address returns the socket path the daemon connects to.
func (r *UnixRendezvous) Address() string {
	return r.path
}

// Wait blocks until the daemon connects and raises the ready signal.
// There is no timeout; canceling ctx aborts the wait. A connected daemon
// that sends anything else gets domain.ErrBadSignal and can still be
// answered with Reply.
func (r *UnixRendezvous) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.listener.Close() })
	defer stop()

	conn, err := r.listener.Accept()
	// Single use: nobody else may connect after the daemon.
	_ = r.listener.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waiting for handshake signal: %w", domain.ErrHandshake, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	var signal [1]byte
	if _, err := io.ReadFull(conn, signal[:]); err != nil {
		return fmt.Errorf("%w: %w: %w", domain.ErrHandshake, domain.ErrBadSignal, err)
	}
	if signal[0] != domain.SignalReady {
		return fmt.Errorf("%w: %w: got 0x%02x", domain.ErrHandshake, domain.ErrBadSignal, signal[0])
	}
	return nil
}

// ReadRecord decodes the daemon-completed record into n.
// The negotiation ID and handshake handle are never overwritten.
func (r *UnixRendezvous) ReadRecord(n *domain.Negotiation) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}

	var update domain.Negotiation
	if err := NewDecoder(conn).Decode(&update); err != nil {
		return fmt.Errorf("%w: reading negotiation record: %w", domain.ErrHandshake, err)
	}
	if update.ID != "" && update.ID != n.ID {
		return fmt.Errorf("%w: record is for negotiation %q, expected %q", domain.ErrHandshake, update.ID, n.ID)
	}

	n.DaemonPID = update.DaemonPID
	n.MonitoringPort = update.MonitoringPort
	n.ServiceName = update.ServiceName
	n.MinHeartbeatRate = update.MinHeartbeatRate
	return nil
}

// Reply writes a one-byte acknowledgment code.
func (r *UnixRendezvous) Reply(code byte) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte{code}); err != nil {
		return fmt.Errorf("%w: replying to daemon: %w", domain.ErrHandshake, err)
	}
	return nil
}

// Close releases the connection, listener and socket file.
func (r *UnixRendezvous) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		r.mu.Lock()
		if r.conn != nil {
			errs = append(errs, r.conn.Close())
		}
		r.mu.Unlock()
		if err := r.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *UnixRendezvous) connection() (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, fmt.Errorf("%w: handshake signal not received", domain.ErrHandshake)
	}
	return r.conn, nil
}

// Ensure UnixRendezvous implements domain.Handshake.
var _ domain.Handshake = (*UnixRendezvous)(nil)
