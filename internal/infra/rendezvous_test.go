package infra

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// dialDaemon plays the daemon side: raise the signal, send payload, read one reply byte.
func dialDaemon(t *testing.T, path string, signal byte, payload []byte) <-chan byte {
	t.Helper()
	replies := make(chan byte, 1)
	go func() {
		defer close(replies)
		conn, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte{signal}); err != nil {
			return
		}
		if payload != nil {
			if _, err := conn.Write(payload); err != nil {
				return
			}
			if cw, ok := conn.(*net.UnixConn); ok {
				_ = cw.CloseWrite()
			}
		}
		var reply [1]byte
		if _, err := io.ReadFull(conn, reply[:]); err == nil {
			replies <- reply[0]
		}
	}()
	return replies
}

func newTestRendezvous(t *testing.T) *UnixRendezvous {
	t.Helper()
	r, err := NewUnixRendezvous(t.TempDir(), "n-test")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestUnixRendezvous_FullHandshake(t *testing.T) {
	r := newTestRendezvous(t)

	record := domain.Negotiation{ID: "n-test", DaemonPID: 777, MonitoringPort: 7100, ServiceName: "lidar", MinHeartbeatRate: 5}
	payload, err := Marshal(record)
	require.NoError(t, err)

	replies := dialDaemon(t, r.Address(), domain.SignalReady, payload)

	require.NoError(t, r.Wait(context.Background()))

	n := &domain.Negotiation{ID: "n-test", MonitoringPort: 7100}
	require.NoError(t, r.ReadRecord(n))
	assert.Equal(t, 777, n.DaemonPID)
	assert.Equal(t, "lidar", n.ServiceName)
	assert.Equal(t, uint16(5), n.MinHeartbeatRate)

	require.NoError(t, r.Reply(domain.ReplyACK))
	assert.Equal(t, domain.ReplyACK, <-replies)
}

func TestUnixRendezvous_GarbageRecord(t *testing.T) {
	r := newTestRendezvous(t)
	replies := dialDaemon(t, r.Address(), domain.SignalReady, []byte{0xff, 0xff, 0xff})

	require.NoError(t, r.Wait(context.Background()))

	err := r.ReadRecord(&domain.Negotiation{ID: "n-test"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrHandshake))

	require.NoError(t, r.Reply(domain.ReplyNACK))
	assert.Equal(t, domain.ReplyNACK, <-replies)
}

func TestUnixRendezvous_MismatchedID(t *testing.T) {
	r := newTestRendezvous(t)
	payload, err := Marshal(domain.Negotiation{ID: "someone-else"})
	require.NoError(t, err)
	dialDaemon(t, r.Address(), domain.SignalReady, payload)

	require.NoError(t, r.Wait(context.Background()))
	err = r.ReadRecord(&domain.Negotiation{ID: "n-test"})
	assert.ErrorIs(t, err, domain.ErrHandshake)
}

func TestUnixRendezvous_WrongSignal(t *testing.T) {
	r := newTestRendezvous(t)
	replies := dialDaemon(t, r.Address(), 0x02, nil)

	err := r.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrHandshake)
	assert.ErrorIs(t, err, domain.ErrBadSignal)

	// The connection survives a bad signal, so the daemon can be told.
	require.NoError(t, r.Reply(domain.ReplyNACK))
	select {
	case got, ok := <-replies:
		require.True(t, ok, "daemon saw no reply")
		assert.Equal(t, domain.ReplyNACK, got)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never received NACK")
	}
}

func TestUnixRendezvous_MissingSignal(t *testing.T) {
	r := newTestRendezvous(t)
	go func() {
		conn, err := net.Dial("unix", r.Address())
		if err != nil {
			return
		}
		conn.Close()
	}()

	err := r.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrBadSignal)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnixRendezvous_SingleUse(t *testing.T) {
	r := newTestRendezvous(t)
	dialDaemon(t, r.Address(), domain.SignalReady, nil)
	require.NoError(t, r.Wait(context.Background()))

	_, err := net.Dial("unix", r.Address())
	assert.Error(t, err, "second connection must be refused")
}

func TestUnixRendezvous_WaitCanceled(t *testing.T) {
	r := newTestRendezvous(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnixRendezvous_ReplyBeforeSignal(t *testing.T) {
	r := newTestRendezvous(t)
	assert.ErrorIs(t, r.Reply(domain.ReplyACK), domain.ErrHandshake)
}

func TestUnixRendezvous_CloseRemovesSocket(t *testing.T) {
	r, err := NewUnixRendezvous(t.TempDir(), "n-close")
	require.NoError(t, err)

	_, err = os.Stat(r.Address())
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "Close must be idempotent")

	_, err = os.Stat(r.Address())
	assert.True(t, os.IsNotExist(err))
}
