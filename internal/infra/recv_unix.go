//go:build unix

package infra

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// RecvByte performs a single non-blocking receive of one byte.
// Returns domain.ErrWouldBlock when no data is queued and io.EOF when the
// peer has closed the connection.
func RecvByte(conn syscall.Conn) (byte, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var buf [1]byte
	var n int
	var recvErr error
	err = raw.Read(func(fd uintptr) bool {
		n, _, recvErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, err
	}

	if recvErr != nil {
		if errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK) || errors.Is(recvErr, unix.EINTR) {
			return 0, domain.ErrWouldBlock
		}
		return 0, recvErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return buf[0], nil
}
