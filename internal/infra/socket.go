package infra

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/eliteGoblin/focusd/carnary/internal/domain"
)

// TCPSocketFactory implements domain.SocketFactory with the net package.
type TCPSocketFactory struct {
	lc net.ListenConfig
}

// NewSocketFactory creates a socket factory.
func NewSocketFactory() domain.SocketFactory {
	return &TCPSocketFactory{}
}

// Listen binds address:port. Go's listeners set SO_REUSEADDR on Unix, so a
// port released by a finished watcher can be reused immediately.
func (f *TCPSocketFactory) Listen(ctx context.Context, address string, port int, proto domain.Protocol) (net.Listener, error) {
	if proto != domain.ProtocolTCP {
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	ln, err := f.lc.Listen(ctx, string(proto), addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Ensure TCPSocketFactory implements domain.SocketFactory.
var _ domain.SocketFactory = (*TCPSocketFactory)(nil)
