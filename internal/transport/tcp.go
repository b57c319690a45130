// Package transport provides service.Transport implementations: a TCP
// transport for production use and an in-memory pipe transport for tests
// and single-process demos.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/tentanet/p2pd/internal/service"
)

// TCP is a service.Transport backed by net.Dialer/net.Listen. Dial and
// Listen both accept addresses in host:port form.
type TCP struct {
	dialer net.Dialer
}

// NewTCP constructs a TCP transport with the standard library's default
// dialer, matching the zero-config behavior most callers want.
func NewTCP() *TCP {
	return &TCP{}
}

// Dial opens a TCP connection to address.
func (t *TCP) Dial(ctx context.Context, address string) (service.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w: %v", address, service.ErrDialerError, err)
	}
	return conn, nil
}

// Listen binds a TCP listener on address.
func (t *TCP) Listen(ctx context.Context, address string) (service.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w: %v", address, service.ErrListenError, err)
	}
	return &tcpListener{ln: ln}, nil
}

// tcpListener adapts net.Listener to service.Listener, whose Accept takes
// a context. When the context ends before a connection arrives, Accept
// closes the listener socket to unblock the pending accept.
type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (service.Conn, string, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		// Closing here unblocks the Accept goroutine; its result is
		// discarded (and the freshly accepted conn, if any, closed) once
		// it resolves, since nothing will read ch again.
		_ = l.ln.Close()
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, "", fmt.Errorf("transport: accept: %w: %v", service.ErrListenError, r.err)
		}
		return r.conn, r.conn.RemoteAddr().String(), nil
	}
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error { return l.ln.Close() }
