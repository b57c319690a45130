package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/tentanet/p2pd/internal/service"
)

// Memory is an in-process service.Transport: Dial and Listen addresses
// are arbitrary string keys shared between every Memory instance pointing
// at the same registry, and connections are net.Pipe() pairs. Useful for
// tests and single-binary demos that want a full Service without a real
// socket.
type Memory struct {
	reg *memoryRegistry
}

// NewMemory constructs a transport bound to a fresh, empty address
// registry. Two *Memory values only see each other's listeners if built
// from the same NewMemoryNetwork.
func NewMemory() *Memory {
	return &Memory{reg: newMemoryRegistry()}
}

// NewMemoryNetwork returns n independent *Memory transports that all
// share one address registry, so a session dialed from one is accepted
// on another -- the shape most tests want.
func NewMemoryNetwork(n int) []*Memory {
	reg := newMemoryRegistry()
	out := make([]*Memory, n)
	for i := range out {
		out[i] = &Memory{reg: reg}
	}
	return out
}

func (m *Memory) Dial(ctx context.Context, address string) (service.Conn, error) {
	l, ok := m.reg.lookup(address)
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: %w: no listener registered", address, service.ErrDialerError)
	}
	client, server := net.Pipe()
	select {
	case l.incoming <- server:
		return client, nil
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	case <-l.closed:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("transport: dial %s: %w: listener closed", address, service.ErrDialerError)
	}
}

func (m *Memory) Listen(ctx context.Context, address string) (service.Listener, error) {
	l := &memoryListener{
		addr:     address,
		incoming: make(chan net.Conn, 16),
		closed:   make(chan struct{}),
	}
	if err := m.reg.register(address, l); err != nil {
		return nil, err
	}
	return l, nil
}

type memoryListener struct {
	addr     string
	incoming chan net.Conn
	closed   chan struct{}
	once     sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (service.Conn, string, error) {
	select {
	case conn := <-l.incoming:
		return conn, conn.RemoteAddr().String(), nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-l.closed:
		return nil, "", fmt.Errorf("transport: accept on %s: %w: listener closed", l.addr, service.ErrListenError)
	}
}

func (l *memoryListener) Addr() string { return l.addr }

func (l *memoryListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// memoryRegistry maps dial addresses to their listener within one
// simulated network.
type memoryRegistry struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{listeners: make(map[string]*memoryListener)}
}

func (r *memoryRegistry) register(address string, l *memoryListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.listeners[address]; dup {
		return fmt.Errorf("transport: listen %s: %w: address already in use", address, service.ErrListenError)
	}
	r.listeners[address] = l
	return nil
}

func (r *memoryRegistry) lookup(address string) (*memoryListener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[address]
	return l, ok
}
