// Package nat provides port-mapping collaborators for the Service Core's
// listeners: a Mapper interface, a Noop implementation for tests and
// networks with no NAT, and a UPnP IGD-backed implementation for real
// deployments. NAT traversal beyond UPnP IGD (PMP, PCP, hole punching) is
// out of scope.
package nat

import (
	"context"
	"fmt"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// Mapper requests and releases an external port mapping to a local
// address on a home router or similar NAT gateway.
type Mapper interface {
	// Map requests that externalPort on the gateway forward to
	// internalPort on this host, returning the external address other
	// peers should dial.
	Map(ctx context.Context, internalPort, externalPort int, description string) (externalIP string, err error)
	Unmap(ctx context.Context, externalPort int) error
}

// Noop never maps anything; Map always fails so callers fall back to
// advertising only their local listen address.
type Noop struct{}

func (Noop) Map(context.Context, int, int, string) (string, error) {
	return "", fmt.Errorf("nat: no mapper configured")
}

func (Noop) Unmap(context.Context, int) error { return nil }

// UPnP discovers an IGD-compliant gateway on the local network and
// requests TCP port mappings against it.
type UPnP struct {
	client *internetgateway2.WANIPConnection1
}

// DiscoverUPnP searches the local network for a WANIPConnection1-capable
// gateway. It returns an error if none responds.
func DiscoverUPnP(ctx context.Context) (*UPnP, error) {
	clients, errs, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("nat: discover gateway: %w", err)
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("nat: no gateway responded: %w", errs[0])
		}
		return nil, fmt.Errorf("nat: no gateway responded")
	}
	return &UPnP{client: clients[0]}, nil
}

func (u *UPnP) Map(ctx context.Context, internalPort, externalPort int, description string) (string, error) {
	localIP, err := localAddress()
	if err != nil {
		return "", err
	}
	const leaseSeconds = 3600
	if err := u.client.AddPortMapping("", uint16(externalPort), "TCP", uint16(internalPort), localIP, true, description, leaseSeconds); err != nil {
		return "", fmt.Errorf("nat: add port mapping: %w", err)
	}
	extIP, err := u.client.GetExternalIPAddress()
	if err != nil {
		return "", fmt.Errorf("nat: query external address: %w", err)
	}
	return extIP, nil
}

func (u *UPnP) Unmap(ctx context.Context, externalPort int) error {
	if err := u.client.DeletePortMapping("", uint16(externalPort), "TCP"); err != nil {
		return fmt.Errorf("nat: delete port mapping: %w", err)
	}
	return nil
}
