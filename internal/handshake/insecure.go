// Package handshake provides service.Handshaker implementations: an
// Insecure passthrough for tests and trusted networks, and a Secure
// ed25519 challenge-response handshake for production use.
package handshake

import (
	"context"

	"github.com/tentanet/p2pd/internal/service"
)

// Insecure performs no cryptographic handshake: it returns conn unchanged
// with a nil RemotePublicKey. Sessions opened this way cannot use
// RepeatedConnection detection, since that relies on a peer public key.
type Insecure struct{}

func (Insecure) Handshake(_ context.Context, conn service.Conn, _ service.SessionType) (service.Conn, []byte, error) {
	return conn, nil, nil
}
