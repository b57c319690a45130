package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/tentanet/p2pd/internal/service"
)

const nonceSize = 32

// Secure is an ed25519 challenge-response handshake: each side proves
// possession of the private key matching its advertised public key by
// signing a nonce chosen by the other side. The conn carries no further
// encryption -- Secure authenticates the peer, it does not encrypt the
// channel -- matching the scope the distilled handshake description
// leaves to this collaborator.
type Secure struct {
	PrivateKey ed25519.PrivateKey
}

// NewSecure generates a fresh ed25519 key pair for one Service instance.
func NewSecure() (*Secure, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate key: %w", err)
	}
	return &Secure{PrivateKey: priv}, nil
}

func (s *Secure) Handshake(ctx context.Context, conn service.Conn, t service.SessionType) (service.Conn, []byte, error) {
	done := make(chan error, 1)
	var remotePub []byte

	go func() {
		var err error
		remotePub, err = s.run(conn, t)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("handshake: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, nil, err
		}
		return conn, remotePub, nil
	}
}

// run performs the wire exchange. Outbound and Inbound mirror each
// other's read/write order exactly so a single synchronous duplex
// connection (e.g. net.Pipe) never deadlocks.
func (s *Secure) run(conn service.Conn, t service.SessionType) ([]byte, error) {
	localPub := s.PrivateKey.Public().(ed25519.PublicKey)

	if t == service.Outbound {
		if err := writeFull(conn, localPub); err != nil {
			return nil, err
		}
		remotePub, err := readFull(conn, ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}

		nonce, err := randomNonce()
		if err != nil {
			return nil, err
		}
		if err := writeFull(conn, nonce); err != nil {
			return nil, err
		}
		sig, err := readFull(conn, ed25519.SignatureSize)
		if err != nil {
			return nil, err
		}
		if !ed25519.Verify(remotePub, nonce, sig) {
			return nil, fmt.Errorf("handshake: %w: signature verification failed", service.ErrPeerIDNotMatch)
		}

		remoteNonce, err := readFull(conn, nonceSize)
		if err != nil {
			return nil, err
		}
		if err := writeFull(conn, ed25519.Sign(s.PrivateKey, remoteNonce)); err != nil {
			return nil, err
		}
		return remotePub, nil
	}

	remotePub, err := readFull(conn, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	if err := writeFull(conn, localPub); err != nil {
		return nil, err
	}

	nonce, err := readFull(conn, nonceSize)
	if err != nil {
		return nil, err
	}
	if err := writeFull(conn, ed25519.Sign(s.PrivateKey, nonce)); err != nil {
		return nil, err
	}

	ownNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	if err := writeFull(conn, ownNonce); err != nil {
		return nil, err
	}
	sig, err := readFull(conn, ed25519.SignatureSize)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(remotePub, ownNonce, sig) {
		return nil, fmt.Errorf("handshake: %w: signature verification failed", service.ErrPeerIDNotMatch)
	}
	return remotePub, nil
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	return nonce, nil
}

func writeFull(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("handshake: %w: %v", service.ErrIO, err)
	}
	return nil
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("handshake: %w: %v", service.ErrIO, err)
	}
	return buf, nil
}
