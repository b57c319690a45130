package service

import (
	"context"
	"io"
)

// This file declares the three external collaborators spec.md §1 scopes
// out of the Service Core: the transport, the cryptographic handshake, and
// the per-connection multiplexer. The Service only ever talks to these
// through the interfaces below; concrete implementations live in sibling
// packages (internal/transport, internal/handshake, internal/muxer) and
// are wired in at Builder time.

// Conn is the bidirectional byte stream a Transport yields on dial/accept.
type Conn interface {
	io.ReadWriteCloser
}

// Listener accepts inbound Conns on one bound address.
type Listener interface {
	// Accept blocks until a new inbound Conn is available, the listener
	// is closed, or ctx is done.
	Accept(ctx context.Context) (Conn, string, error)
	Addr() string
	Close() error
}

// Transport yields Conns on dial and Listeners on listen. This is the only
// interface the Service needs to open outbound connections and accept
// inbound ones; it deliberately says nothing about the wire protocol.
type Transport interface {
	Dial(ctx context.Context, address string) (Conn, error)
	Listen(ctx context.Context, address string) (Listener, error)
}

// Handshaker consumes a raw Conn and yields an authenticated Conn plus the
// remote's public key. A nil Handshaker (WithHandshaker not called) opens
// sessions unencrypted with no RemotePublicKey, per spec.md §4.4.
type Handshaker interface {
	Handshake(ctx context.Context, conn Conn, t SessionType) (secured Conn, remotePublicKey []byte, err error)
}

// Stream is one substream inside a muxed session, tagged with the
// ProtocolID and negotiated version it was opened for.
type Stream interface {
	io.ReadWriteCloser
	ProtocolID() ProtocolID
	Version() string
}

// MuxedSession is a multiplexed connection: it can open new outbound
// substreams and yields inbound ones as they're negotiated by the remote.
type MuxedSession interface {
	// OpenStream opens a substream for protoID, offering localVersions for
	// negotiation; the returned Stream reports whichever version the
	// remote selected.
	OpenStream(ctx context.Context, protoID ProtocolID, localVersions []string) (Stream, error)
	// AcceptStream blocks until the remote opens a substream, the session
	// ends, or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
}

// Muxer turns an authenticated Conn into a MuxedSession.
type Muxer interface {
	Open(ctx context.Context, conn Conn, t SessionType) (MuxedSession, error)
}
