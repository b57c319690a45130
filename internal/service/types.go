package service

import (
	"sync/atomic"
	"time"
)

// SessionID uniquely identifies a live session for the lifetime of the
// process. Values are assigned from a strictly increasing counter starting
// at 1 and are never reused.
type SessionID uint64

// ProtocolID is a stable integer identifier chosen by configuration.
type ProtocolID uint32

// SessionType distinguishes who initiated a session.
type SessionType uint8

const (
	// Inbound sessions were accepted on a listener.
	Inbound SessionType = iota
	// Outbound sessions were established by dialing a remote address.
	Outbound
)

// IsOutbound reports whether t is Outbound. Mirrors the trivial
// client/server predicate a transport-level multiplexer exposes.
func (t SessionType) IsOutbound() bool { return t == Outbound }

func (t SessionType) String() string {
	if t == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Priority selects which of a SessionController's two outbound queues an
// event is delivered through. Quick-priority events are always fully
// drained ahead of Normal-priority ones for the same destination in a
// single dispatch round.
type Priority uint8

const (
	// Normal is the default, lower-priority outbound queue.
	Normal Priority = iota
	// Quick is drained ahead of Normal for the same destination.
	Quick
)

// TargetSession selects which sessions a ProtocolMessage task is routed to.
type TargetSession struct {
	kind targetKind
	ids  []SessionID
}

type targetKind uint8

const (
	targetAll targetKind = iota
	targetSingle
	targetMulti
)

// AllSessions routes to every live session subscribed to the protocol.
func AllSessions() TargetSession { return TargetSession{kind: targetAll} }

// SingleSession routes to exactly one session.
func SingleSession(id SessionID) TargetSession {
	return TargetSession{kind: targetSingle, ids: []SessionID{id}}
}

// MultiSession routes to an explicit set of sessions.
func MultiSession(ids ...SessionID) TargetSession {
	return TargetSession{kind: targetMulti, ids: append([]SessionID(nil), ids...)}
}

// matches reports whether id is selected by t.
func (t TargetSession) matches(id SessionID) bool {
	switch t.kind {
	case targetAll:
		return true
	case targetSingle, targetMulti:
		for _, c := range t.ids {
			if c == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// TargetProtocol selects which protocols to open on a freshly dialed or
// accepted session.
type TargetProtocol struct {
	kind targetKind
	ids  []ProtocolID
}

// AllProtocols opens every configured protocol on the session.
func AllProtocols() TargetProtocol { return TargetProtocol{kind: targetAll} }

// SingleProtocol opens exactly one protocol on the session.
func SingleProtocol(id ProtocolID) TargetProtocol {
	return TargetProtocol{kind: targetSingle, ids: []ProtocolID{id}}
}

// MultiProtocol opens an explicit set of protocols on the session.
func MultiProtocol(ids ...ProtocolID) TargetProtocol {
	return TargetProtocol{kind: targetMulti, ids: append([]ProtocolID(nil), ids...)}
}

// contains reports whether id is selected by t, given the full configured
// protocol table (needed for the All case).
func (t TargetProtocol) contains(id ProtocolID, configured []ProtocolID) bool {
	switch t.kind {
	case targetAll:
		for _, c := range configured {
			if c == id {
				return true
			}
		}
		return false
	case targetSingle, targetMulti:
		for _, c := range t.ids {
			if c == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// SessionContext is the shared, read-mostly record describing one session.
// It is created at session open and shared between the Service, the
// session task, and any user handler that holds a reference; it is
// destroyed only when the last reference drops after session close.
//
// closed is the one piece of cross-task mutable state the core allows: it
// lets the dispatcher discard ProtocolMessage enqueues for an
// already-closed session without a channel round trip.
type SessionContext struct {
	ID              SessionID
	RemoteAddress   string
	SessionType     SessionType
	RemotePublicKey []byte // nil if the session is unencrypted

	closed atomic.Bool
}

// Closed reports whether the session has been torn down.
func (c *SessionContext) Closed() bool { return c.closed.Load() }

func (c *SessionContext) setClosed() { c.closed.Store(true) }

// ProtocolMeta is immutable configuration for one application protocol,
// constructed once at build time (Builder.WithServiceProtocol or
// Builder.WithSessionProtocolFactory).
type ProtocolMeta struct {
	ID                 ProtocolID
	Name               string
	SupportedVersions  []string
	ServiceHandle      ServiceProtocol // nil if this protocol has no service-level handler
	SessionHandle      func() SessionProtocol
	BeforeSend         func(data []byte) []byte // optional transform, applied once per message
	WantsServiceEvents bool                      // not read by the Service; a ServiceProtocol gets Connected/Received/Disconnected whether or not it is set
}

// Negotiate picks the highest mutually supported protocol version between
// the locally configured versions and the versions the remote peer
// advertised at ProtocolOpen. Versions are compared by exact string match
// in configuration order (supported_versions is expected to be in
// preference order, highest first), mirroring the negotiation omitted from
// the distilled spec but present in the original nervosnetwork/p2p source.
func (m ProtocolMeta) Negotiate(remote []string) (string, bool) {
	for _, v := range m.SupportedVersions {
		for _, r := range remote {
			if v == r {
				return v, true
			}
		}
	}
	return "", false
}

// clampDuration guards against a caller passing a non-positive interval to
// a ticker-backed notify (which would panic).
func clampDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
