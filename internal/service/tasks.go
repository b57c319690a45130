package service

// ServiceTask is the variant type submitted through ServiceControl.Quick /
// ServiceControl.Normal (spec.md §4.2, §5 Control Surface). The run loop
// drains pending tasks once per Poll turn and applies each to Service
// state via the Lifecycle FSM.
type ServiceTask interface{ isServiceTask() }

// TaskDial asks the Service to open an outbound session to address. Target
// selects which protocols get a substream opened once the session comes
// up (spec.md §3's "pending dial targets Multiaddr → TargetProtocol");
// the zero value is AllProtocols(). PeerID, if non-empty, is the peer id
// the caller's address carried (e.g. the /p2p/<id> component of a
// multiaddr): the handshake-derived public key must match it or the
// session is rejected with PeerIdNotMatch. A dial already in flight to
// the same Address is a no-op (spec.md §6).
type TaskDial struct {
	Address string
	Target  TargetProtocol
	PeerID  string
}

func (TaskDial) isServiceTask() {}

// TaskListen asks the Service to bind a new listener.
type TaskListen struct {
	Address string
}

func (TaskListen) isServiceTask() {}

// TaskDisconnect asks the Service to close a live session.
type TaskDisconnect struct {
	Session SessionID
}

func (TaskDisconnect) isServiceTask() {}

// TaskProtocolMessage enqueues application payload addressed to Target,
// restricted to sessions that negotiated Proto.
type TaskProtocolMessage struct {
	Target   TargetSession
	Proto    ProtocolID
	Data     []byte
	Priority Priority
}

func (TaskProtocolMessage) isServiceTask() {}

// TaskProtocolOpen asks every session matching Target to open a substream
// for Proto, if it isn't already open.
type TaskProtocolOpen struct {
	Target TargetSession
	Proto  ProtocolID
}

func (TaskProtocolOpen) isServiceTask() {}

// TaskProtocolClose asks every session matching Target to close its
// substream for Proto, if open.
type TaskProtocolClose struct {
	Target TargetSession
	Proto  ProtocolID
}

func (TaskProtocolClose) isServiceTask() {}

// TaskFuture submits a background FutureTask through the Service's
// FutureTaskManager, so it is cancelled automatically on Shutdown.
type TaskFuture struct {
	Task FutureTask
}

func (TaskFuture) isServiceTask() {}

// TaskSetProtocolNotify arms a periodic notify callback on a service-level
// handler: the handler's Notify (not Received) is called with Token every
// Interval, driven by a ticker that runs as a single FutureTask owned by
// the Service.
type TaskSetProtocolNotify struct {
	Proto    ProtocolID
	Interval uint64 // milliseconds
	Token    uint64
}

func (TaskSetProtocolNotify) isServiceTask() {}

// TaskRemoveProtocolNotify cancels a notify previously armed by
// TaskSetProtocolNotify, matched by Token.
type TaskRemoveProtocolNotify struct {
	Proto ProtocolID
	Token uint64
}

func (TaskRemoveProtocolNotify) isServiceTask() {}

// TaskSetProtocolSessionNotify / TaskRemoveProtocolSessionNotify are the
// per-session analogues, arming or disarming a notify timer scoped to one
// session instead of the whole service.
type TaskSetProtocolSessionNotify struct {
	Target   TargetSession
	Proto    ProtocolID
	Interval uint64
	Token    uint64
}

func (TaskSetProtocolSessionNotify) isServiceTask() {}

type TaskRemoveProtocolSessionNotify struct {
	Target TargetSession
	Proto  ProtocolID
	Token  uint64
}

func (TaskRemoveProtocolSessionNotify) isServiceTask() {}

// TaskShutdown requests the run loop begin shutting down. Quick, when
// true, skips draining in-flight read_service_buf/read_session_buf
// entries (spec.md §9's resolved shutdown-drain policy; see DESIGN.md).
type TaskShutdown struct {
	Quick bool
}

func (TaskShutdown) isServiceTask() {}

// eventSource distinguishes an internally generated Lifecycle transition
// (the Service noticed a session died) from one requested externally
// (user code or the remote peer), purely for logging.
type eventSource uint8

const (
	sourceExternal eventSource = iota
	sourceInternal
)

// SessionEvent is the variant type a session task reports back to the
// Service on its shared session-event channel (spec.md §4.4).
type SessionEvent interface{ isSessionEvent() }

// EventHandshakeSuccess reports a completed handshake. The run loop
// allocates the SessionID only now, on success, so a failed handshake
// never consumes a session slot.
type EventHandshakeSuccess struct {
	RemoteAddress string
	SessionType   SessionType
	Muxed         MuxedSession
	PublicKey     []byte
}

func (EventHandshakeSuccess) isSessionEvent() {}

// EventHandshakeFail reports a handshake that errored or timed out before
// a session was ever registered.
type EventHandshakeFail struct {
	RemoteAddress string
	SessionType   SessionType
	Err           error
	TimedOut      bool
}

func (EventHandshakeFail) isSessionEvent() {}

// EventDialStart reports that a dial is now in flight, before its outcome
// is known. EventListenStart reports that a listen attempt has bound its
// listener.
type EventDialStart struct{ Address string }

func (EventDialStart) isSessionEvent() {}

type EventListenStart struct{ Address string }

func (EventListenStart) isSessionEvent() {}

// EventDialError / EventListenError report a failed dial or listen.
type EventDialError struct {
	Address string
	Err     error
}

func (EventDialError) isSessionEvent() {}

type EventListenError struct {
	Address string
	Err     error
}

func (EventListenError) isSessionEvent() {}

// EventSessionClose reports that a session task has exited.
type EventSessionClose struct {
	Session SessionID
	Source  eventSource
}

func (EventSessionClose) isSessionEvent() {}

// EventSessionTimeout reports that a session exceeded its idle deadline.
type EventSessionTimeout struct{ Session SessionID }

func (EventSessionTimeout) isSessionEvent() {}

// EventMuxerError reports a muxer-level failure on an otherwise live
// session (distinct from a clean close).
type EventMuxerError struct {
	Session SessionID
	Err     error
}

func (EventMuxerError) isSessionEvent() {}

// EventProtocolOpen / EventProtocolClose report substream lifecycle for
// one protocol on one session.
type EventProtocolOpen struct {
	Session SessionID
	Proto   ProtocolID
	Version string
	Source  eventSource
}

func (EventProtocolOpen) isSessionEvent() {}

type EventProtocolClose struct {
	Session SessionID
	Proto   ProtocolID
	Source  eventSource
}

func (EventProtocolClose) isSessionEvent() {}

// EventProtocolSelectError reports that version negotiation for Proto
// failed on Session (no overlapping SupportedVersions).
type EventProtocolSelectError struct {
	Session SessionID
	Proto   ProtocolID
}

func (EventProtocolSelectError) isSessionEvent() {}

// EventProtocolError reports a protocol-level error surfaced by the
// session task (for instance, a framing violation).
type EventProtocolError struct {
	Session SessionID
	Proto   ProtocolID
	Err     error
}

func (EventProtocolError) isSessionEvent() {}

// EventProtocolMessage delivers inbound application payload from a
// session's substream.
type EventProtocolMessage struct {
	Session SessionID
	Proto   ProtocolID
	Data    []byte
}

func (EventProtocolMessage) isSessionEvent() {}
