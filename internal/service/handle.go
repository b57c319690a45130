package service

import (
	"log/slog"
	"sync/atomic"
)

// ReceivedSize is the bounded capacity of each service-level and
// session-level handler channel (spec.md §4.5, §6 RECEIVED_SIZE).
const ReceivedSize = 512

// ServiceEventKind enumerates ServiceHandle.HandleEvent variants.
type ServiceEventKind uint8

const (
	SessionOpenEvent ServiceEventKind = iota
	SessionCloseEvent
	ListenStartedEvent
	ListenCloseEvent
)

// ServiceEvent is the payload of ServiceHandle.HandleEvent.
type ServiceEvent struct {
	Kind      ServiceEventKind
	Session   *SessionContext // set for SessionOpen/SessionClose
	ListenStr string          // set for ListenStarted/ListenClose
}

// ProtocolEventKind enumerates ServiceProtocol / SessionProtocol callback
// variants.
type ProtocolEventKind uint8

const (
	ConnectedEvent ProtocolEventKind = iota
	ReceivedEvent
	DisconnectedEvent
	NotifyEvent
)

// protocolEvent is the internal representation fed into both service-level
// and session-level handler channels.
type protocolEvent struct {
	Kind    ProtocolEventKind
	Session *SessionContext
	ProtoID ProtocolID
	Version string
	Data    []byte
	Token   uint64 // set for NotifyEvent
}

// ServiceHandle is the user-supplied, service-wide callback surface.
// Both methods are invoked synchronously on the run loop's goroutine (from
// Poll); a panic in either is recovered and logged.
type ServiceHandle interface {
	HandleEvent(ctx *ServiceContext, ev ServiceEvent)
	HandleError(ctx *ServiceContext, err *ServiceError)
}

// ServiceProtocol is a service-level handler: it observes events for one
// protocol aggregated across every session.
type ServiceProtocol interface {
	Connected(ctx *ServiceContext, session *SessionContext, version string)
	Received(ctx *ServiceContext, session *SessionContext, data []byte)
	Disconnected(ctx *ServiceContext, session *SessionContext)
	// Notify fires on the interval armed by TaskSetProtocolNotify, tagged
	// with the token that call was given so one handler can run several
	// independent timers. session is always nil for a service-level
	// notify; it exists only so ServiceProtocol and SessionProtocol share
	// a method set.
	Notify(ctx *ServiceContext, session *SessionContext, token uint64)
}

// SessionProtocol is a session-level handler: it observes events for one
// protocol restricted to a single session.
type SessionProtocol interface {
	Connected(ctx *ServiceContext, session *SessionContext, version string)
	Received(ctx *ServiceContext, session *SessionContext, data []byte)
	Disconnected(ctx *ServiceContext, session *SessionContext)
	Notify(ctx *ServiceContext, session *SessionContext, token uint64)
}

// ServiceControl is the cheap, cloneable capability handed to user code
// (via ServiceContext) for submitting ServiceTasks without holding a
// reference to the Service itself.
type ServiceControl struct {
	quick    chan<- ServiceTask
	normal   chan<- ServiceTask
	shutdown *atomic.Bool

	quickCount  *atomic.Int64
	normalCount *atomic.Int64
}

// Quick submits a task on the high-priority control channel. Both channels
// hold at most sendSize (512) tasks, and a call blocks while its channel is
// full. Once the Service has begun shutting down, the task is dropped
// without notice. Poll drains every quick task before any normal one.
func (c *ServiceControl) Quick(t ServiceTask) {
	if c.shutdown.Load() {
		return
	}
	c.quickCount.Add(1)
	c.quick <- t
}

// Normal submits a task on the normal-priority control channel.
func (c *ServiceControl) Normal(t ServiceTask) {
	if c.shutdown.Load() {
		return
	}
	c.normalCount.Add(1)
	c.normal <- t
}

// IsShutdown reports whether the Service has entered PreShutdown or Done.
func (c *ServiceControl) IsShutdown() bool { return c.shutdown.Load() }

// ServiceContext is the capability passed to every handler callback: a
// ServiceControl clone plus read-only service metadata.
type ServiceContext struct {
	Control     *ServiceControl
	ListenAddrs func() []string
	Protocols   func() []ProtocolMeta
	Logger      *slog.Logger
}

// spawnServiceHandler builds the bounded channel + dispatch goroutine pair
// described in spec.md §4.5 for a service-level handler. The returned
// channel is what the FSM enqueues protocolEvents into; the goroutine
// drains it and invokes proto.Connected/Received/Disconnected.
func spawnServiceHandler(sc *ServiceContext, proto ServiceProtocol, logger *slog.Logger) chan protocolEvent {
	ch := make(chan protocolEvent, ReceivedSize)
	go func() {
		for ev := range ch {
			dispatchProtocolEvent(sc, proto, ev, logger)
		}
	}()
	return ch
}

// spawnSessionHandler is the session-scoped analogue of spawnServiceHandler.
func spawnSessionHandler(sc *ServiceContext, proto SessionProtocol, logger *slog.Logger) chan protocolEvent {
	ch := make(chan protocolEvent, ReceivedSize)
	go func() {
		for ev := range ch {
			dispatchProtocolEvent(sc, proto, ev, logger)
		}
	}()
	return ch
}

// sessionProtoAdapter lets dispatchProtocolEvent treat ServiceProtocol and
// SessionProtocol uniformly; both interfaces share the same method set.
type sessionProtoAdapter interface {
	Connected(ctx *ServiceContext, session *SessionContext, version string)
	Received(ctx *ServiceContext, session *SessionContext, data []byte)
	Disconnected(ctx *ServiceContext, session *SessionContext)
	Notify(ctx *ServiceContext, session *SessionContext, token uint64)
}

func dispatchProtocolEvent(sc *ServiceContext, proto sessionProtoAdapter, ev protocolEvent, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("protocol handler panic, triggering graceful shutdown",
				slog.Any("panic", r),
				slog.Int("proto_id", int(ev.ProtoID)),
			)
			sc.Control.Quick(TaskShutdown{Quick: false})
		}
	}()
	switch ev.Kind {
	case ConnectedEvent:
		proto.Connected(sc, ev.Session, ev.Version)
	case ReceivedEvent:
		proto.Received(sc, ev.Session, ev.Data)
	case DisconnectedEvent:
		proto.Disconnected(sc, ev.Session)
	case NotifyEvent:
		proto.Notify(sc, ev.Session, ev.Token)
	}
}
