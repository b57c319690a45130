package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Constants from spec.md §6.
const (
	receivedBufferSize = 2048 // capacity of the shared session-event channel
	sendSize           = 512  // SessionController queue capacity, each priority
	notifyInterval     = 200 * time.Millisecond
	delayTime          = 300 * time.Millisecond
	futureManagerDelay = 100 * time.Millisecond

	quickCountNotifyThreshold  = 512
	normalCountNotifyThreshold = 1024
)

// runState is the Service's top-level lifecycle state (spec.md §3).
type runState uint8

const (
	stateRunning runState = iota // Running{count}: count is stopWhen below
	stateForever
	statePreShutdown
	stateDone
)

// Builder assembles a Service from its external collaborators and
// registered protocols before the first Poll call.
type Builder struct {
	svc *Service
	err error
}

// NewBuilder starts construction of a Service. logger is scoped with
// component=service for every message the core itself emits; handlers get
// their own further-scoped logger through ServiceContext.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{svc: newService(logger)}
}

// WithTransport installs the Transport used for TaskDial/TaskListen.
func (b *Builder) WithTransport(t Transport) *Builder {
	b.svc.transport = t
	return b
}

// WithHandshaker installs the Handshaker run on every new Conn before it
// is handed to the Muxer. Omit for an unencrypted service.
func (b *Builder) WithHandshaker(h Handshaker) *Builder {
	b.svc.handshaker = h
	return b
}

// WithMuxer installs the Muxer used to turn handshaken Conns into
// MuxedSessions.
func (b *Builder) WithMuxer(m Muxer) *Builder {
	b.svc.muxer = m
	return b
}

// WithServiceHandle installs the service-wide ServiceHandle.
func (b *Builder) WithServiceHandle(h ServiceHandle) *Builder {
	b.svc.serviceHandle = h
	return b
}

// WithForever puts the Service in Forever mode. Poll does not consult the
// mode: in either mode Run returns only after a shutdown or a cancelled
// context, never because every session and listener has closed.
func (b *Builder) WithForever() *Builder {
	b.svc.state = stateForever
	return b
}

// WithHandshakeTimeout overrides defaultHandshakeTimeout.
func (b *Builder) WithHandshakeTimeout(d time.Duration) *Builder {
	b.svc.handshakeTimeout = clampDuration(d, defaultHandshakeTimeout)
	return b
}

// WithServiceProtocol registers a service-level protocol handler.
func (b *Builder) WithServiceProtocol(meta ProtocolMeta, proto ServiceProtocol) *Builder {
	if _, dup := b.svc.protocolTable[meta.ID]; dup {
		b.err = fmt.Errorf("service: duplicate protocol id %d: %w", meta.ID, ErrProtocolSelectError)
		return b
	}
	meta.ServiceHandle = proto
	b.svc.protocolTable[meta.ID] = meta
	b.svc.serviceHandlers[meta.ID] = spawnServiceHandler(b.svc.context(), proto, b.svc.logger)
	return b
}

// WithSessionProtocolFactory registers a protocol whose handler is
// per-session: newHandle is called each time the Service asks a session to
// open protoID's substream (when the session opens, and on
// TaskProtocolOpen), grounded on spec.md §4.5's distinction
// between service-level and session-level handlers.
func (b *Builder) WithSessionProtocolFactory(meta ProtocolMeta, newHandle func() SessionProtocol) *Builder {
	if _, dup := b.svc.protocolTable[meta.ID]; dup {
		b.err = fmt.Errorf("service: duplicate protocol id %d: %w", meta.ID, ErrProtocolSelectError)
		return b
	}
	meta.SessionHandle = newHandle
	b.svc.protocolTable[meta.ID] = meta
	return b
}

// Build validates accumulated options and returns the assembled Service.
func (b *Builder) Build() (*Service, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.svc.transport == nil {
		return nil, fmt.Errorf("service: Builder requires WithTransport")
	}
	if b.svc.muxer == nil {
		return nil, fmt.Errorf("service: Builder requires WithMuxer")
	}
	if b.svc.serviceHandle == nil {
		b.svc.serviceHandle = noopServiceHandle{}
	}
	return b.svc, nil
}

// Service is the Service Core: the single cooperative event loop that
// owns every session, listener, and dispatch buffer described in
// spec.md §3-§5.
type Service struct {
	logger        *slog.Logger
	transport     Transport
	handshaker    Handshaker
	muxer         Muxer
	serviceHandle ServiceHandle

	protocolTable map[ProtocolID]ProtocolMeta

	state    runState
	stopWhen int // Running{count}: not read by Poll; the Service does not stop on its own when sessions and listeners reach zero

	nextSession    SessionID
	sessions       map[SessionID]*SessionController
	sessionMeta    map[SessionID]*sessionRuntime
	sessionsByPeer map[string]SessionID // remote public key -> SessionID, for RepeatedConnection detection

	listeners      map[string]Listener
	pendingListens map[string]bool // listen addresses with a bind FutureTask in flight

	pendingDials map[string]pendingDial // dial addresses with a handshake FutureTask in flight

	serviceHandlers map[ProtocolID]chan protocolEvent
	sessionHandlers map[sessionProtoKey]chan protocolEvent

	quickTasks  chan ServiceTask
	normalTasks chan ServiceTask
	sessionEvts chan sessionEventEnvelope

	disp dispatcher

	incomingConns chan acceptedConn

	notifyStops       map[notifyKey]chan struct{}
	nextPressureCheck time.Time
	handshakeTimeout  time.Duration

	futures *FutureTaskManager

	control  *ServiceControl
	shutdown *atomic.Bool

	notifyDue time.Time
	mu        sync.Mutex // guards sessions/sessionMeta/sessionsByPeer/listeners/notifyStops maps against concurrent access from FutureTask goroutines
}

// pendingDial records a dial submitted to the transport but not yet
// resolved to a session, so a repeated Dial to the same address is a
// no-op (spec.md §6) and sessionOpen can recover the TargetProtocol and
// expected peer id once the handshake completes.
type pendingDial struct {
	target TargetProtocol
	peerID string
}

// acceptedConn is a raw inbound Conn handed from a listener's accept loop
// (running as a FutureTask) to Poll's listener-ingestion step.
type acceptedConn struct {
	conn       Conn
	remoteAddr string
	listenAddr string
}

// sessionRuntime holds per-session bookkeeping the Lifecycle FSM needs
// that doesn't belong on the shared, read-mostly SessionContext: which
// protocols are open, and a FutureTaskID slot for the session's handshake
// task, which sessionOpen leaves unset.
type sessionRuntime struct {
	openProtocols map[ProtocolID]bool
	handshakeTask FutureTaskID
}

// sessionEventEnvelope wraps a SessionEvent crossing from a session task
// (or a dial/listen FutureTask) back onto the run loop's single-consumer
// channel. Each variant carries whatever identifying information it
// needs (a SessionID once one is allocated, an address before then).
type sessionEventEnvelope struct {
	event SessionEvent
}

type noopServiceHandle struct{}

func (noopServiceHandle) HandleEvent(*ServiceContext, ServiceEvent) {}
func (noopServiceHandle) HandleError(*ServiceContext, *ServiceError) {}

func newService(logger *slog.Logger) *Service {
	scoped := logger.With(slog.String("component", "service"))
	s := &Service{
		logger:           scoped,
		protocolTable:    make(map[ProtocolID]ProtocolMeta),
		sessions:         make(map[SessionID]*SessionController),
		sessionMeta:      make(map[SessionID]*sessionRuntime),
		sessionsByPeer:   make(map[string]SessionID),
		listeners:        make(map[string]Listener),
		pendingListens:   make(map[string]bool),
		pendingDials:     make(map[string]pendingDial),
		serviceHandlers:  make(map[ProtocolID]chan protocolEvent),
		sessionHandlers:  make(map[sessionProtoKey]chan protocolEvent),
		quickTasks:       make(chan ServiceTask, sendSize),
		normalTasks:      make(chan ServiceTask, sendSize),
		sessionEvts:      make(chan sessionEventEnvelope, receivedBufferSize),
		incomingConns:    make(chan acceptedConn, sendSize),
		notifyStops:      make(map[notifyKey]chan struct{}),
		futures:          NewFutureTaskManager(sendSize, scoped),
		shutdown:         new(atomic.Bool),
		handshakeTimeout: defaultHandshakeTimeout,
	}
	s.control = &ServiceControl{
		quick:       s.quickTasks,
		normal:      s.normalTasks,
		shutdown:    s.shutdown,
		quickCount:  new(atomic.Int64),
		normalCount: new(atomic.Int64),
	}
	return s
}

// context builds the ServiceContext capability handed to handler callbacks.
func (s *Service) context() *ServiceContext {
	return &ServiceContext{
		Control:     s.control,
		ListenAddrs: s.ListenAddrs,
		Protocols:   s.Protocols,
		Logger:      s.logger,
	}
}

// ListenAddrs returns the bound address of every live listener.
func (s *Service) ListenAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for addr := range s.listeners {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Protocols returns the metadata of every registered protocol.
func (s *Service) Protocols() []ProtocolMeta {
	metas := make([]ProtocolMeta, 0, len(s.protocolTable))
	for _, m := range s.protocolTable {
		metas = append(metas, m)
	}
	return metas
}

// Control returns the ServiceControl used to submit ServiceTasks from
// outside the run loop (spec.md §5's Control Surface).
func (s *Service) Control() *ServiceControl { return s.control }

// SessionSnapshot is a read-only view of one live session, returned by
// Sessions for inspection by admin surfaces and tests.
type SessionSnapshot struct {
	ID            SessionID
	RemoteAddress string
	SessionType   SessionType
	OpenProtocols []ProtocolID
}

// Sessions returns a snapshot of every live session.
func (s *Service) Sessions() []SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(s.sessions))
	for id, ctrl := range s.sessions {
		rt := s.sessionMeta[id]
		var protos []ProtocolID
		for p := range rt.openProtocols {
			protos = append(protos, p)
		}
		out = append(out, SessionSnapshot{
			ID:            id,
			RemoteAddress: ctrl.Context().RemoteAddress,
			SessionType:   ctrl.Context().SessionType,
			OpenProtocols: protos,
		})
	}
	return out
}

// reportError forwards a ServiceError to the ServiceHandle, recovering
// from (and logging) any panic in user code.
func (s *Service) reportError(err *ServiceError) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ServiceHandle.HandleError panic", slog.Any("panic", r))
		}
	}()
	s.serviceHandle.HandleError(s.context(), err)
}

// reportEvent forwards a ServiceEvent to the ServiceHandle, recovering
// from (and logging) any panic in user code.
func (s *Service) reportEvent(ev ServiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ServiceHandle.HandleEvent panic", slog.Any("panic", r))
		}
	}()
	s.serviceHandle.HandleEvent(s.context(), ev)
}

// scheduleDelay records that this turn produced backpressure so Run's
// next idle-wait is delayTime (300ms) instead of the steady-state
// notifyInterval (200ms) (spec.md §4.6).
func (s *Service) scheduleDelay() {
	s.notifyDue = time.Time{} // force the next idle-wait to use delayTime
}

// shutdownRequested begins the PreShutdown sequence. quick skips draining
// in-flight handler buffers (see DESIGN.md for the resolution of
// spec.md §9's open question on drain-at-shutdown policy).
func (s *Service) shutdownRequested(quick bool) {
	if s.shutdown.Load() {
		return
	}
	s.shutdown.Store(true)
	s.state = statePreShutdown
	s.logger.Info("shutdown requested", slog.Bool("quick", quick))

	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}

	for id := range s.sessions {
		s.sessionClose(id, sourceInternal)
	}

	if !quick {
		// Give in-flight read_service_buf/read_session_buf entries one
		// more distribute pass before the handler channels are closed.
		s.distributeToUserLevel()
	}

	for _, ch := range s.serviceHandlers {
		close(ch)
	}
	for _, ch := range s.sessionHandlers {
		close(ch)
	}
	s.futures.Shutdown()
	s.state = stateDone
}

// Poll runs one turn of the event loop: spec.md §4's fixed order of
// listener accept, session-event ingestion, task ingestion, dispatch to
// sessions, dispatch to user handlers, and future-task flushing. It
// returns false once the Service has fully shut down and Run should stop
// calling it.
func (s *Service) Poll(ctx context.Context) bool {
	if s.state == stateDone {
		return false
	}

	s.pollListeners(ctx)
	s.pollSessionEvents()
	s.pollTasks()

	s.distributeToSession()
	s.distributeToUserLevel()

	hadMoreSubmit, hadMoreComplete := s.futures.poll(ctx)
	if hadMoreSubmit || hadMoreComplete {
		s.scheduleDelay()
	}

	s.maybeNotifyQueuePressure()

	if s.state == statePreShutdown {
		s.state = stateDone
		return false
	}
	return true
}

// pollTasks drains pending ServiceTasks, quick first, applying each to
// Lifecycle state.
func (s *Service) pollTasks() {
	for {
		select {
		case t := <-s.quickTasks:
			s.control.quickCount.Add(-1)
			s.applyTask(t)
		default:
			goto normal
		}
	}
normal:
	for {
		select {
		case t := <-s.normalTasks:
			s.control.normalCount.Add(-1)
			s.applyTask(t)
		default:
			return
		}
	}
}

// pollSessionEvents drains the shared session-event channel and applies
// each to Lifecycle state.
func (s *Service) pollSessionEvents() {
	for {
		select {
		case env := <-s.sessionEvts:
			s.applySessionEvent(env)
		default:
			return
		}
	}
}

// Run drives Poll in a loop until it returns false or ctx is cancelled,
// sleeping between turns by whatever idle-wait Poll's last turn implied
// instead of busy-spinning (spec.md §4.6).
func (s *Service) Run(ctx context.Context) {
	wait := notifyInterval
	for {
		select {
		case <-ctx.Done():
			s.shutdownRequested(true)
			return
		default:
		}

		more := s.Poll(ctx)
		if !more {
			return
		}

		if s.notifyDue.IsZero() {
			wait = delayTime
			s.notifyDue = time.Now().Add(notifyInterval)
		} else if time.Now().After(s.notifyDue) {
			wait = notifyInterval
			s.notifyDue = time.Now().Add(notifyInterval)
		}

		select {
		case <-ctx.Done():
			s.shutdownRequested(true)
			return
		case <-time.After(wait):
		}
	}
}

// Shutdown requests the run loop stop; quick skips the final
// distribute-to-user-level drain pass.
func (s *Service) Shutdown(quick bool) {
	s.control.Quick(TaskShutdown{Quick: quick})
}
