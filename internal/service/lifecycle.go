package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/tentanet/p2pd/internal/addr"
)

// defaultHandshakeTimeout bounds how long a dial or accept may sit in the
// handshake stage before it is abandoned.
const defaultHandshakeTimeout = 10 * time.Second

// pollListenersLimit bounds how many freshly accepted connections are
// promoted to a handshake attempt in a single Poll turn, so one listener
// under a connection flood can't starve the rest of the turn.
const pollListenersLimit = 256

// pollListeners drains already-accepted connections (accept itself runs in
// a per-listener FutureTask, since Accept blocks) and starts a handshake
// FutureTask for each, up to pollListenersLimit per turn.
func (s *Service) pollListeners(ctx context.Context) {
	for i := 0; i < pollListenersLimit; i++ {
		select {
		case ac := <-s.incomingConns:
			s.beginHandshake(ctx, ac.conn, ac.remoteAddr, Inbound)
		default:
			return
		}
	}
}

// beginHandshake runs the Handshaker (if any) and Muxer against conn as a
// FutureTask, reporting the outcome back over sessionEvts. It never blocks
// the run loop: the whole sequence, including any configured timeout,
// happens on the spawned goroutine.
func (s *Service) beginHandshake(parent context.Context, conn Conn, remoteAddr string, t SessionType) {
	s.futures.Submit(func(ctx context.Context) {
		hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
		defer cancel()

		secured := conn
		var pubKey []byte
		if s.handshaker != nil {
			var err error
			secured, pubKey, err = s.handshaker.Handshake(hctx, conn, t)
			if err != nil {
				_ = conn.Close()
				s.reportHandshakeFail(remoteAddr, t, err, hctx.Err() != nil)
				return
			}
		}

		muxed, err := s.muxer.Open(hctx, secured, t)
		if err != nil {
			_ = secured.Close()
			s.reportHandshakeFail(remoteAddr, t, err, hctx.Err() != nil)
			return
		}

		s.sessionEvts <- sessionEventEnvelope{event: EventHandshakeSuccess{
			RemoteAddress: remoteAddr,
			SessionType:   t,
			Muxed:         muxed,
			PublicKey:     pubKey,
		}}
	})
}

func (s *Service) reportHandshakeFail(remoteAddr string, t SessionType, err error, timedOut bool) {
	s.sessionEvts <- sessionEventEnvelope{event: EventHandshakeFail{
		RemoteAddress: remoteAddr,
		SessionType:   t,
		Err:           err,
		TimedOut:      timedOut,
	}}
}

// applyTask applies one ServiceTask to Lifecycle state. Called only from
// Poll, so it never races with the dispatcher or with itself.
func (s *Service) applyTask(t ServiceTask) {
	switch task := t.(type) {
	case TaskDial:
		s.dial(task)
	case TaskListen:
		s.listen(task.Address)
	case TaskDisconnect:
		s.requestSessionClose(task.Session)
	case TaskProtocolMessage:
		s.enqueueProtocolMessage(task)
	case TaskProtocolOpen:
		s.requestProtocolOpen(task.Target, task.Proto)
	case TaskProtocolClose:
		s.requestProtocolClose(task.Target, task.Proto)
	case TaskFuture:
		s.futures.Submit(task.Task)
	case TaskSetProtocolNotify:
		s.armNotify(notifyKey{proto: task.Proto, token: task.Token, isSvc: true},
			clampDuration(time.Duration(task.Interval)*time.Millisecond, notifyInterval), nil)
	case TaskRemoveProtocolNotify:
		s.disarmNotify(notifyKey{proto: task.Proto, token: task.Token, isSvc: true})
	case TaskSetProtocolSessionNotify:
		s.setSessionNotify(task)
	case TaskRemoveProtocolSessionNotify:
		s.removeSessionNotify(task)
	case TaskShutdown:
		s.shutdownRequested(task.Quick)
	}
}

// dial starts an outbound connection attempt, recording task.Target and
// task.PeerID so sessionOpen can consult them once the handshake
// completes. No-op if a dial to task.Address is already pending
// (spec.md §6).
func (s *Service) dial(task TaskDial) {
	if _, inFlight := s.pendingDials[task.Address]; inFlight {
		return
	}
	s.pendingDials[task.Address] = pendingDial{target: task.Target, peerID: task.PeerID}

	s.sessionEvts <- sessionEventEnvelope{event: EventDialStart{Address: task.Address}}
	s.futures.Submit(func(ctx context.Context) {
		conn, err := s.transport.Dial(ctx, task.Address)
		if err != nil {
			s.sessionEvts <- sessionEventEnvelope{event: EventDialError{Address: task.Address, Err: err}}
			return
		}
		s.beginHandshake(ctx, conn, task.Address, Outbound)
	})
}

// listen binds a new listener. No-op if already listening, or already
// binding, on address (spec.md §6).
func (s *Service) listen(address string) {
	s.mu.Lock()
	_, bound := s.listeners[address]
	s.mu.Unlock()
	if bound || s.pendingListens[address] {
		return
	}
	s.pendingListens[address] = true

	s.futures.Submit(func(ctx context.Context) {
		l, err := s.transport.Listen(ctx, address)
		if err != nil {
			s.sessionEvts <- sessionEventEnvelope{event: EventListenError{Address: address, Err: err}}
			return
		}
		s.sessionEvts <- sessionEventEnvelope{event: EventListenStart{Address: address}}

		s.mu.Lock()
		s.listeners[address] = l
		s.mu.Unlock()

		for {
			conn, remoteAddr, err := l.Accept(ctx)
			if err != nil {
				return
			}
			select {
			case s.incomingConns <- acceptedConn{conn: conn, remoteAddr: remoteAddr, listenAddr: address}:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	})
}

// applySessionEvent applies one SessionEvent to Lifecycle state.
func (s *Service) applySessionEvent(env sessionEventEnvelope) {
	switch ev := env.event.(type) {
	case EventHandshakeSuccess:
		s.sessionOpen(ev)
	case EventHandshakeFail:
		kind := DialerErrorKind
		if ev.SessionType == Inbound {
			kind = ListenErrorKind
		} else {
			delete(s.pendingDials, ev.RemoteAddress)
		}
		s.reportError(&ServiceError{Kind: kind, Err: ev.Err})
	case EventDialStart:
		s.logger.Debug("dial started", slog.String("address", ev.Address))
	case EventListenStart:
		delete(s.pendingListens, ev.Address)
		s.reportEvent(ServiceEvent{Kind: ListenStartedEvent, ListenStr: ev.Address})
	case EventDialError:
		delete(s.pendingDials, ev.Address)
		s.reportError(&ServiceError{Kind: DialerErrorKind, Err: ev.Err})
	case EventListenError:
		delete(s.pendingListens, ev.Address)
		s.reportError(&ServiceError{Kind: ListenErrorKind, Err: ev.Err})
	case EventSessionClose:
		s.sessionClose(ev.Session, ev.Source)
	case EventSessionTimeout:
		s.reportError(&ServiceError{Kind: SessionTimeoutKind, SessionID: ev.Session, Err: ErrSessionTimeout})
		s.sessionClose(ev.Session, sourceInternal)
	case EventMuxerError:
		s.reportError(&ServiceError{Kind: MuxerErrorKind, SessionID: ev.Session, Err: ev.Err})
	case EventProtocolOpen:
		s.confirmProtocolOpen(ev)
	case EventProtocolClose:
		s.confirmProtocolClose(ev)
	case EventProtocolSelectError:
		s.reportError(&ServiceError{Kind: ProtocolSelectErrorKind, SessionID: ev.Session, ProtoID: ev.Proto, Err: ErrProtocolSelectError})
	case EventProtocolError:
		s.reportError(&ServiceError{Kind: ProtocolErrorKind, SessionID: ev.Session, ProtoID: ev.Proto, Err: ev.Err})
	case EventProtocolMessage:
		s.enqueueInboundMessage(ev)
	case eventNotifyTick:
		s.applyNotifyTick(ev)
	}
}

// sessionOpen registers a freshly handshaken session: recovers the
// pending dial (if outbound), checks for a RepeatedConnection against the
// remote public key, enforces PeerIdNotMatch, wires its SessionController
// and handler channels, starts its session task, and opens substreams for
// the dial's TargetProtocol (outbound) or every configured protocol
// (inbound).
func (s *Service) sessionOpen(ev EventHandshakeSuccess) {
	target := AllProtocols()
	var wantPeerID string
	if ev.SessionType == Outbound {
		if pd, ok := s.pendingDials[ev.RemoteAddress]; ok {
			target = pd.target
			wantPeerID = pd.peerID
		}
		delete(s.pendingDials, ev.RemoteAddress)
	}

	peerKey := string(ev.PublicKey)
	if peerKey != "" {
		s.mu.Lock()
		existing, dup := s.sessionsByPeer[peerKey]
		s.mu.Unlock()
		if dup {
			s.reportError(&ServiceError{Kind: DialerErrorKind, Err: &RepeatedConnectionError{ExistingSessionID: existing}})
			_ = ev.Muxed.Close()
			return
		}
	}

	remoteAddress := ev.RemoteAddress
	if wantPeerID != "" {
		gotPeerID, err := addr.PeerIDFromPublicKey(ev.PublicKey)
		if err != nil || gotPeerID != wantPeerID {
			s.reportError(&ServiceError{Kind: DialerErrorKind, Err: ErrPeerIDNotMatch})
			_ = ev.Muxed.Close()
			return
		}
	} else if len(ev.PublicKey) > 0 {
		if derived, err := addr.PeerIDFromPublicKey(ev.PublicKey); err == nil {
			remoteAddress += "/p2p/" + derived
		}
	}

	s.nextSession++
	id := s.nextSession

	ctx := &SessionContext{
		ID:              id,
		RemoteAddress:   remoteAddress,
		SessionType:     ev.SessionType,
		RemotePublicKey: ev.PublicKey,
	}

	quick := make(chan SessionOutbound, sendSize)
	normal := make(chan SessionOutbound, sendSize)
	ctrl := newSessionController(ctx, quick, normal)

	s.mu.Lock()
	s.sessions[id] = ctrl
	s.sessionMeta[id] = &sessionRuntime{openProtocols: make(map[ProtocolID]bool)}
	if peerKey != "" {
		s.sessionsByPeer[peerKey] = id
	}
	s.mu.Unlock()

	runSessionTask(s, ctx, ev.Muxed, quick, normal)

	s.reportEvent(ServiceEvent{Kind: SessionOpenEvent, Session: ctx})

	configured := make([]ProtocolID, 0, len(s.protocolTable))
	for pid := range s.protocolTable {
		configured = append(configured, pid)
	}
	for pid, meta := range s.protocolTable {
		if ev.SessionType == Outbound && !target.contains(pid, configured) {
			continue
		}
		s.openProtocolOn(id, meta)
	}
}

// requestSessionClose asks a live session's task to close, via the
// high-priority write queue so it isn't stuck behind application traffic.
func (s *Service) requestSessionClose(id SessionID) {
	if _, ok := s.sessions[id]; !ok {
		return
	}
	s.disp.highWriteBuf = append(s.disp.highWriteBuf, writeEntry{session: id, event: OutboundSessionClose{}})
}

// sessionClose tears down bookkeeping for a session whose task has
// exited (confirmed by EventSessionClose) or that the dispatcher found
// already marked closed (sourceInternal, from sweepClosedSessions).
func (s *Service) sessionClose(id SessionID, source eventSource) {
	s.mu.Lock()
	ctrl, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	rt := s.sessionMeta[id]
	delete(s.sessionMeta, id)
	for peer, sid := range s.sessionsByPeer {
		if sid == id {
			delete(s.sessionsByPeer, peer)
			break
		}
	}
	s.mu.Unlock()

	ctrl.Context().setClosed()

	for proto := range rt.openProtocols {
		key := sessionProtoKey{session: id, proto: proto}
		if ch, ok := s.sessionHandlers[key]; ok {
			close(ch)
			delete(s.sessionHandlers, key)
		}
		if meta, ok := s.protocolTable[proto]; ok && meta.ServiceHandle != nil {
			s.disp.serviceBuf = append(s.disp.serviceBuf, serviceReadEntry{
				proto: proto,
				event: protocolEvent{Kind: DisconnectedEvent, Session: ctrl.Context(), ProtoID: proto},
			})
		}
	}

	s.logger.Debug("session closed", slog.Uint64("session_id", uint64(id)), slog.Int("source", int(source)))
	s.reportEvent(ServiceEvent{Kind: SessionCloseEvent, Session: ctrl.Context()})
}

// resolveTargetSessions returns the live SessionIDs matching target.
func (s *Service) resolveTargetSessions(target TargetSession) []SessionID {
	var ids []SessionID
	for id := range s.sessions {
		if target.matches(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Service) enqueueProtocolMessage(task TaskProtocolMessage) {
	data := task.Data
	transformed := false
	for _, id := range s.resolveTargetSessions(task.Target) {
		rt, ok := s.sessionMeta[id]
		if !ok || !rt.openProtocols[task.Proto] {
			continue
		}
		if !transformed {
			if meta, ok := s.protocolTable[task.Proto]; ok && meta.BeforeSend != nil {
				data = meta.BeforeSend(data)
			}
			transformed = true
		}
		entry := writeEntry{session: id, event: OutboundProtocolMessage{ProtoID: task.Proto, Data: data}}
		if task.Priority == Quick {
			s.disp.highWriteBuf = append(s.disp.highWriteBuf, entry)
		} else {
			s.disp.writeBuf = append(s.disp.writeBuf, entry)
		}
	}
}

func (s *Service) requestProtocolOpen(target TargetSession, proto ProtocolID) {
	meta, ok := s.protocolTable[proto]
	if !ok {
		return
	}
	for _, id := range s.resolveTargetSessions(target) {
		if rt, ok := s.sessionMeta[id]; ok && rt.openProtocols[proto] {
			continue
		}
		s.openProtocolOn(id, meta)
	}
}

func (s *Service) openProtocolOn(id SessionID, meta ProtocolMeta) {
	var handle chan<- protocolEvent
	if meta.SessionHandle != nil {
		ch := spawnSessionHandler(s.context(), meta.SessionHandle(), s.logger)
		s.sessionHandlers[sessionProtoKey{session: id, proto: meta.ID}] = ch
		handle = ch
	}
	s.disp.writeBuf = append(s.disp.writeBuf, writeEntry{
		session: id,
		event:   OutboundProtocolOpen{ProtoID: meta.ID, Handle: handle, TargetVers: meta.SupportedVersions},
	})
}

func (s *Service) requestProtocolClose(target TargetSession, proto ProtocolID) {
	for _, id := range s.resolveTargetSessions(target) {
		rt, ok := s.sessionMeta[id]
		if !ok || !rt.openProtocols[proto] {
			continue
		}
		s.disp.writeBuf = append(s.disp.writeBuf, writeEntry{session: id, event: OutboundProtocolClose{ProtoID: proto}})
	}
}

func (s *Service) confirmProtocolOpen(ev EventProtocolOpen) {
	rt, ok := s.sessionMeta[ev.Session]
	if !ok {
		return
	}
	rt.openProtocols[ev.Proto] = true

	ctrl := s.sessions[ev.Session]
	meta, hasMeta := s.protocolTable[ev.Proto]
	if hasMeta && meta.ServiceHandle != nil {
		s.disp.serviceBuf = append(s.disp.serviceBuf, serviceReadEntry{
			proto: ev.Proto,
			event: protocolEvent{Kind: ConnectedEvent, Session: ctrl.Context(), ProtoID: ev.Proto, Version: ev.Version},
		})
	}
	if ch, ok := s.sessionHandlers[sessionProtoKey{session: ev.Session, proto: ev.Proto}]; ok {
		s.disp.sessionBuf = append(s.disp.sessionBuf, sessionReadEntry{
			session: ev.Session,
			proto:   ev.Proto,
			event:   protocolEvent{Kind: ConnectedEvent, Session: ctrl.Context(), ProtoID: ev.Proto, Version: ev.Version},
		})
		_ = ch
	}
}

func (s *Service) confirmProtocolClose(ev EventProtocolClose) {
	rt, ok := s.sessionMeta[ev.Session]
	if !ok {
		return
	}
	delete(rt.openProtocols, ev.Proto)

	ctrl, ok := s.sessions[ev.Session]
	if !ok {
		return
	}
	if meta, ok := s.protocolTable[ev.Proto]; ok && meta.ServiceHandle != nil {
		s.disp.serviceBuf = append(s.disp.serviceBuf, serviceReadEntry{
			proto: ev.Proto,
			event: protocolEvent{Kind: DisconnectedEvent, Session: ctrl.Context(), ProtoID: ev.Proto},
		})
	}
	key := sessionProtoKey{session: ev.Session, proto: ev.Proto}
	if ch, ok := s.sessionHandlers[key]; ok {
		ch <- protocolEvent{Kind: DisconnectedEvent, Session: ctrl.Context(), ProtoID: ev.Proto}
		close(ch)
		delete(s.sessionHandlers, key)
	}
}

func (s *Service) enqueueInboundMessage(ev EventProtocolMessage) {
	ctrl, ok := s.sessions[ev.Session]
	if !ok {
		return
	}
	if meta, ok := s.protocolTable[ev.Proto]; ok && meta.ServiceHandle != nil {
		s.disp.serviceBuf = append(s.disp.serviceBuf, serviceReadEntry{
			session: &ev.Session,
			proto:   ev.Proto,
			event:   protocolEvent{Kind: ReceivedEvent, Session: ctrl.Context(), ProtoID: ev.Proto, Data: ev.Data},
		})
	}
	if _, ok := s.sessionHandlers[sessionProtoKey{session: ev.Session, proto: ev.Proto}]; ok {
		s.disp.sessionBuf = append(s.disp.sessionBuf, sessionReadEntry{
			session: ev.Session,
			proto:   ev.Proto,
			event:   protocolEvent{Kind: ReceivedEvent, Session: ctrl.Context(), ProtoID: ev.Proto, Data: ev.Data},
		})
	}
}

func (s *Service) setSessionNotify(task TaskSetProtocolSessionNotify) {
	for _, id := range s.resolveTargetSessions(task.Target) {
		ctrl, ok := s.sessions[id]
		if !ok {
			continue
		}
		s.armNotify(notifyKey{proto: task.Proto, token: task.Token, session: id}, clampDuration(time.Duration(task.Interval)*time.Millisecond, notifyInterval), ctrl.Context())
	}
}

func (s *Service) removeSessionNotify(task TaskRemoveProtocolSessionNotify) {
	for _, id := range s.resolveTargetSessions(task.Target) {
		s.disarmNotify(notifyKey{proto: task.Proto, token: task.Token, session: id})
	}
}
