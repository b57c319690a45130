package service

import "log/slog"

// bufShrinkThreshold is BUF_SHRINK_THRESHOLD from spec.md §6: once a
// buffer's backing array grows past this many entries, it is reallocated
// down to its current length on the next drain so one large burst doesn't
// pin memory for the rest of the process's life.
const bufShrinkThreshold = 255

// writeEntry is one outbound-to-session event in flight in high_write_buf
// or write_buf.
type writeEntry struct {
	session SessionID
	event   SessionOutbound
}

// serviceReadEntry is one inbound-to-service-handler event in flight in
// read_service_buf.
type serviceReadEntry struct {
	session *SessionID // nil when the event has no originating session
	proto   ProtocolID
	event   protocolEvent
}

// sessionReadEntry is one inbound-to-session-handler event in flight in
// read_session_buf.
type sessionReadEntry struct {
	session SessionID
	proto   ProtocolID
	event   protocolEvent
}

// dispatcher owns the four FIFO queues that sit between the Service and
// its destinations (sessions in one direction, user handlers in the
// other), plus the head-of-line blocking bookkeeping for each. See
// spec.md §4.3.
type dispatcher struct {
	highWriteBuf []writeEntry
	writeBuf     []writeEntry
	serviceBuf   []serviceReadEntry
	sessionBuf   []sessionReadEntry
}

// distributeToSession drains highWriteBuf then writeBuf, honoring
// per-destination head-of-line blocking: once a session is observed full
// in this round, every subsequent event addressed to it is re-queued
// rather than attempted, so ordering for that destination is preserved
// across the stall.
func (s *Service) distributeToSession() {
	if s.control.IsShutdown() {
		return
	}

	blocked := make(map[SessionID]bool)
	s.drainWriteQueue(&s.disp.highWriteBuf, Quick, blocked)

	if len(s.sessions) > len(blocked) {
		s.drainWriteQueue(&s.disp.writeBuf, Normal, blocked)
	}

	for id := range blocked {
		if ctrl, ok := s.sessions[id]; ok {
			s.reportError(&ServiceError{Kind: SessionBlockedKind, SessionID: id})
			_ = ctrl // the error carries only the SessionID
		}
	}

	s.shrinkWriteBuf(&s.disp.highWriteBuf)
	s.shrinkWriteBuf(&s.disp.writeBuf)
}

// drainWriteQueue drains buf, sending each entry to its session's
// controller on the given priority -- the priority matches which of
// highWriteBuf/writeBuf the entry was queued on, not the event's type.
func (s *Service) drainWriteQueue(buf *[]writeEntry, priority Priority, blocked map[SessionID]bool) {
	pending := *buf
	*buf = (*buf)[:0]

	for _, entry := range pending {
		if blocked[entry.session] {
			*buf = append(*buf, entry)
			continue
		}

		ctrl, ok := s.sessions[entry.session]
		if !ok {
			// Session already gone; ProtocolMessage and friends are
			// simply dropped (spec.md invariant 5).
			continue
		}
		if ctrl.Context().Closed() {
			if _, isMsg := entry.event.(OutboundProtocolMessage); isMsg {
				continue
			}
		}

		switch ctrl.TrySend(priority, entry.event) {
		case sendSent:
			// done
		case sendFull:
			blocked[entry.session] = true
			*buf = append(*buf, entry)
			s.scheduleDelay()
		case sendClosed:
			s.logger.Debug("dropping event to closed session", slog.Uint64("session_id", uint64(entry.session)))
		}
	}
}

func (s *Service) shrinkWriteBuf(buf *[]writeEntry) {
	if cap(*buf) > bufShrinkThreshold {
		shrunk := make([]writeEntry, len(*buf))
		copy(shrunk, *buf)
		*buf = shrunk
	}
}

// distributeToUserLevel drains read_service_buf then read_session_buf,
// per spec.md §4.3: closed sessions are swept first (internal
// session_close), then each buffer is drained with head-of-line blocking
// keyed by ProtocolID (service) or (SessionID, ProtocolID) (session).
func (s *Service) distributeToUserLevel() {
	s.sweepClosedSessions()

	blockedProto := make(map[ProtocolID]bool)
	handlerErr := false

	pending := s.disp.serviceBuf
	s.disp.serviceBuf = s.disp.serviceBuf[:0]
	for _, entry := range pending {
		if blockedProto[entry.proto] {
			s.disp.serviceBuf = append(s.disp.serviceBuf, entry)
			continue
		}
		ch, ok := s.serviceHandlers[entry.proto]
		if !ok {
			continue
		}
		switch trySendProtocolEvent(ch, entry.event) {
		case sendSent:
		case sendFull:
			blockedProto[entry.proto] = true
			s.disp.serviceBuf = append(s.disp.serviceBuf, entry)
			s.reportError(&ServiceError{Kind: HandleErrorKind, ProtoID: entry.proto, HandleErr: ServiceProtoHandleBlock})
			s.scheduleDelay()
		case sendClosed:
			s.reportError(&ServiceError{Kind: HandleErrorKind, ProtoID: entry.proto, HandleErr: ServiceProtoHandleAbnormallyClosed})
			handlerErr = true
		}
	}

	blockedSessionProto := make(map[sessionProtoKey]bool)
	pendingSess := s.disp.sessionBuf
	s.disp.sessionBuf = s.disp.sessionBuf[:0]
	for _, entry := range pendingSess {
		key := sessionProtoKey{entry.session, entry.proto}
		if blockedSessionProto[key] {
			s.disp.sessionBuf = append(s.disp.sessionBuf, entry)
			continue
		}
		ch, ok := s.sessionHandlers[key]
		if !ok {
			continue
		}
		switch trySendProtocolEvent(ch, entry.event) {
		case sendSent:
		case sendFull:
			blockedSessionProto[key] = true
			s.disp.sessionBuf = append(s.disp.sessionBuf, entry)
			s.reportError(&ServiceError{Kind: HandleErrorKind, SessionID: entry.session, ProtoID: entry.proto, HandleErr: SessionProtoHandleBlock})
			s.scheduleDelay()
		case sendClosed:
			s.reportError(&ServiceError{Kind: HandleErrorKind, SessionID: entry.session, ProtoID: entry.proto, HandleErr: SessionProtoHandleAbnormallyClosed})
			handlerErr = true
		}
	}

	if handlerErr {
		// A handler channel closing unexpectedly is treated as a handler
		// panic/exit: spec.md §4.3 calls for graceful shutdown.
		s.shutdownRequested(false)
	}

	s.shrinkServiceBuf()
	s.shrinkSessionBuf()
}

type sessionProtoKey struct {
	session SessionID
	proto   ProtocolID
}

func (s *Service) sweepClosedSessions() {
	var closed []SessionID
	for id, ctrl := range s.sessions {
		if ctrl.Context().Closed() {
			closed = append(closed, id)
		}
	}
	for _, id := range closed {
		s.sessionClose(id, sourceInternal)
	}
}

func (s *Service) shrinkServiceBuf() {
	if cap(s.disp.serviceBuf) > bufShrinkThreshold {
		shrunk := make([]serviceReadEntry, len(s.disp.serviceBuf))
		copy(shrunk, s.disp.serviceBuf)
		s.disp.serviceBuf = shrunk
	}
}

func (s *Service) shrinkSessionBuf() {
	if cap(s.disp.sessionBuf) > bufShrinkThreshold {
		shrunk := make([]sessionReadEntry, len(s.disp.sessionBuf))
		copy(shrunk, s.disp.sessionBuf)
		s.disp.sessionBuf = shrunk
	}
}

// trySendProtocolEvent is the non-blocking send primitive for handler
// channels, which (unlike SessionController) are plain Go channels the
// Service itself owns the send side of. It reports only sendSent or
// sendFull, never sendClosed.
func trySendProtocolEvent(ch chan protocolEvent, ev protocolEvent) sendOutcome {
	select {
	case ch <- ev:
		return sendSent
	default:
		return sendFull
	}
}
