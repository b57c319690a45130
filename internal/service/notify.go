package service

import (
	"context"
	"log/slog"
	"time"
)

// notifyKey identifies one armed protocol notify timer: for a
// service-level notify (TaskSetProtocolNotify) isSvc is true and session
// is the zero SessionID.
type notifyKey struct {
	proto   ProtocolID
	token   uint64
	session SessionID
	isSvc   bool
}

// armNotify starts a ticking FutureTask for one TaskSetProtocolNotify or
// TaskSetProtocolSessionNotify call. Re-arming the same (proto, token,
// session) key replaces the previous timer, matching spec.md §4.7's
// SetNotify-is-idempotent behavior.
func (s *Service) armNotify(key notifyKey, interval time.Duration, session *SessionContext) {
	s.mu.Lock()
	if stop, ok := s.notifyStops[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.notifyStops[key] = stop
	s.mu.Unlock()

	s.futures.Submit(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.enqueueNotifyTick(key, session)
			}
		}
	})
}

// disarmNotify stops a previously armed timer, if any.
func (s *Service) disarmNotify(key notifyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.notifyStops[key]; ok {
		close(stop)
		delete(s.notifyStops, key)
	}
}

// enqueueNotifyTick is called from a notify timer's own goroutine, so it
// cannot touch dispatcher buffers directly (those are single-writer, Poll
// goroutine only); instead it reports back over sessionEvts like any other
// asynchronous event.
func (s *Service) enqueueNotifyTick(key notifyKey, session *SessionContext) {
	s.sessionEvts <- sessionEventEnvelope{event: eventNotifyTick{key: key, session: session}}
}

// eventNotifyTick is an internal SessionEvent variant (never constructed
// outside this package) carrying a fired notify timer back to the run
// loop for enqueueing onto the appropriate handler buffer.
type eventNotifyTick struct {
	key     notifyKey
	session *SessionContext
}

func (eventNotifyTick) isSessionEvent() {}

func (s *Service) applyNotifyTick(ev eventNotifyTick) {
	pe := protocolEvent{Kind: NotifyEvent, Session: ev.session, ProtoID: ev.key.proto, Token: ev.key.token}
	if ev.key.isSvc {
		s.disp.serviceBuf = append(s.disp.serviceBuf, serviceReadEntry{proto: ev.key.proto, event: pe})
		return
	}
	s.disp.sessionBuf = append(s.disp.sessionBuf, sessionReadEntry{session: ev.key.session, proto: ev.key.proto, event: pe})
}

// maybeNotifyQueuePressure implements spec.md §4.6's queue-pressure
// notify: once the pending-task counts cross their thresholds, it logs a
// warning with both counts, throttled to at most once per notifyInterval.
// No handler is called.
func (s *Service) maybeNotifyQueuePressure() {
	now := time.Now()
	if now.Before(s.nextPressureCheck) {
		return
	}
	s.nextPressureCheck = now.Add(notifyInterval)

	quick := s.control.quickCount.Load()
	normal := s.control.normalCount.Load()
	if quick <= quickCountNotifyThreshold && normal <= normalCountNotifyThreshold {
		return
	}

	s.logger.Warn("service task queues under pressure",
		slog.Int64("quick_count", quick),
		slog.Int64("normal_count", normal),
	)
}
