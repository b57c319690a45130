package service

import (
	"log/slog"
	"testing"
)

// newTestService builds a minimal Service with just enough wiring for
// dispatcher-level tests: no transport/muxer, sessions inserted directly.
func newTestService(t *testing.T) *Service {
	t.Helper()
	return newService(slog.Default())
}

func addTestSession(s *Service, id SessionID, quickCap, normalCap int) (*SessionContext, chan SessionOutbound, chan SessionOutbound) {
	ctx := &SessionContext{ID: id}
	quick := make(chan SessionOutbound, quickCap)
	normal := make(chan SessionOutbound, normalCap)
	s.sessions[id] = newSessionController(ctx, quick, normal)
	s.sessionMeta[id] = &sessionRuntime{openProtocols: map[ProtocolID]bool{1: true}}
	return ctx, quick, normal
}

func TestDistributeToSessionHeadOfLineBlocking(t *testing.T) {
	s := newTestService(t)

	// Session 1 has a normal queue of capacity 1 so its second message
	// blocks; session 2's queue never fills.
	_, _, normal1 := addTestSession(s, 1, 4, 1)
	_, _, normal2 := addTestSession(s, 2, 4, 4)

	s.disp.writeBuf = []writeEntry{
		{session: 1, event: OutboundProtocolMessage{ProtoID: 1, Data: []byte("a")}},
		{session: 1, event: OutboundProtocolMessage{ProtoID: 1, Data: []byte("b")}},
		{session: 2, event: OutboundProtocolMessage{ProtoID: 1, Data: []byte("c")}},
	}

	s.distributeToSession()

	if len(normal1) != 1 {
		t.Fatalf("session 1 queue len = %d, want 1 (first message delivered)", len(normal1))
	}
	if len(normal2) != 1 {
		t.Fatalf("session 2 queue len = %d, want 1 (not blocked by session 1)", len(normal2))
	}
	if len(s.disp.writeBuf) != 1 {
		t.Fatalf("writeBuf len after dispatch = %d, want 1 (session 1's second message re-queued)", len(s.disp.writeBuf))
	}
	if s.disp.writeBuf[0].session != 1 {
		t.Fatalf("re-queued entry belongs to session %d, want 1", s.disp.writeBuf[0].session)
	}
}

func TestDistributeToSessionDropsForUnknownSession(t *testing.T) {
	s := newTestService(t)
	s.disp.writeBuf = []writeEntry{
		{session: 99, event: OutboundProtocolMessage{ProtoID: 1, Data: []byte("x")}},
	}
	s.distributeToSession()
	if len(s.disp.writeBuf) != 0 {
		t.Fatalf("writeBuf len = %d, want 0 (event for unknown session dropped, not requeued)", len(s.disp.writeBuf))
	}
}

func TestDistributeToSessionQuickDrainsBeforeNormal(t *testing.T) {
	s := newTestService(t)
	_, quick, normal := addTestSession(s, 1, 4, 4)

	s.disp.highWriteBuf = []writeEntry{{session: 1, event: OutboundSessionClose{}}}
	s.disp.writeBuf = []writeEntry{{session: 1, event: OutboundProtocolMessage{ProtoID: 1}}}

	s.distributeToSession()

	if len(quick) != 1 {
		t.Fatalf("quick queue len = %d, want 1", len(quick))
	}
	if len(normal) != 1 {
		t.Fatalf("normal queue len = %d, want 1", len(normal))
	}
}

func TestShrinkWriteBufReallocatesPastThreshold(t *testing.T) {
	s := newTestService(t)
	big := make([]writeEntry, 1, bufShrinkThreshold+10)
	s.disp.writeBuf = big
	if cap(s.disp.writeBuf) <= bufShrinkThreshold {
		t.Fatalf("test setup invariant broken: cap %d not above threshold", cap(s.disp.writeBuf))
	}
	s.shrinkWriteBuf(&s.disp.writeBuf)
	if cap(s.disp.writeBuf) != len(s.disp.writeBuf) {
		t.Fatalf("cap after shrink = %d, want equal to len %d", cap(s.disp.writeBuf), len(s.disp.writeBuf))
	}
}
