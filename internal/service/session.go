package service

import (
	"context"
	"io"
	"sync"
)

// acceptedStreamBuffer bounds how many inbound substreams a session's
// accept loop can have queued ahead of the outbound-event loop processing
// them; sized generously since a substream itself is cheap to hold open.
const acceptedStreamBuffer = 64

// sessionTask owns one live session's MuxedSession and every Stream
// opened on it. It runs as two goroutines: acceptLoop reads new inbound
// substreams (AcceptStream blocks, so it can't share a select with the
// outbound queues) and run drains the two SessionController queues plus
// freshly accepted streams in one select loop.
type sessionTask struct {
	svc    *Service
	ctx    *SessionContext
	muxed  MuxedSession
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[ProtocolID]Stream
}

// runSessionTask wires a freshly handshaken MuxedSession into the run
// loop: it starts the accept and outbound-dispatch goroutines and returns
// immediately, never blocking Poll.
func runSessionTask(svc *Service, sc *SessionContext, muxed MuxedSession, quick, normal <-chan SessionOutbound) {
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &sessionTask{
		svc:     svc,
		ctx:     sc,
		muxed:   muxed,
		cancel:  cancel,
		streams: make(map[ProtocolID]Stream),
	}

	accepted := make(chan Stream, acceptedStreamBuffer)
	go t.acceptLoop(taskCtx, accepted)
	go t.run(taskCtx, quick, normal, accepted)
}

func (t *sessionTask) acceptLoop(ctx context.Context, accepted chan<- Stream) {
	for {
		stream, err := t.muxed.AcceptStream(ctx)
		if err != nil {
			return
		}
		select {
		case accepted <- stream:
		case <-ctx.Done():
			_ = stream.Close()
			return
		}
	}
}

func (t *sessionTask) run(ctx context.Context, quick, normal <-chan SessionOutbound, accepted <-chan Stream) {
	closedByRequest := false

	for {
		// Drain every already-queued quick-priority event before
		// considering normal-priority ones or new inbound streams, per
		// spec.md §4.3's per-destination Quick-before-Normal ordering.
		drainedQuick := false
		for {
			select {
			case ev := <-quick:
				t.handleOutbound(ev, &closedByRequest)
				drainedQuick = true
			default:
				goto afterQuick
			}
		}
	afterQuick:
		if closedByRequest {
			break
		}
		if drainedQuick {
			continue
		}

		select {
		case ev := <-quick:
			t.handleOutbound(ev, &closedByRequest)
		case ev := <-normal:
			t.handleOutbound(ev, &closedByRequest)
		case stream := <-accepted:
			t.handleInboundStream(stream)
		case <-ctx.Done():
			closedByRequest = true
		}
		if closedByRequest {
			break
		}
	}

	t.cancel()
	t.mu.Lock()
	for _, s := range t.streams {
		_ = s.Close()
	}
	t.mu.Unlock()
	_ = t.muxed.Close()

	source := sourceInternal
	if closedByRequest {
		source = sourceExternal
	}
	t.ctx.setClosed()
	t.svc.sessionEvts <- sessionEventEnvelope{event: EventSessionClose{Session: t.ctx.ID, Source: source}}
}

func (t *sessionTask) handleOutbound(ev SessionOutbound, closedByRequest *bool) {
	switch o := ev.(type) {
	case OutboundProtocolMessage:
		t.mu.Lock()
		stream, ok := t.streams[o.ProtoID]
		t.mu.Unlock()
		if !ok {
			return
		}
		if _, err := stream.Write(o.Data); err != nil {
			t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolError{Session: t.ctx.ID, Proto: o.ProtoID, Err: err}}
		}

	case OutboundProtocolOpen:
		stream, err := t.muxed.OpenStream(context.Background(), o.ProtoID, o.TargetVers)
		if err != nil {
			t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolSelectError{Session: t.ctx.ID, Proto: o.ProtoID}}
			return
		}
		t.registerStream(stream, o.ProtoID)
		t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolOpen{
			Session: t.ctx.ID, Proto: o.ProtoID, Version: stream.Version(), Source: sourceExternal,
		}}

	case OutboundProtocolClose:
		t.mu.Lock()
		stream, ok := t.streams[o.ProtoID]
		delete(t.streams, o.ProtoID)
		t.mu.Unlock()
		if ok {
			_ = stream.Close()
		}
		t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolClose{Session: t.ctx.ID, Proto: o.ProtoID, Source: sourceExternal}}

	case OutboundSessionClose:
		*closedByRequest = true
	}
}

func (t *sessionTask) handleInboundStream(stream Stream) {
	protoID := stream.ProtocolID()
	t.registerStream(stream, protoID)
	t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolOpen{
		Session: t.ctx.ID, Proto: protoID, Version: stream.Version(), Source: sourceInternal,
	}}
}

func (t *sessionTask) registerStream(stream Stream, protoID ProtocolID) {
	t.mu.Lock()
	t.streams[protoID] = stream
	t.mu.Unlock()
	go t.readLoop(stream, protoID)
}

// readLoop forwards inbound substream bytes as EventProtocolMessage until
// the stream errors or is closed, then reports EventProtocolClose.
func (t *sessionTask) readLoop(stream Stream, protoID ProtocolID) {
	buf := make([]byte, ReceivedSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolMessage{Session: t.ctx.ID, Proto: protoID, Data: data}}
		}
		if err != nil {
			t.mu.Lock()
			delete(t.streams, protoID)
			t.mu.Unlock()
			source := sourceInternal
			if err == io.EOF {
				source = sourceExternal
			}
			t.svc.sessionEvts <- sessionEventEnvelope{event: EventProtocolClose{Session: t.ctx.ID, Proto: protoID, Source: source}}
			return
		}
	}
}
