package service

import "fmt"

// sendOutcome is the result of a SessionController.TrySend: the caller
// (the dispatcher) decides what to do next based on which of the three it
// gets back.
type sendOutcome uint8

const (
	sendSent sendOutcome = iota
	sendFull
	sendClosed
)

// SessionOutbound is the variant type delivered to a session task through
// a SessionController's quick or normal queue.
type SessionOutbound interface{ isSessionOutbound() }

// OutboundProtocolMessage delivers application payload to one open
// protocol on the session.
type OutboundProtocolMessage struct {
	ProtoID ProtocolID
	Data    []byte
}

func (OutboundProtocolMessage) isSessionOutbound() {}

// OutboundProtocolOpen asks the session task to open a substream for a
// protocol, handing it the sender side of the freshly built session-level
// handler so the session task can feed Received events directly.
type OutboundProtocolOpen struct {
	ProtoID    ProtocolID
	Handle     chan<- protocolEvent // nil if no session-level handler exists
	TargetVers []string
}

func (OutboundProtocolOpen) isSessionOutbound() {}

// OutboundProtocolClose asks the session task to close a previously opened
// substream.
type OutboundProtocolClose struct {
	ProtoID ProtocolID
}

func (OutboundProtocolClose) isSessionOutbound() {}

// OutboundSessionClose asks the session task to close the whole session.
type OutboundSessionClose struct{}

func (OutboundSessionClose) isSessionOutbound() {}

// SessionController is the core's handle to one live session: two bounded
// outbound queues (quick and normal priority), the session's shared
// context, and a closed flag mirrored from SessionContext.
//
// TrySend never blocks: a full destination is reported back to the
// dispatcher, which re-queues the event in its own unbounded write buffer
// rather than letting backpressure from one session stall delivery to any
// other (spec.md §4.3).
type SessionController struct {
	quickSender  chan<- SessionOutbound
	normalSender chan<- SessionOutbound
	context      *SessionContext
}

// newSessionController wires a controller to the two channels a freshly
// spawned session task will read from.
func newSessionController(ctx *SessionContext, quick, normal chan<- SessionOutbound) *SessionController {
	return &SessionController{quickSender: quick, normalSender: normal, context: ctx}
}

// TrySend is a non-blocking send on the given priority queue.
func (c *SessionController) TrySend(p Priority, ev SessionOutbound) sendOutcome {
	if c.context.Closed() {
		return sendClosed
	}
	ch := c.normalSender
	if p == Quick {
		ch = c.quickSender
	}
	select {
	case ch <- ev:
		return sendSent
	default:
		return sendFull
	}
}

// Context returns the session's shared, read-mostly context.
func (c *SessionController) Context() *SessionContext { return c.context }

func (o sendOutcome) String() string {
	switch o {
	case sendSent:
		return "sent"
	case sendFull:
		return "full"
	case sendClosed:
		return "closed"
	default:
		return fmt.Sprintf("sendOutcome(%d)", uint8(o))
	}
}
