package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/tentanet/p2pd/internal/metrics"
	"github.com/tentanet/p2pd/internal/service"
)

// daemonHandle is the top-level service.ServiceHandle wired into the
// daemon's Service: it logs every lifecycle event and keeps the
// Prometheus session gauge in step with SessionOpen/SessionClose.
type daemonHandle struct {
	collector    *metrics.Collector
	logger       *slog.Logger
	sessionCount atomic.Int64
}

func newDaemonHandle(collector *metrics.Collector, logger *slog.Logger) *daemonHandle {
	return &daemonHandle{collector: collector, logger: logger}
}

func (h *daemonHandle) HandleEvent(_ *service.ServiceContext, ev service.ServiceEvent) {
	switch ev.Kind {
	case service.SessionOpenEvent:
		n := h.sessionCount.Add(1)
		h.collector.SetSessions(int(n))
		if ev.Session != nil {
			h.logger.Info("session opened",
				slog.Uint64("session_id", uint64(ev.Session.ID)),
				slog.String("remote", ev.Session.RemoteAddress),
				slog.String("type", ev.Session.SessionType.String()),
			)
		}
	case service.SessionCloseEvent:
		n := h.sessionCount.Add(-1)
		h.collector.SetSessions(int(n))
		if ev.Session != nil {
			h.logger.Info("session closed", slog.Uint64("session_id", uint64(ev.Session.ID)))
		}
	case service.ListenStartedEvent:
		h.logger.Info("listener started", slog.String("addr", ev.ListenStr))
	case service.ListenCloseEvent:
		h.logger.Info("listener closed", slog.String("addr", ev.ListenStr))
	}
}

func (h *daemonHandle) HandleError(_ *service.ServiceContext, err *service.ServiceError) {
	h.logger.Warn("service error",
		slog.String("kind", err.Kind.String()),
		slog.String("error", err.Error()),
	)

	switch err.Kind {
	case service.SessionBlockedKind:
		h.collector.IncBlocked("session")
	case service.ProtocolSelectErrorKind, service.ProtocolErrorKind:
		h.collector.IncBlocked("protocol")
	case service.HandleErrorKind:
		switch err.HandleErr {
		case service.ServiceProtoHandleBlock, service.SessionProtoHandleBlock:
			h.collector.IncBlocked("protocol")
		default:
			h.collector.IncDropped(handleErrReason(err.HandleErr))
		}
	}
}

func handleErrReason(k service.ProtocolHandleErrorKind) string {
	switch k {
	case service.ServiceProtoHandleBlock:
		return "service_handle_blocked"
	case service.SessionProtoHandleBlock:
		return "session_handle_blocked"
	case service.ServiceProtoHandleAbnormallyClosed:
		return "service_handle_closed"
	case service.SessionProtoHandleAbnormallyClosed:
		return "session_handle_closed"
	default:
		return "unknown"
	}
}
