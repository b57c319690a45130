package main

import (
	"log/slog"

	"github.com/tentanet/p2pd/internal/metrics"
	"github.com/tentanet/p2pd/internal/service"
)

// loggingProtocol is the default service-level handler registered for every
// protocol declared in configuration: it has no application semantics of
// its own, but keeps the open-substream gauge accurate and gives an
// operator a log line for every Connected/Received/Disconnected so a
// freshly configured protocol is observable before any real handler for it
// exists.
type loggingProtocol struct {
	name      string
	collector *metrics.Collector
	logger    *slog.Logger
}

func newLoggingProtocol(name string, collector *metrics.Collector, logger *slog.Logger) *loggingProtocol {
	return &loggingProtocol{
		name:      name,
		collector: collector,
		logger:    logger.With(slog.String("protocol", name)),
	}
}

func (p *loggingProtocol) Connected(_ *service.ServiceContext, session *service.SessionContext, version string) {
	p.collector.IncOpenProtocol(p.name)
	p.logger.Info("protocol opened",
		slog.Uint64("session_id", uint64(session.ID)),
		slog.String("version", version),
	)
}

func (p *loggingProtocol) Received(_ *service.ServiceContext, session *service.SessionContext, data []byte) {
	p.logger.Debug("protocol message received",
		slog.Uint64("session_id", uint64(session.ID)),
		slog.Int("bytes", len(data)),
	)
}

func (p *loggingProtocol) Disconnected(_ *service.ServiceContext, session *service.SessionContext) {
	p.collector.DecOpenProtocol(p.name)
	p.logger.Info("protocol closed", slog.Uint64("session_id", uint64(session.ID)))
}

func (p *loggingProtocol) Notify(_ *service.ServiceContext, _ *service.SessionContext, _ uint64) {}
