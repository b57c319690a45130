package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/tentanet/p2pd/internal/nat"
)

// natDiscoverTimeout bounds how long UPnP gateway discovery is allowed to
// block startup before the daemon gives up and serves on local addresses
// only.
const natDiscoverTimeout = 5 * time.Second

// mapListeners attempts a best-effort UPnP port mapping for every listen
// address that names a numeric port, logging (but never failing startup
// on) any mapper error. It returns the discovered mapper so its port
// mappings can be released on shutdown; the mapper is nat.Noop{} if
// discovery failed or UPnP is disabled.
func mapListeners(ctx context.Context, enabled bool, listenAddrs []string, logger *slog.Logger) nat.Mapper {
	if !enabled {
		return nat.Noop{}
	}

	discoverCtx, cancel := context.WithTimeout(ctx, natDiscoverTimeout)
	defer cancel()

	gw, err := nat.DiscoverUPnP(discoverCtx)
	if err != nil {
		logger.Warn("upnp gateway discovery failed, serving on local addresses only",
			slog.String("error", err.Error()))
		return nat.Noop{}
	}

	for _, addr := range listenAddrs {
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port == 0 {
			continue
		}
		extAddr, err := gw.Map(ctx, port, port, "p2pd")
		if err != nil {
			logger.Warn("upnp port mapping failed",
				slog.String("listen", addr), slog.String("error", err.Error()))
			continue
		}
		logger.Info("upnp port mapping active",
			slog.String("listen", addr), slog.String("external_addr", extAddr), slog.Int("port", port))
	}

	return gw
}

// unmapListeners releases every port mapping mapListeners established.
func unmapListeners(mapper nat.Mapper, listenAddrs []string, logger *slog.Logger) {
	for _, addr := range listenAddrs {
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port == 0 {
			continue
		}
		if err := mapper.Unmap(context.Background(), port); err != nil {
			logger.Warn("upnp unmap failed", slog.String("listen", addr), slog.String("error", err.Error()))
		}
	}
}
