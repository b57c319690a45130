// Package admin implements the HTTP control surface for a running Service:
// a liveness probe, read-only session/listener introspection, and
// JSON endpoints for submitting dial/listen/disconnect/shutdown tasks.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"connectrpc.com/grpchealth"

	"github.com/tentanet/p2pd/internal/addr"
	"github.com/tentanet/p2pd/internal/service"
)

// Server is the admin HTTP adapter. Every handler either reads a
// snapshot off svc's already-synchronized accessors (Sessions,
// ListenAddrs) or submits a service.ServiceTask through
// svc.Control() — it never reaches into Service internals directly.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
}

// New builds the admin mux and wraps it with logging and panic-recovery
// middleware, returning the mount path ("/") and the resulting handler.
func New(svc *service.Service, logger *slog.Logger) (string, http.Handler) {
	s := &Server{
		svc:    svc,
		logger: logger.With(slog.String("component", "admin")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", s.listSessions)
	mux.HandleFunc("GET /v1/listeners", s.listListeners)
	mux.HandleFunc("POST /v1/dial", s.dial)
	mux.HandleFunc("POST /v1/listen", s.listen)
	mux.HandleFunc("POST /v1/disconnect", s.disconnect)
	mux.HandleFunc("POST /v1/shutdown", s.shutdown)

	checker := grpchealth.NewStaticChecker("p2pd.admin")
	mux.Handle(grpchealth.NewHandler(checker))

	handler := recoveryMiddleware(s.logger)(loggingMiddleware(s.logger)(mux))
	return "/", handler
}

// sessionView is the JSON-friendly rendering of a service.SessionSnapshot.
type sessionView struct {
	ID            service.SessionID    `json:"id"`
	RemoteAddress string               `json:"remote_address"`
	Type          string               `json:"type"`
	OpenProtocols []service.ProtocolID `json:"open_protocols"`
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.svc.Sessions()
	views := make([]sessionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, sessionView{
			ID:            snap.ID,
			RemoteAddress: snap.RemoteAddress,
			Type:          snap.SessionType.String(),
			OpenProtocols: snap.OpenProtocols,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) listListeners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListenAddrs())
}

type dialRequest struct {
	Address string `json:"address"`
}

func (s *Server) dial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, errEmptyAddress)
		return
	}
	dialAddr, peerID, err := addr.ResolveDialAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.submit(w, service.TaskDial{Address: dialAddr, Target: service.AllProtocols(), PeerID: peerID}) {
		return
	}
	writeJSON(w, http.StatusAccepted, statusAccepted())
}

type listenRequest struct {
	Address string `json:"address"`
}

func (s *Server) listen(w http.ResponseWriter, r *http.Request) {
	var req listenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, errEmptyAddress)
		return
	}
	listenAddr, _, err := addr.ResolveDialAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.submit(w, service.TaskListen{Address: listenAddr}) {
		return
	}
	writeJSON(w, http.StatusAccepted, statusAccepted())
}

type disconnectRequest struct {
	SessionID uint64 `json:"session_id"`
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.submit(w, service.TaskDisconnect{Session: service.SessionID(req.SessionID)}) {
		return
	}
	writeJSON(w, http.StatusAccepted, statusAccepted())
}

type shutdownRequest struct {
	Quick bool `json:"quick"`
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	// Shutdown has no required fields, so a body is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !s.submit(w, service.TaskShutdown{Quick: req.Quick}) {
		return
	}
	writeJSON(w, http.StatusAccepted, statusAccepted())
}

// submit enqueues t on the normal-priority control channel, refusing if
// the Service has already entered PreShutdown or Done. Reports the error
// itself and returns false when it does.
func (s *Server) submit(w http.ResponseWriter, t service.ServiceTask) bool {
	control := s.svc.Control()
	if control.IsShutdown() {
		writeError(w, http.StatusServiceUnavailable, service.ErrServiceStopped)
		return false
	}
	control.Normal(t)
	return true
}
