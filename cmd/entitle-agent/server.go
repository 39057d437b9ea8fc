package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/entitle/pkg/client"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
)

// agentServer exposes the session manager to terminals on the local network
type agentServer struct {
	manager *client.Manager
	health  *observability.HealthChecker
	logger  *logrus.Logger
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	State   string `json:"state"`
}

type sessionResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func newAgentServer(manager *client.Manager, health *observability.HealthChecker, logger *logrus.Logger) *agentServer {
	return &agentServer{manager: manager, health: health, logger: logger}
}

func (s *agentServer) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware)

	sessions := router.PathPrefix("/sessions/{tenantId}/{userId}").Subrouter()
	sessions.HandleFunc("/login", s.login).Methods(http.MethodPost)
	sessions.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)
	sessions.HandleFunc("/foreground", s.foreground).Methods(http.MethodPost)
	sessions.HandleFunc("", s.logout).Methods(http.MethodDelete)
	sessions.HandleFunc("/snapshot", s.snapshot).Methods(http.MethodGet)
	sessions.HandleFunc("/permissions/{code}", s.checkPermission).Methods(http.MethodGet)
	sessions.HandleFunc("/modules/{module}", s.checkModule).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteSuccess(w, map[string]int{"sessions": s.manager.Len()})
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.health.Readiness).Methods(http.MethodGet)

	return router
}

func (s *agentServer) session(w http.ResponseWriter, r *http.Request) (*client.Session, bool) {
	vars := mux.Vars(r)
	session, err := s.manager.Session(r.Context(), vars["tenantId"], vars["userId"])
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, false
	}
	return session, true
}

func (s *agentServer) login(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, err := s.manager.Login(r.Context(), vars["tenantId"], vars["userId"])
	if session == nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s.writeSession(w, session, err)
}

func (s *agentServer) refresh(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeSession(w, session, session.PullToRefresh(r.Context()))
}

func (s *agentServer) foreground(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	session.Foreground(r.Context())
	httputil.WriteJSON(w, http.StatusAccepted, sessionResponse{State: session.State().String()})
}

func (s *agentServer) logout(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.Logout(r.Context(), vars["tenantId"], vars["userId"]); err != nil {
		s.logger.Warnf("Logout of %s/%s: %v", vars["tenantId"], vars["userId"], err)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *agentServer) snapshot(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	snap := session.Snapshot()
	if snap == nil {
		httputil.WriteNotFoundError(w, "no snapshot cached")
		return
	}
	httputil.WriteSuccess(w, snap)
}

func (s *agentServer) checkPermission(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	code := policy.PermissionCode(mux.Vars(r)["code"])
	allowed := session.HasPermission(r.Context(), code)
	httputil.WriteSuccess(w, checkResponse{Allowed: allowed, State: session.State().String()})
}

func (s *agentServer) checkModule(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	module := policy.ModuleCode(mux.Vars(r)["module"])
	allowed := session.HasModule(r.Context(), module)
	httputil.WriteSuccess(w, checkResponse{Allowed: allowed, State: session.State().String()})
}

// writeSession reports a synchronous refresh. An unverified session is
// unavailable; a failed refresh over a cached snapshot still succeeds.
func (s *agentServer) writeSession(w http.ResponseWriter, session *client.Session, err error) {
	resp := sessionResponse{State: session.State().String()}
	if err == nil {
		httputil.WriteSuccess(w, resp)
		return
	}

	resp.Error = err.Error()
	s.logger.Warnf("Refresh of %s: %v", session.Key(), err)
	var se *client.StatusError
	switch {
	case errors.Is(err, client.ErrUnverified) && errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		httputil.WriteJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, client.ErrUnverified):
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
	default:
		httputil.WriteSuccess(w, resp)
	}
}
