// Copyright 2025 James Ross
// Operator diagnostics endpoints mounted under /api/v1/system, consumed
// by cmd/eventsctl rather than by ordinary producers.
package ingest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/event-ingest/internal/breaker"
)

type breakerStatusResponse struct {
	Broker breakerState `json:"broker"`
	Stream breakerState `json:"stream"`
}

type breakerState struct {
	State  string `json:"state"`
	Forced bool   `json:"forced"`
}

// RegisterAdminRoutes wires the operator-facing diagnostics endpoints
// onto r. Kept separate from RegisterRoutes since a deployment may
// choose to expose these only on an internal listener.
func (s *Server) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/system/circuit-breakers", s.handleBreakerStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/system/circuit-breakers/{resource}/force-open", s.handleBreakerForceOpen).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/system/circuit-breakers/{resource}/force-close", s.handleBreakerForceClose).Methods(http.MethodPost)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, breakerStatusResponse{
		Broker: breakerState{State: s.brokerBreaker.State().String(), Forced: s.brokerBreaker.Forced()},
		Stream: breakerState{State: s.streamBreaker.State().String(), Forced: s.streamBreaker.Forced()},
	})
}

func (s *Server) handleBreakerForceOpen(w http.ResponseWriter, r *http.Request) {
	br, ok := s.breakerByResource(mux.Vars(r)["resource"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown resource"})
		return
	}
	br.ForceOpen("operator request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "forced open"})
}

func (s *Server) handleBreakerForceClose(w http.ResponseWriter, r *http.Request) {
	br, ok := s.breakerByResource(mux.Vars(r)["resource"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown resource"})
		return
	}
	br.ForceClose("operator request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "forced closed"})
}

func (s *Server) breakerByResource(resource string) (*breaker.CircuitBreaker, bool) {
	switch resource {
	case "broker":
		return s.brokerBreaker, true
	case "stream":
		return s.streamBreaker, true
	default:
		return nil, false
	}
}
