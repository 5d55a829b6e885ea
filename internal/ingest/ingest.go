// Copyright 2025 James Ross
// Package ingest implements the synchronous HTTP intake path:
// schema validation, idempotency, priority routing with
// breaker-gated failover, and the emergency fallback that persists a
// failed push so no accepted event is ever lost. Route registration
// follows the usual gorilla/mux convention
// (router.HandleFunc(path, handler).Methods(...)).
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/breaker"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/idempotency"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/router"
	"github.com/flyingrobots/event-ingest/internal/store"
	"github.com/flyingrobots/event-ingest/internal/validation"
)

// Adapter is the narrow push surface both back-ends satisfy, so the
// façade doesn't need to know whether it's talking to the broker or
// the stream.
type Adapter interface {
	Push(ctx context.Context, e *event.Event) (messageID string, err error)
}

// EventStore is the subset of store.Store the façade depends on.
type EventStore interface {
	Insert(ctx context.Context, e *event.Event) error
	ByIdempotencyKey(ctx context.Context, key string) (string, error)
	Status(ctx context.Context, id string) (event.Status, error)
}

var _ EventStore = (*store.Store)(nil)

// Server is the ingest façade's HTTP handler set.
type Server struct {
	validator      *validation.Validator
	idem           idempotency.Checker
	idempotencyTTL time.Duration
	brokerAdapter  Adapter
	streamAdapter  Adapter
	brokerBreaker  *breaker.CircuitBreaker
	streamBreaker  *breaker.CircuitBreaker
	store          EventStore
	metrics        *metrics.Sink
	log            *zap.Logger
}

func New(validator *validation.Validator, idem idempotency.Checker, idempotencyTTL time.Duration,
	brokerAdapter, streamAdapter Adapter, brokerBreaker, streamBreaker *breaker.CircuitBreaker,
	st EventStore, sink *metrics.Sink, log *zap.Logger) *Server {
	return &Server{
		validator: validator, idem: idem, idempotencyTTL: idempotencyTTL,
		brokerAdapter: brokerAdapter, streamAdapter: streamAdapter,
		brokerBreaker: brokerBreaker, streamBreaker: streamBreaker,
		store: st, metrics: sink, log: log,
	}
}

// RegisterRoutes wires the ingest endpoints onto r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/events", s.handleCreateEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/events/{eventId}/status", s.handleEventStatus).Methods(http.MethodGet)
}

type createEventResponse struct {
	Success        bool   `json:"success"`
	EventID        string `json:"event_id"`
	Message        string `json:"message,omitempty"`
	QueueMessageID string `json:"queue_message_id,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
}

type errorResponse struct {
	Error    string                  `json:"error"`
	Messages []validation.FieldError `json:"messages,omitempty"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read body"})
		return
	}

	fieldErrors, err := s.validator.Validate(body)
	if err != nil {
		s.log.Error("ingest: schema validation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if len(fieldErrors) > 0 {
		s.metrics.Increment("api_validation_errors_total", nil, 1)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Messages: fieldErrors})
		return
	}

	var e event.Event
	if err := json.Unmarshal(body, &e); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	e.ApplyDefaults()
	if err := e.AssignID(); err != nil {
		s.log.Error("ingest: assign id failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	e.Source = event.SourceAPI
	e.Status = event.StatusPending

	if e.IdempotencyKey != "" {
		reserved, err := s.idem.CheckAndReserve(ctx, e.IdempotencyKey, s.idempotencyTTL)
		if err != nil {
			s.log.Error("ingest: idempotency check failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if !reserved {
			existingID, err := s.store.ByIdempotencyKey(ctx, e.IdempotencyKey)
			if err == nil {
				writeJSON(w, http.StatusOK, createEventResponse{Success: true, EventID: existingID, Cached: true})
				return
			}
		}
	}

	backend := router.Route(ctx, &e)
	adapter, br, fallbackAdapter := s.adapterFor(backend)

	if !br.IsAvailable() {
		s.metrics.Increment("queue_failover_total", map[string]string{"from": string(backend)}, 1)
		if fallbackAdapter != nil {
			adapter = fallbackAdapter
		}
	}

	messageID, pushErr := adapter.Push(ctx, &e)
	if pushErr != nil {
		br.RecordFailure()
		s.emergencyFallback(ctx, w, &e, pushErr)
		return
	}
	br.RecordSuccess()

	// The accepted event is not persisted here: process_event owns the
	// row's INSERT once the event is drained off whichever back-end it
	// landed on. Persisting it here too would collide on id when the
	// processor inserts the same event.
	if e.IdempotencyKey != "" {
		if err := s.idem.Confirm(ctx, e.IdempotencyKey); err != nil {
			s.log.Warn("ingest: confirm idempotency key failed", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusAccepted, createEventResponse{
		Success: true, EventID: e.ID.String(), QueueMessageID: messageID,
	})
}

func (s *Server) adapterFor(backend router.Backend) (adapter Adapter, br *breaker.CircuitBreaker, fallback Adapter) {
	if backend == router.BackendBroker {
		return s.brokerAdapter, s.brokerBreaker, s.streamAdapter
	}
	return s.streamAdapter, s.streamBreaker, s.brokerAdapter
}

// emergencyFallback persists the event with status=failed and still
// returns 202: the façade never bounces an already-valid event back
// to the caller just because its push to the chosen back-end failed.
func (s *Server) emergencyFallback(ctx context.Context, w http.ResponseWriter, e *event.Event, pushErr error) {
	e.Status = event.StatusFailed
	e.LastError = pushErr.Error()
	if err := s.store.Insert(ctx, e); err != nil {
		s.log.Error("ingest: emergency fallback persist failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if e.IdempotencyKey != "" {
		_ = s.idem.Release(ctx, e.IdempotencyKey)
	}
	writeJSON(w, http.StatusAccepted, createEventResponse{
		Success: true, EventID: e.ID.String(), Message: "accepted, durably queued for retry",
	})
}

type eventStatusResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := mux.Vars(r)["eventId"]
	if _, err := uuid.Parse(eventID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}
	status, err := s.store.Status(ctx, eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, eventStatusResponse{EventID: eventID, Status: string(status)})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
