// Copyright 2025 James Ross
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/breaker"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/idempotency"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/validation"
)

type fakeAdapter struct {
	messageID string
	err       error
	calls     int
}

func (f *fakeAdapter) Push(ctx context.Context, e *event.Event) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.messageID, nil
}

type fakeStore struct {
	inserted []event.Event
	byKey    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: make(map[string]string)}
}

func (f *fakeStore) Insert(ctx context.Context, e *event.Event) error {
	f.inserted = append(f.inserted, *e)
	if e.IdempotencyKey != "" {
		f.byKey[e.IdempotencyKey] = e.ID.String()
	}
	return nil
}

func (f *fakeStore) ByIdempotencyKey(ctx context.Context, key string) (string, error) {
	id, ok := f.byKey[key]
	if !ok {
		return "", errors.New("not found")
	}
	return id, nil
}

func (f *fakeStore) Status(ctx context.Context, id string) (event.Status, error) {
	for _, e := range f.inserted {
		if e.ID.String() == id {
			return e.Status, nil
		}
	}
	return "", errors.New("not found")
}

func newTestServer(t *testing.T, brokerAdapter, streamAdapter Adapter) (*Server, *fakeStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idem := idempotency.New(client, time.Hour)
	st := newFakeStore()
	sink := metrics.New(prometheus.NewRegistry())
	brokerBreaker := breaker.New(breaker.QueueConfig())
	streamBreaker := breaker.New(breaker.QueueConfig())
	srv := New(validation.New(), idem, time.Hour, brokerAdapter, streamAdapter, brokerBreaker, streamBreaker, st, sink, zap.NewNop())
	return srv, st
}

func postEvent(t *testing.T, r *mux.Router, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/v1/events", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func validEventBody() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    "11111111-1111-1111-1111-111111111111",
		"event_type": "click",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"payload":    map[string]interface{}{"page": "/home"},
	}
}

func TestCreateEventNormalPriorityRoutesToStream(t *testing.T) {
	streamAdapter := &fakeAdapter{messageID: "1-0"}
	brokerAdapter := &fakeAdapter{messageID: "ignored"}
	srv, st := newTestServer(t, brokerAdapter, streamAdapter)
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	rec := postEvent(t, r, validEventBody())
	if rec.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if streamAdapter.calls != 1 || brokerAdapter.calls != 0 {
		t.Fatalf("expected stream push only, got stream=%d broker=%d", streamAdapter.calls, brokerAdapter.calls)
	}
	if len(st.inserted) != 0 {
		t.Fatalf("expected the façade to leave persistence to the processor, got %d rows inserted", len(st.inserted))
	}
}

func TestCreateEventHighPriorityRoutesToBroker(t *testing.T) {
	streamAdapter := &fakeAdapter{messageID: "ignored"}
	brokerAdapter := &fakeAdapter{messageID: "broker-id"}
	srv, _ := newTestServer(t, brokerAdapter, streamAdapter)
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	body := validEventBody()
	body["event_type"] = "purchase"
	body["priority"] = 9

	rec := postEvent(t, r, body)
	if rec.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if brokerAdapter.calls != 1 || streamAdapter.calls != 0 {
		t.Fatalf("expected broker push only, got stream=%d broker=%d", streamAdapter.calls, brokerAdapter.calls)
	}
}

func TestCreateEventInvalidPayloadRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAdapter{}, &fakeAdapter{})
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	rec := postEvent(t, r, map[string]interface{}{"event_type": "click"})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateEventFailoverWhenPreferredBreakerOpen(t *testing.T) {
	streamAdapter := &fakeAdapter{messageID: "stream-id"}
	brokerAdapter := &fakeAdapter{messageID: "broker-id"}
	srv, _ := newTestServer(t, brokerAdapter, streamAdapter)
	for i := 0; i < breaker.QueueConfig().FailureThreshold; i++ {
		srv.streamBreaker.RecordFailure()
	}
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	rec := postEvent(t, r, validEventBody())
	if rec.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if brokerAdapter.calls != 1 || streamAdapter.calls != 0 {
		t.Fatalf("expected failover to broker, got stream=%d broker=%d", streamAdapter.calls, brokerAdapter.calls)
	}
}

func TestCreateEventPushFailureFallsBackToStore(t *testing.T) {
	streamAdapter := &fakeAdapter{err: errors.New("redis down")}
	srv, st := newTestServer(t, &fakeAdapter{}, streamAdapter)
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	rec := postEvent(t, r, validEventBody())
	if rec.Code != 202 {
		t.Fatalf("expected 202 even on push failure, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.inserted) != 1 || st.inserted[0].Status != event.StatusFailed {
		t.Fatalf("expected one failed-status row persisted, got %+v", st.inserted)
	}
}

func TestCreateEventDuplicateIdempotencyKeyReturnsCached(t *testing.T) {
	streamAdapter := &fakeAdapter{messageID: "stream-id"}
	srv, st := newTestServer(t, &fakeAdapter{}, streamAdapter)
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	body := validEventBody()
	body["idempotency_key"] = strings.Repeat("a1", 32)

	first := postEvent(t, r, body)
	if first.Code != 202 {
		t.Fatalf("expected first request accepted, got %d: %s", first.Code, first.Body.String())
	}

	second := postEvent(t, r, body)
	if second.Code != 200 {
		t.Fatalf("expected duplicate to return 200, got %d: %s", second.Code, second.Body.String())
	}
	var resp createEventResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Cached {
		t.Fatal("expected cached=true on duplicate response")
	}
	if streamAdapter.calls != 1 {
		t.Fatalf("expected exactly one push across both requests, got %d", streamAdapter.calls)
	}
	_ = st
}

func TestEventStatusReturnsStoredStatus(t *testing.T) {
	// A successful push leaves persistence to the processor, so the push
	// fails here to make the emergency fallback store a row to look up.
	streamAdapter := &fakeAdapter{err: errors.New("redis down")}
	srv, _ := newTestServer(t, &fakeAdapter{}, streamAdapter)
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	rec := postEvent(t, r, validEventBody())
	var created createEventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	statusReq := httptest.NewRequest("GET", "/api/v1/events/"+created.EventID+"/status", nil)
	statusRec := httptest.NewRecorder()
	r.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", statusRec.Code, statusRec.Body.String())
	}
}

func TestEventStatusRejectsMalformedID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAdapter{}, &fakeAdapter{})
	r := mux.NewRouter()
	srv.RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/api/v1/events/not-a-uuid/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
