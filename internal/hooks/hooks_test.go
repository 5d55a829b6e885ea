// Copyright 2025 James Ross
package hooks

import (
	"testing"

	"github.com/flyingrobots/event-ingest/internal/event"
)

func TestHandleBuildsEventTypeSubject(t *testing.T) {
	e := event.Event{EventType: event.TypeLogin}
	subject := "events." + string(e.EventType)
	if subject != "events.login" {
		t.Fatalf("unexpected subject: %s", subject)
	}
}
