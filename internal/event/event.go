// Copyright 2025 James Ross
// Package event defines the unit of work that flows through the ingest
// facade, the two queue back-ends and the processor.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is one of the closed set of event types the service accepts.
type Type string

const (
	TypeClick        Type = "click"
	TypeView         Type = "view"
	TypePurchase     Type = "purchase"
	TypeLogin        Type = "login"
	TypeLogout       Type = "logout"
	TypeSignup       Type = "signup"
	TypeSubscription Type = "subscription"
	TypePayment      Type = "payment"
	TypeCustom       Type = "custom"
)

var validTypes = map[Type]bool{
	TypeClick: true, TypeView: true, TypePurchase: true, TypeLogin: true,
	TypeLogout: true, TypeSignup: true, TypeSubscription: true,
	TypePayment: true, TypeCustom: true,
}

// IsValidType reports whether t is one of the closed set of event types.
// The extra types the router treats as high priority ("refund",
// "credit_card_added") are not in this set.
func IsValidType(t Type) bool {
	return validTypes[t]
}

// Status is the lifecycle stage of a persisted event row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Source records how an event entered the system.
type Source string

const (
	SourceAPI    Source = "api"
	SourceBroker Source = "broker"
	SourceStream Source = "stream"
)

// Event is the unit of work flowing through ingest, the back-ends, and
// the processor.
type Event struct {
	ID             uuid.UUID              `json:"id"`
	UserID         uuid.UUID              `json:"user_id"`
	EventType      Type                   `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        map[string]interface{} `json:"payload"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Priority       int                    `json:"priority"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Source         Source                 `json:"source,omitempty"`
	QueueInfo      string                 `json:"queue_info,omitempty"`
	Status         Status                 `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	LastError      string                 `json:"last_error,omitempty"`
	ProcessedAt    *time.Time             `json:"processed_at,omitempty"`

	priorityExplicit bool
}

// UnmarshalJSON decodes into the standard field set, additionally
// recording whether "priority" was present in the payload at all — an
// explicit priority of 0 and an omitted priority both decode to the Go
// zero value otherwise, and ApplyDefaults needs to tell them apart.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		Priority *int `json:"priority"`
		*alias
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Priority != nil {
		e.Priority = *aux.Priority
		e.priorityExplicit = true
	}
	return nil
}

// DefaultPriority derives the priority for an event that omitted one,
// keyed by event type.
func DefaultPriority(t Type) int {
	switch t {
	case TypePurchase, TypeSubscription, TypePayment:
		return 9
	case TypeLogin, TypeLogout, TypeSignup:
		return 5
	default:
		return 1
	}
}

// AssignID sets a time-ordered identifier when the caller didn't supply one.
// UUIDv7 embeds a millisecond timestamp in its high bits, giving a
// sortable 128-bit identifier.
func (e *Event) AssignID() error {
	if e.ID != uuid.Nil {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// ApplyDefaults fills priority and status when the caller omitted them.
// An explicit priority of 0 is left alone; only an absent priority field
// gets the type-derived default.
func (e *Event) ApplyDefaults() {
	if !e.priorityExplicit {
		e.Priority = DefaultPriority(e.EventType)
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
}

// IsHighPriority reports whether e crosses the high-priority threshold.
func (e *Event) IsHighPriority() bool {
	return e.Priority >= 8
}

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
