// Copyright 2025 James Ross
package event

import (
	"bytes"
	"testing"
)

func TestDefaultPriority(t *testing.T) {
	cases := map[Type]int{
		TypePurchase:     9,
		TypeSubscription: 9,
		TypePayment:      9,
		TypeLogin:        5,
		TypeSignup:       5,
		TypeClick:        1,
		TypeCustom:       1,
	}
	for typ, want := range cases {
		if got := DefaultPriority(typ); got != want {
			t.Errorf("DefaultPriority(%s) = %d, want %d", typ, got, want)
		}
	}
}

func TestAssignIDIsIdempotentAndTimeOrdered(t *testing.T) {
	var e1, e2 Event
	if err := e1.AssignID(); err != nil {
		t.Fatal(err)
	}
	if err := e2.AssignID(); err != nil {
		t.Fatal(err)
	}
	if e1.ID == e2.ID {
		t.Fatal("expected distinct ids")
	}
	if bytes.Compare(e1.ID[:], e2.ID[:]) >= 0 {
		t.Fatal("expected the later id to sort after the earlier one")
	}
	preset := e1.ID
	if err := e1.AssignID(); err != nil {
		t.Fatal(err)
	}
	if e1.ID != preset {
		t.Fatal("AssignID must not overwrite an existing id")
	}
}

func TestIsHighPriority(t *testing.T) {
	e := Event{Priority: 8}
	if !e.IsHighPriority() {
		t.Fatal("priority 8 should be high")
	}
	e.Priority = 7
	if e.IsHighPriority() {
		t.Fatal("priority 7 should not be high")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := Event{EventType: TypePurchase, Payload: map[string]interface{}{"amount": 50.0}}
	e.ApplyDefaults()
	b, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventType != e.EventType || got.Priority != e.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", e, got)
	}
}
