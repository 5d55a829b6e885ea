// Copyright 2025 James Ross
package validation

import "testing"

func TestValidEventPasses(t *testing.T) {
	v := New()
	body := []byte(`{"user_id":"11111111-1111-7111-8111-111111111111","event_type":"purchase","timestamp":"2025-01-01T00:00:00Z","payload":{"amount":50}}`)
	errs, err := v.Validate(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestMissingRequiredFieldFails(t *testing.T) {
	v := New()
	body := []byte(`{"event_type":"purchase","timestamp":"2025-01-01T00:00:00Z","payload":{}}`)
	errs, err := v.Validate(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation errors for missing user_id")
	}
}

func TestUnknownEventTypeFails(t *testing.T) {
	v := New()
	body := []byte(`{"user_id":"11111111-1111-7111-8111-111111111111","event_type":"bogus","timestamp":"2025-01-01T00:00:00Z","payload":{}}`)
	errs, err := v.Validate(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation error for unknown event_type")
	}
}

func TestMalformedJSONFails(t *testing.T) {
	v := New()
	errs, err := v.Validate([]byte(`{not json`))
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Fatal("expected validation error for malformed JSON")
	}
}
