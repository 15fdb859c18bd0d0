package event

import (
	"errors"
	"strings"
	"testing"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypePlayerAdded, func(payload []byte) error {
		if len(payload) == 0 {
			return Invalid(TypePlayerAdded, "id", "is required")
		}
		return nil
	})
	return r
}

func TestValidateRequiresEventID(t *testing.T) {
	r := testRegistry()

	err := r.Validate(Event{Type: TypePlayerAdded, Payload: []byte(`{"id":"p1"}`)})
	if err == nil {
		t.Fatal("expected error for missing event id")
	}
	var invalid *InvalidPayloadError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPayloadError, got %T", err)
	}
	if invalid.Field != "eventId" {
		t.Fatalf("expected field eventId, got %q", invalid.Field)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	r := testRegistry()

	err := r.Validate(Event{ID: "e1", Type: Type("mystery/event")})
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	var invalid *InvalidPayloadError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPayloadError, got %T", err)
	}
	if invalid.Field != "type" {
		t.Fatalf("expected field type, got %q", invalid.Field)
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	r := testRegistry()

	err := r.Validate(Event{ID: "e1", Type: TypePlayerAdded, Payload: []byte(`{"id":`)})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !strings.Contains(err.Error(), "payload") {
		t.Fatalf("expected payload mention, got %v", err)
	}
}

func TestValidateRunsTypeValidator(t *testing.T) {
	r := testRegistry()

	if err := r.Validate(Event{ID: "e1", Type: TypePlayerAdded}); err == nil {
		t.Fatal("expected validator error for empty payload")
	}
	if err := r.Validate(Event{ID: "e1", Type: TypePlayerAdded, Payload: []byte(`{"id":"p1"}`)}); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestInvalidPayloadErrorMessageNamesField(t *testing.T) {
	err := Invalid(TypeBidSet, "round", "must be greater than zero")
	if !strings.Contains(err.Error(), `field "round"`) {
		t.Fatalf("expected field name in message, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), string(TypeBidSet)) {
		t.Fatalf("expected event type in message, got %q", err.Error())
	}
}
