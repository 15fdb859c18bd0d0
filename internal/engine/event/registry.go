package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validator checks the payload for a single event type. It must be
// side-effect free.
type Validator func(payload []byte) error

// Registry holds the closed set of event types the engine accepts, with one
// payload validator per type. The domain layer builds and owns the registry;
// the engine only consults it.
type Registry struct {
	validators map[Type]Validator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[Type]Validator)}
}

// Register adds a validator for an event type. Registering the same type
// twice replaces the earlier validator.
func (r *Registry) Register(t Type, v Validator) {
	if r == nil || strings.TrimSpace(string(t)) == "" || v == nil {
		return
	}
	r.validators[t] = v
}

// Known reports whether the type belongs to the registered set.
func (r *Registry) Known(t Type) bool {
	if r == nil {
		return false
	}
	_, ok := r.validators[t]
	return ok
}

// Types returns the registered types in unspecified order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	types := make([]Type, 0, len(r.validators))
	for t := range r.validators {
		types = append(types, t)
	}
	return types
}

// Validate checks a candidate event before it is eligible for commit. It
// runs before any storage interaction and never mutates the event.
func (r *Registry) Validate(evt Event) error {
	if strings.TrimSpace(evt.ID) == "" {
		return Invalid(evt.Type, "eventId", "is required")
	}
	if r == nil {
		return fmt.Errorf("event registry is required")
	}
	validator, ok := r.validators[evt.Type]
	if !ok {
		return Invalid(evt.Type, "type", "is not a registered event type")
	}
	if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
		return Invalid(evt.Type, "payload", "is not valid JSON")
	}
	return validator(evt.Payload)
}
