//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// payloadEnvelope is the self-describing serialized form of a message
// payload: the kind names the registered type, the value carries its JSON
// encoding. Payloads round-trip through checkpoints in this form.
type payloadEnvelope struct {
	// Kind is the registered name of the payload type.
	Kind string `json:"kind"`
	// Value is the JSON encoding of the payload.
	Value json.RawMessage `json:"value,omitempty"`
}

// kindNil marks a nil payload.
const kindNil = "nil"

type typeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// messageTypes is the process-wide payload type registry. Built-in JSON
// scalar and container types are pre-registered under stable names.
var messageTypes = func() *typeRegistry {
	r := newTypeRegistry()
	builtins := []struct {
		name string
		typ  reflect.Type
	}{
		{"string", reflect.TypeOf("")},
		{"bool", reflect.TypeOf(false)},
		{"int", reflect.TypeOf(int(0))},
		{"int64", reflect.TypeOf(int64(0))},
		{"float64", reflect.TypeOf(float64(0))},
		{"bytes", reflect.TypeOf([]byte(nil))},
		{"list", reflect.TypeOf([]any(nil))},
		{"map", reflect.TypeOf(map[string]any(nil))},
	}
	for _, b := range builtins {
		r.byName[b.name] = b.typ
		r.byType[b.typ] = b.name
	}
	return r
}()

func (r *typeRegistry) register(t reflect.Type, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("message type name %q already registered for %s", name, existing)
	}
	if existing, ok := r.byType[t]; ok && existing != name {
		return fmt.Errorf("message type %s already registered as %q", t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

func (r *typeRegistry) nameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

func (r *typeRegistry) typeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// RegisterMessageType registers T for payload serialization. Every payload
// type that crosses a checkpoint, an output event, or an external request
// must be registered. The optional name overrides the default reflect name;
// pass at most one.
//
// Registering the same type and name twice is a no-op; conflicting
// registrations fail.
func RegisterMessageType[T any](name ...string) error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("cannot register interface type %s as a message type", t)
	}
	n := t.String()
	if len(name) > 0 && name[0] != "" {
		n = name[0]
	}
	if n == kindNil {
		return fmt.Errorf("message type name %q is reserved", kindNil)
	}
	return messageTypes.register(t, n)
}

// MarshalPayload serializes a payload into its self-describing envelope.
// The payload's runtime type must be registered.
func MarshalPayload(v any) ([]byte, error) {
	if v == nil {
		return json.Marshal(payloadEnvelope{Kind: kindNil})
	}
	t := reflect.TypeOf(v)
	kind, ok := messageTypes.nameOf(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, t)
	}
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload of kind %s: %w", kind, err)
	}
	return json.Marshal(payloadEnvelope{Kind: kind, Value: value})
}

// UnmarshalPayload deserializes a self-describing envelope back into a
// typed payload. The envelope's kind must be registered.
func UnmarshalPayload(data []byte) (any, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}
	if env.Kind == kindNil || env.Kind == "" {
		return nil, nil
	}
	t, ok := messageTypes.typeOf(env.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: kind %q", ErrTypeNotRegistered, env.Kind)
	}
	ptr := reflect.New(t)
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("unmarshal payload of kind %s: %w", env.Kind, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// marshalPayloadLenient is used for event metadata: payloads of
// unregistered types degrade to plain JSON instead of failing the event.
func marshalPayloadLenient(v any) json.RawMessage {
	if data, err := MarshalPayload(v); err == nil {
		return data
	}
	if data, err := json.Marshal(v); err == nil {
		return data
	}
	return nil
}
