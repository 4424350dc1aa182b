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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPayload struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

type unregisteredPayload struct {
	X int
}

func TestMarshalPayloadRoundTrip(t *testing.T) {
	require.NoError(t, RegisterMessageType[orderPayload]())

	in := orderPayload{ID: "ord-1", Total: 12.5}
	data, err := MarshalPayload(in)
	require.NoError(t, err)

	var env payloadEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "workflow.orderPayload", env.Kind)

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	// The decoded value carries the concrete type, not a map.
	_, ok := out.(orderPayload)
	assert.True(t, ok)
}

func TestMarshalPayloadBuiltins(t *testing.T) {
	for _, v := range []any{"text", true, 42, int64(7), 3.14, []byte("raw"),
		[]any{"a", float64(1)}, map[string]any{"k": "v"}} {
		data, err := MarshalPayload(v)
		require.NoError(t, err, "marshal %T", v)
		out, err := UnmarshalPayload(data)
		require.NoError(t, err, "unmarshal %T", v)
		assert.Equal(t, v, out)
	}
}

func TestMarshalPayloadNil(t *testing.T) {
	data, err := MarshalPayload(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"nil"}`, string(data))

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestMarshalPayloadUnregistered(t *testing.T) {
	_, err := MarshalPayload(unregisteredPayload{X: 1})
	assert.ErrorIs(t, err, ErrTypeNotRegistered)
}

func TestUnmarshalPayloadUnknownKind(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"kind":"mystery","value":{}}`))
	assert.ErrorIs(t, err, ErrTypeNotRegistered)
}

func TestRegisterMessageTypeRules(t *testing.T) {
	t.Run("interface types are rejected", func(t *testing.T) {
		err := RegisterMessageType[ioReader]()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interface")
	})

	t.Run("nil name is reserved", func(t *testing.T) {
		type reservedProbe struct{}
		err := RegisterMessageType[reservedProbe]("nil")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reserved")
	})

	t.Run("re-registration is idempotent", func(t *testing.T) {
		type stableProbe struct{}
		require.NoError(t, RegisterMessageType[stableProbe]("stable-probe"))
		require.NoError(t, RegisterMessageType[stableProbe]("stable-probe"))
	})

	t.Run("conflicting name fails", func(t *testing.T) {
		type firstProbe struct{}
		type secondProbe struct{}
		require.NoError(t, RegisterMessageType[firstProbe]("probe-name"))
		err := RegisterMessageType[secondProbe]("probe-name")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("conflicting type fails", func(t *testing.T) {
		type renamedProbe struct{}
		require.NoError(t, RegisterMessageType[renamedProbe]("renamed-a"))
		err := RegisterMessageType[renamedProbe]("renamed-b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})
}

func TestMarshalPayloadLenient(t *testing.T) {
	// Registered types keep the envelope, unregistered ones degrade to plain
	// JSON so event metadata never fails.
	data := marshalPayloadLenient("hello")
	assert.JSONEq(t, `{"kind":"string","value":"hello"}`, string(data))

	data = marshalPayloadLenient(unregisteredPayload{X: 7})
	assert.JSONEq(t, `{"X":7}`, string(data))
}
