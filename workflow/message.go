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
	"reflect"

	"github.com/google/uuid"
)

// SourceExternal is the source recorded on messages delivered from outside
// the workflow, such as initial inputs enqueued by the caller.
const SourceExternal = "external"

// Message is one unit of delivery between executors. Messages produced
// during superstep N are only dispatched in superstep N+1.
type Message struct {
	// ID is the unique identifier of the message.
	ID string
	// Source is the ID of the emitting executor, or SourceExternal.
	Source string
	// Target is the ID of the receiving executor.
	Target string
	// Payload is the typed message value.
	Payload any
	// Step is the superstep during which the message was produced.
	// External inputs carry the step at which they were ingested.
	Step int
}

func newMessage(source, target string, payload any, step int) *Message {
	return &Message{
		ID:      uuid.New().String(),
		Source:  source,
		Target:  target,
		Payload: payload,
		Step:    step,
	}
}

// PayloadType returns the runtime type of the message payload.
func (m *Message) PayloadType() reflect.Type {
	if m == nil || m.Payload == nil {
		return nil
	}
	return reflect.TypeOf(m.Payload)
}
