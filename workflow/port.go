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
	"context"
	"reflect"
	"time"
)

// ExternalRequest is a request that left the run through a request port and
// awaits an answer from outside. The token correlates the eventual response
// with this request; a run cannot leave the pending_requests status until
// every outstanding token has been answered.
type ExternalRequest struct {
	// Token is the correlation token for the response.
	Token string `json:"token"`
	// RunID is the run that issued the request.
	RunID string `json:"run_id"`
	// PortID is the request port that issued the request.
	PortID string `json:"port_id"`
	// Payload is the typed request value.
	Payload any `json:"payload"`
	// Step is the superstep during which the request was issued.
	Step int `json:"step"`
	// IssuedAt is when the request was issued.
	IssuedAt time.Time `json:"issued_at"`
}

// RequestPort is an executor that forwards messages of its request type to
// the outside world and feeds responses back along its outgoing edges.
// Responses arrive through Run.EnqueueResponse with the request's token and
// are dispatched like any other message in the following superstep.
type RequestPort struct {
	id           string
	description  string
	requestType  reflect.Type
	responseType reflect.Type
	standalone   bool
	handler      Handler
}

// PortOption configures a request port.
type PortOption func(*portOptions)

type portOptions struct {
	description string
	standalone  bool
}

// WithPortDescription sets a human-readable description for the port.
func WithPortDescription(description string) PortOption {
	return func(o *portOptions) {
		o.description = description
	}
}

// WithStandalone exempts the port from reachability validation. Standalone
// ports serve runs whose requests are injected from outside the graph.
func WithStandalone() PortOption {
	return func(o *portOptions) {
		o.standalone = true
	}
}

// NewRequestPort creates a request port that issues requests of type Req
// and accepts responses of type Resp.
func NewRequestPort[Req, Resp any](id string, opts ...PortOption) *RequestPort {
	var options portOptions
	for _, opt := range opts {
		opt(&options)
	}
	p := &RequestPort{
		id:           id,
		description:  options.description,
		requestType:  reflect.TypeOf((*Req)(nil)).Elem(),
		responseType: reflect.TypeOf((*Resp)(nil)).Elem(),
		standalone:   options.standalone,
	}
	p.handler = On[Req](func(ctx context.Context, hctx *HandlerContext, msg Req) error {
		return hctx.issueRequest(p.id, msg)
	})
	return p
}

// ID returns the port identifier.
func (p *RequestPort) ID() string { return p.id }

// Description returns the port description.
func (p *RequestPort) Description() string { return p.description }

// Handlers returns the engine-provided handler that turns incoming messages
// into external requests.
func (p *RequestPort) Handlers() []Handler {
	return []Handler{p.handler}
}

// OutputTypes returns the response type: responses re-enter the graph as
// messages emitted by the port.
func (p *RequestPort) OutputTypes() []reflect.Type {
	return []reflect.Type{p.responseType}
}

// RequestType returns the declared request type.
func (p *RequestPort) RequestType() reflect.Type { return p.requestType }

// ResponseType returns the declared response type.
func (p *RequestPort) ResponseType() reflect.Type { return p.responseType }

// Standalone reports whether the port is exempt from reachability checks.
func (p *RequestPort) Standalone() bool { return p.standalone }
