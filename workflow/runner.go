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
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	itelemetry "trpc.group/trpc-go/trpc-workflow-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-workflow-go/event"
	"trpc.group/trpc-go/trpc-workflow-go/log"
	"trpc.group/trpc-go/trpc-workflow-go/workflow/internal/queue"
)

const (
	defaultEventBufferSize = 256
	defaultMaxConcurrency  = 16
	defaultMaxSteps        = 1000
)

// RunOption configures a run.
type RunOption func(*runOptions)

type runOptions struct {
	runID          string
	store          Store
	checkpointID   string
	lockstep       bool
	bufferSize     int
	maxConcurrency int
	maxSteps       int
}

func newRunOptions(opts ...RunOption) runOptions {
	options := runOptions{
		bufferSize:     defaultEventBufferSize,
		maxConcurrency: defaultMaxConcurrency,
		maxSteps:       defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bufferSize <= 0 {
		options.bufferSize = defaultEventBufferSize
	}
	if options.maxConcurrency <= 0 {
		options.maxConcurrency = defaultMaxConcurrency
	}
	if options.maxSteps <= 0 {
		options.maxSteps = defaultMaxSteps
	}
	return options
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(runID string) RunOption {
	return func(o *runOptions) {
		o.runID = runID
	}
}

// WithStore enables checkpointing: the run state is persisted to store at
// every superstep boundary.
func WithStore(store Store) RunOption {
	return func(o *runOptions) {
		o.store = store
	}
}

// WithCheckpoint selects the checkpoint to resume from. Only meaningful for
// ResumeRun; the default is the run's latest checkpoint.
func WithCheckpoint(checkpointID string) RunOption {
	return func(o *runOptions) {
		o.checkpointID = checkpointID
	}
}

// WithLockstep switches the event stream to lockstep mode: step-scoped
// events are released as one contiguous batch per superstep instead of as
// they occur. Run-level events are released immediately in both modes.
func WithLockstep() RunOption {
	return func(o *runOptions) {
		o.lockstep = true
	}
}

// WithEventBufferSize sets the capacity of the consumer event channel.
func WithEventBufferSize(size int) RunOption {
	return func(o *runOptions) {
		o.bufferSize = size
	}
}

// WithMaxConcurrency bounds the number of executors dispatched in parallel
// within one superstep.
func WithMaxConcurrency(n int) RunOption {
	return func(o *runOptions) {
		o.maxConcurrency = n
	}
}

// WithMaxSteps bounds the total number of supersteps a run may execute.
// Exceeding the bound faults the run. The default is 1000.
func WithMaxSteps(n int) RunOption {
	return func(o *runOptions) {
		o.maxSteps = n
	}
}

// Run is one execution of a workflow. A run is driven from outside: Enqueue
// supplies input, Signal wakes the run loop, and the event stream reports
// progress. Message handlers execute on a bounded worker pool; everything
// they produce is collected at superstep barriers in deterministic order,
// so a run fed the same inputs in the same order yields the same sequence
// of output events.
type Run struct {
	id string
	wf *Workflow

	opts      runOptions
	executors map[string]Executor
	handlers  map[string][]Handler
	pool      *ants.Pool
	queue     *queue.Queue[*Message]
	inbox     *queue.Queue[*inboxItem]
	feed      *eventFeed
	status    *statusMachine

	mu             sync.Mutex
	step           int
	outstanding    map[string]*ExternalRequest
	outputsSeen    map[string]struct{}
	lastCheckpoint *CheckpointInfo
	endErr         error

	signal     chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runSpan    trace.Span
}

type inboxItem struct {
	payload any
	// request is set when the item answers an outstanding external request.
	request *ExternalRequest
}

func (w *Workflow) newRun(ctx context.Context, runID string, options runOptions) (*Run, error) {
	executors := make(map[string]Executor, len(w.order))
	handlers := make(map[string][]Handler, len(w.order))
	for _, id := range w.order {
		instance, err := w.nodes[id].newInstance()
		if err != nil {
			return nil, err
		}
		executors[id] = instance
		handlers[id] = instance.Handlers()
	}
	pool, err := ants.NewPool(options.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	loopCtx, loopCancel := context.WithCancel(ctx)
	loopCtx, runSpan := itelemetry.Tracer.Start(loopCtx, itelemetry.SpanNameExecuteWorkflow,
		trace.WithAttributes(
			attribute.String(itelemetry.KeyWorkflowID, w.name),
			attribute.String(itelemetry.KeyRunID, runID),
		))
	return &Run{
		id:          runID,
		wf:          w,
		opts:        options,
		executors:   executors,
		handlers:    handlers,
		pool:        pool,
		queue:       queue.New[*Message](),
		inbox:       queue.New[*inboxItem](),
		feed:        newEventFeed(options.lockstep, options.bufferSize),
		status:      newStatusMachine(),
		outstanding: make(map[string]*ExternalRequest),
		outputsSeen: make(map[string]struct{}),
		signal:      make(chan struct{}, 1),
		loopCtx:     loopCtx,
		loopCancel:  loopCancel,
		loopDone:    make(chan struct{}),
		runSpan:     runSpan,
	}, nil
}

func (r *Run) startLoop() {
	go r.loop()
}

// ID returns the run ID.
func (r *Run) ID() string {
	return r.id
}

// Status returns the current run status.
func (r *Run) Status() RunStatus {
	return r.status.Current()
}

// Step returns the number of completed supersteps.
func (r *Run) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Events returns the run's event stream. The channel is closed after the
// run ends and all events have been delivered.
func (r *Run) Events() <-chan *event.Event {
	return r.feed.events()
}

// Done is closed when the run has ended and its loop has exited.
func (r *Run) Done() <-chan struct{} {
	return r.loopDone
}

// Err returns the fault that ended the run, context.Canceled for a
// cancelled run, or nil while the run is live or after normal completion.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endErr
}

// Enqueue delivers an external input message to the run's start executor.
// The input is picked up at the next Signal.
func (r *Run) Enqueue(ctx context.Context, payload any) error {
	if payload == nil {
		return ErrNilPayload
	}
	if r.status.Current() == RunStatusEnded {
		return ErrRunEnded
	}
	r.inbox.Push(&inboxItem{payload: payload})
	return nil
}

// EnqueueResponse answers an outstanding external request by token. The
// response payload must be assignable to the issuing port's response type;
// it re-enters the graph along the port's outgoing edges once all
// outstanding tokens are answered and the run is signalled.
func (r *Run) EnqueueResponse(ctx context.Context, token string, payload any) error {
	if payload == nil {
		return ErrNilPayload
	}
	if r.status.Current() == RunStatusEnded {
		return ErrRunEnded
	}
	r.mu.Lock()
	req, ok := r.outstanding[token]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequestToken, token)
	}
	node := r.wf.nodes[req.PortID]
	if node == nil || node.port == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequestToken, token)
	}
	if !assignableTo(reflect.TypeOf(payload), node.port.ResponseType()) {
		r.mu.Unlock()
		return fmt.Errorf("%w: port %s expects %s, got %T",
			ErrResponseTypeMismatch, req.PortID, node.port.ResponseType(), payload)
	}
	delete(r.outstanding, token)
	r.mu.Unlock()
	r.inbox.Push(&inboxItem{payload: payload, request: req})
	return nil
}

// Signal wakes the run loop to ingest pending input and advance. Signalling
// a run with nothing to do is a no-op.
func (r *Run) Signal(ctx context.Context) error {
	if r.status.Current() == RunStatusEnded {
		return ErrRunEnded
	}
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// PendingRequests returns the outstanding external requests, oldest first.
func (r *Run) PendingRequests() []*ExternalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	requests := make([]*ExternalRequest, 0, len(r.outstanding))
	for _, req := range r.outstanding {
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].Step != requests[j].Step {
			return requests[i].Step < requests[j].Step
		}
		if !requests[i].IssuedAt.Equal(requests[j].IssuedAt) {
			return requests[i].IssuedAt.Before(requests[j].IssuedAt)
		}
		return requests[i].Token < requests[j].Token
	})
	return requests
}

// Cancel terminates the run. Cancellation is terminal and reported as a
// cancelled end, distinct from a fault. Cancelling an ended run is a no-op.
func (r *Run) Cancel() {
	r.loopCancel()
}

// Close cancels the run if still live, abandons event delivery, and waits
// for the run loop to exit.
func (r *Run) Close() error {
	r.loopCancel()
	r.feed.halt()
	<-r.loopDone
	return nil
}

func (r *Run) currentStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

func (r *Run) outstandingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}

func (r *Run) allOutputsYielded() bool {
	if len(r.wf.outputs) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.wf.outputs {
		if _, ok := r.outputsSeen[id]; !ok {
			return false
		}
	}
	return true
}

// loop is the run's single driver goroutine. All queue drains, status
// transitions, and checkpoint writes happen here.
func (r *Run) loop() {
	defer close(r.loopDone)
	defer r.feed.close()
	defer r.pool.Release()
	defer r.runSpan.End()
	for {
		select {
		case <-r.loopCtx.Done():
			r.finalize(EndReasonCancelled, nil)
			return
		case <-r.signal:
		}
		r.ingestInbox()
		if r.outstandingCount() > 0 {
			// Unanswered tokens pin the run; queued messages wait.
			continue
		}
		drove := false
		if r.queue.Len() > 0 {
			r.setStatus(RunStatusRunning, "")
			drove = true
			if err := r.drive(); err != nil {
				if r.loopCtx.Err() != nil || errors.Is(err, context.Canceled) {
					r.finalize(EndReasonCancelled, nil)
				} else {
					r.finalize(EndReasonFaulted, err)
				}
				return
			}
		}
		if !drove && r.status.Current() != RunStatusPendingRequests {
			continue
		}
		if r.outstandingCount() > 0 {
			r.setStatus(RunStatusPendingRequests, "awaiting external responses")
			continue
		}
		if r.allOutputsYielded() {
			r.finalize(EndReasonCompleted, nil)
			return
		}
		r.setStatus(RunStatusIdle, "")
	}
}

// drive executes supersteps until the queue drains, the run pauses on
// outstanding requests, or an error ends the run.
func (r *Run) drive() error {
	for {
		if err := r.loopCtx.Err(); err != nil {
			return err
		}
		if r.queue.Len() == 0 {
			return nil
		}
		if step := r.currentStep(); step >= r.opts.maxSteps {
			return &RunFault{
				Kind: FaultKindStepLimit,
				Step: step,
				Err:  fmt.Errorf("%w: %d steps", ErrStepLimitExceeded, step),
			}
		}
		if err := r.superstep(); err != nil {
			return err
		}
		if r.outstandingCount() > 0 {
			return nil
		}
	}
}

type invocation struct {
	msg     *Message
	hctx    *HandlerContext
	fault   *RunFault
	dropErr error
}

type dispatchGroup struct {
	target      string
	invocations []*invocation
	fault       *RunFault
}

// superstep drains the queue as one atomic batch, dispatches it with
// per-executor sequencing, and collects everything produced once all
// executors have finished. Messages produced here become visible to the
// next superstep only.
func (r *Run) superstep() error {
	r.mu.Lock()
	r.step++
	step := r.step
	r.mu.Unlock()

	start := time.Now()
	batch := r.queue.Drain()
	groups := r.groupMessages(batch, step)

	ctx, span := itelemetry.Tracer.Start(r.loopCtx, itelemetry.NewSuperstepSpanName(step),
		trace.WithAttributes(
			attribute.String(itelemetry.KeyWorkflowID, r.wf.name),
			attribute.String(itelemetry.KeyRunID, r.id),
			attribute.Int(itelemetry.KeyStep, step),
		))
	defer span.End()

	active := make([]string, 0, len(groups))
	for _, g := range groups {
		active = append(active, g.target)
	}
	r.feed.stage(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeStepStart,
		WithEventStep(step),
		WithStepMetadata(StepMetadata{
			StepNumber:      step,
			MessageCount:    len(batch),
			ActiveExecutors: active,
			StartTime:       start,
		})))

	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.dispatchGroup(ctx, g, step)
		}); err != nil {
			wg.Done()
			g.fault = &RunFault{
				Kind:       FaultKindHandlerError,
				ExecutorID: g.target,
				Step:       step,
				Err:        fmt.Errorf("submit dispatch task: %w", err),
			}
		}
	}
	wg.Wait()

	if err := r.loopCtx.Err(); err != nil {
		return err
	}
	for _, g := range groups {
		if g.fault != nil {
			span.SetStatus(codes.Error, g.fault.Error())
			return g.fault
		}
		for _, inv := range g.invocations {
			if inv.fault != nil {
				span.SetStatus(codes.Error, inv.fault.Error())
				return inv.fault
			}
		}
	}

	// Post-barrier collection walks groups and invocations in dispatch
	// order, so the next queue and the emitted events are deterministic
	// regardless of how the goroutines interleaved.
	var next []*Message
	for _, g := range groups {
		for _, inv := range g.invocations {
			if inv.dropErr != nil {
				r.reportDrop(inv.msg.Target, MessageMetadata{
					MessageID:   inv.msg.ID,
					Source:      inv.msg.Source,
					Target:      inv.msg.Target,
					MessageType: typeName(inv.msg.Payload),
					StepNumber:  step,
					Reason:      inv.dropErr.Error(),
				}, true)
				continue
			}
			next = append(next, r.collect(ctx, inv, step)...)
		}
	}
	r.queue.Push(next...)

	itelemetry.IncStepCnt(ctx, r.wf.name, r.id)
	itelemetry.AddMessageCnt(ctx, r.wf.name, r.id, int64(len(batch)))
	itelemetry.RecordStepBatchSize(ctx, r.wf.name, r.id, int64(len(batch)))
	itelemetry.RecordStepDuration(ctx, r.wf.name, r.id, time.Since(start))

	if r.opts.store != nil {
		if err := r.createCheckpoint(ctx, step); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	end := time.Now()
	r.feed.stage(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeStepComplete,
		WithEventStep(step),
		WithStepMetadata(StepMetadata{
			StepNumber:      step,
			MessageCount:    len(batch),
			ActiveExecutors: active,
			StartTime:       start,
			EndTime:         end,
			Duration:        end.Sub(start),
		})))
	r.feed.flush()
	return nil
}

// groupMessages splits a drained batch into per-target groups, preserving
// first-arrival order of targets and arrival order within each group.
func (r *Run) groupMessages(batch []*Message, step int) []*dispatchGroup {
	var groups []*dispatchGroup
	byTarget := make(map[string]*dispatchGroup)
	for _, msg := range batch {
		g, ok := byTarget[msg.Target]
		if !ok {
			g = &dispatchGroup{target: msg.Target}
			byTarget[msg.Target] = g
			groups = append(groups, g)
		}
		g.invocations = append(g.invocations, &invocation{
			msg:  msg,
			hctx: newHandlerContext(r.wf.name, r.id, msg.Target, step),
		})
	}
	return groups
}

// dispatchGroup handles one executor's messages sequentially. Groups for
// different executors run concurrently on the worker pool.
func (r *Run) dispatchGroup(ctx context.Context, g *dispatchGroup, step int) {
	for _, inv := range g.invocations {
		if ctx.Err() != nil {
			return
		}
		r.invokeOne(ctx, inv, step)
		if inv.fault != nil {
			return
		}
	}
}

func (r *Run) invokeOne(ctx context.Context, inv *invocation, step int) {
	msg := inv.msg
	node := r.wf.nodes[msg.Target]
	if node == nil {
		inv.dropErr = fmt.Errorf("unknown executor %s", msg.Target)
		return
	}
	msgType := typeName(msg.Payload)
	idx, err := node.router.resolve(reflect.TypeOf(msg.Payload))
	if err != nil {
		// A message nobody handles is a routing fault, not a run fault.
		inv.dropErr = err
		return
	}
	handler := r.handlers[msg.Target][idx]

	r.feed.stage(NewWorkflowEvent(r.id, msg.Target, ObjectTypeExecutorInvoke,
		WithEventStep(step),
		WithExecutorMetadata(ExecutorMetadata{
			ExecutorID:  msg.Target,
			Phase:       ExecutorPhaseInvoke,
			MessageID:   msg.ID,
			MessageType: msgType,
			Source:      msg.Source,
			StepNumber:  step,
		})))

	invCtx, span := itelemetry.Tracer.Start(ctx, itelemetry.NewExecutorSpanName(msg.Target),
		trace.WithAttributes(
			attribute.String(itelemetry.KeyExecutorID, msg.Target),
			attribute.String(itelemetry.KeyMessageType, msgType),
			attribute.Int(itelemetry.KeyStep, step),
		))
	defer span.End()

	start := time.Now()
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				inv.fault = &RunFault{
					Kind:        FaultKindHandlerPanic,
					ExecutorID:  msg.Target,
					MessageType: msgType,
					Step:        step,
					Err:         fmt.Errorf("handler panic: %v", rec),
				}
			}
		}()
		if err := handler.invoke(invCtx, inv.hctx, msg.Payload); err != nil {
			inv.fault = &RunFault{
				Kind:        FaultKindHandlerError,
				ExecutorID:  msg.Target,
				MessageType: msgType,
				Step:        step,
				Err:         err,
			}
		}
	}()

	metadata := ExecutorMetadata{
		ExecutorID:  msg.Target,
		Phase:       ExecutorPhaseComplete,
		MessageID:   msg.ID,
		MessageType: msgType,
		Source:      msg.Source,
		StepNumber:  step,
		Duration:    time.Since(start),
	}
	if inv.fault != nil {
		metadata.Phase = ExecutorPhaseError
		metadata.Error = inv.fault.Err.Error()
		span.SetStatus(codes.Error, inv.fault.Err.Error())
	}
	r.feed.stage(NewWorkflowEvent(r.id, msg.Target, ObjectTypeExecutorComplete,
		WithEventStep(step),
		WithExecutorMetadata(metadata)))
}

// collect turns one invocation's recorded actions into next-step messages,
// output events, and outstanding requests.
func (r *Run) collect(ctx context.Context, inv *invocation, step int) []*Message {
	sends, yields, requests := inv.hctx.drain()
	var next []*Message
	for _, send := range sends {
		routed, drops := r.routeFrom(ctx, inv.msg.Target, send.payload, send.targets, step)
		for _, m := range routed {
			r.feed.stage(NewWorkflowEvent(r.id, m.Source, ObjectTypeMessageRouted,
				WithEventStep(step),
				WithMessageMetadata(MessageMetadata{
					MessageID:   m.ID,
					Source:      m.Source,
					Target:      m.Target,
					MessageType: typeName(m.Payload),
					StepNumber:  step,
				})))
		}
		for _, d := range drops {
			r.reportDrop(inv.msg.Target, MessageMetadata{
				Source:      inv.msg.Target,
				Target:      d.target,
				MessageType: typeName(send.payload),
				StepNumber:  step,
				Reason:      d.reason,
			}, true)
		}
		next = append(next, routed...)
	}
	for _, y := range yields {
		r.recordOutput(inv.msg.Target, y, step)
	}
	for _, req := range requests {
		r.mu.Lock()
		r.outstanding[req.Token] = req
		r.mu.Unlock()
		r.feed.stage(NewWorkflowEvent(r.id, req.PortID, ObjectTypeRequestIssued,
			WithEventStep(step),
			WithEventValue(req.Payload),
			WithRequestMetadata(RequestMetadata{
				Token:       req.Token,
				PortID:      req.PortID,
				StepNumber:  step,
				PayloadType: typeName(req.Payload),
				Payload:     marshalPayloadLenient(req.Payload),
			})))
		log.Debugf("workflow %s run %s: port %s issued request %s",
			r.wf.name, r.id, req.PortID, req.Token)
	}
	return next
}

func (r *Run) recordOutput(executorID string, value any, step int) {
	if _, isOutput := r.wf.outputSet[executorID]; isOutput {
		r.mu.Lock()
		r.outputsSeen[executorID] = struct{}{}
		r.mu.Unlock()
	}
	r.feed.stage(NewWorkflowEvent(r.id, executorID, ObjectTypeOutput,
		WithEventStep(step),
		WithEventValue(value),
		WithOutputMetadata(OutputMetadata{
			ExecutorID: executorID,
			StepNumber: step,
			ValueType:  typeName(value),
			Value:      marshalPayloadLenient(value),
		})))
}

type dropRecord struct {
	target string
	reason string
}

// routeFrom fans a payload out along the source's edges. Direct and fan-in
// edges are type-selective: an unmatched target is skipped as long as some
// edge delivers. Fan-out targets and explicitly selected targets are owed
// the message, so an unmatched one is a routing fault.
func (r *Run) routeFrom(ctx context.Context, source string, payload any, explicit []string, step int) ([]*Message, []dropRecord) {
	var out []*Message
	var drops []dropRecord
	payloadType := reflect.TypeOf(payload)

	node := r.wf.nodes[source]
	if node != nil && len(node.outputTypes) > 0 {
		declared := false
		for _, ot := range node.outputTypes {
			if assignableTo(payloadType, ot) {
				declared = true
				break
			}
		}
		if !declared {
			return nil, []dropRecord{{
				reason: fmt.Sprintf("payload type %s is not declared by %s", payloadType, source),
			}}
		}
	}

	explicitSet := make(map[string]bool, len(explicit))
	for _, id := range explicit {
		explicitSet[id] = false
	}
	delivered := make(map[string]bool)
	for _, edge := range r.wf.adjacency[source] {
		targets := edge.Targets
		owed := edge.Kind == EdgeKindFanOut
		if edge.Kind == EdgeKindFanOut && edge.Selector != nil {
			if selected := edge.Selector(ctx, payload); selected != nil {
				targets = nil
				for _, id := range selected {
					if edge.hasTarget(id) {
						targets = append(targets, id)
					} else {
						drops = append(drops, dropRecord{
							target: id,
							reason: fmt.Sprintf("selector chose %s, which is not a target of the edge", id),
						})
					}
				}
			}
		}
		for _, tgt := range targets {
			if len(explicit) > 0 {
				if _, named := explicitSet[tgt]; !named {
					continue
				}
			}
			if delivered[tgt] {
				// Overlapping edges deliver a send at most once per target.
				continue
			}
			if _, err := r.wf.nodes[tgt].router.resolve(payloadType); err != nil {
				if owed {
					drops = append(drops, dropRecord{target: tgt, reason: err.Error()})
				}
				continue
			}
			out = append(out, newMessage(source, tgt, payload, step))
			delivered[tgt] = true
			if len(explicit) > 0 {
				explicitSet[tgt] = true
			}
		}
	}
	for _, id := range explicit {
		if !explicitSet[id] {
			drops = append(drops, dropRecord{
				target: id,
				reason: fmt.Sprintf("explicit target %s is not reachable from %s for type %s", id, source, payloadType),
			})
		}
	}
	if len(out) == 0 && len(drops) == 0 {
		drops = append(drops, dropRecord{
			reason: fmt.Sprintf("no route from %s for type %s", source, payloadType),
		})
	}
	return out, drops
}

// reportDrop surfaces a routing fault: the run continues, the message does
// not.
func (r *Run) reportDrop(author string, metadata MessageMetadata, staged bool) {
	log.Warnf("workflow %s run %s: message dropped: %s", r.wf.name, r.id, metadata.Reason)
	itelemetry.IncFaultCnt(r.loopCtx, r.wf.name, r.id, "routing_fault")
	evt := NewWorkflowEvent(r.id, author, ObjectTypeMessageDropped,
		WithEventStep(metadata.StepNumber),
		WithMessageMetadata(metadata),
		WithEventError("routing_fault", metadata.Reason))
	if staged {
		r.feed.stage(evt)
	} else {
		r.feed.publish(evt)
	}
}

// ingestInbox moves externally enqueued inputs and responses into the
// message queue. Runs only on the loop goroutine, at superstep boundaries.
func (r *Run) ingestInbox() {
	items := r.inbox.Drain()
	if len(items) == 0 {
		return
	}
	step := r.currentStep()
	var msgs []*Message
	for _, item := range items {
		if item.request == nil {
			msgs = append(msgs, newMessage(SourceExternal, r.wf.start, item.payload, step))
			continue
		}
		r.feed.publish(NewWorkflowEvent(r.id, item.request.PortID, ObjectTypeResponseConsumed,
			WithEventValue(item.payload),
			WithResponseMetadata(ResponseMetadata{
				Token:       item.request.Token,
				PortID:      item.request.PortID,
				StepNumber:  step,
				PayloadType: typeName(item.payload),
			})))
		routed, drops := r.routeFrom(r.loopCtx, item.request.PortID, item.payload, nil, step)
		for _, d := range drops {
			r.reportDrop(item.request.PortID, MessageMetadata{
				Source:      item.request.PortID,
				Target:      d.target,
				MessageType: typeName(item.payload),
				StepNumber:  step,
				Reason:      d.reason,
			}, false)
		}
		msgs = append(msgs, routed...)
	}
	r.queue.Push(msgs...)
}

func (r *Run) setStatus(to RunStatus, reason string) {
	from, err := r.status.transition(to)
	if err != nil {
		log.Warnf("workflow %s run %s: %v", r.wf.name, r.id, err)
		return
	}
	if from == to {
		return
	}
	r.feed.publish(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeStatusChanged,
		WithStatusMetadata(StatusMetadata{From: from, To: to, Reason: reason})))
}

// finalize ends the run: it emits the fault event if any, transitions to
// ended, and emits the terminal run event.
func (r *Run) finalize(reason string, faultErr error) {
	totalSteps := r.currentStep()
	if faultErr != nil {
		reason = EndReasonFaulted
		kind := string(FaultKindHandlerError)
		if fault, ok := AsRunFault(faultErr); ok {
			kind = string(fault.Kind)
		}
		itelemetry.IncFaultCnt(r.loopCtx, r.wf.name, r.id, kind)
		r.runSpan.SetStatus(codes.Error, faultErr.Error())
		log.Errorf("workflow %s run %s faulted: %v", r.wf.name, r.id, faultErr)
		r.feed.publish(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeRunFaulted,
			WithEventStep(totalSteps),
			WithEventError(kind, faultErr.Error())))
	}
	r.mu.Lock()
	if faultErr != nil {
		r.endErr = faultErr
	} else if reason == EndReasonCancelled {
		r.endErr = context.Canceled
	}
	r.mu.Unlock()
	from, err := r.status.transition(RunStatusEnded)
	if err == nil {
		r.feed.publish(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeStatusChanged,
			WithStatusMetadata(StatusMetadata{From: from, To: RunStatusEnded, Reason: reason})))
	}
	metadata := RunMetadata{Status: RunStatusEnded, Reason: reason, TotalSteps: totalSteps}
	if faultErr != nil {
		metadata.Error = faultErr.Error()
	}
	r.feed.publish(NewWorkflowEvent(r.id, AuthorRunner, ObjectTypeRunEnded,
		WithEventDone(),
		WithRunMetadata(metadata)))
	log.Debugf("workflow %s run %s ended: %s after %d step(s)", r.wf.name, r.id, reason, totalSteps)
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
