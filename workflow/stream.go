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
	"sync"

	"trpc.group/trpc-go/trpc-workflow-go/event"
)

// eventFeed decouples run progress from event consumption. Producers append
// to an internal unbounded buffer and never block, so a slow or abandoned
// consumer cannot stall the run loop; a pump goroutine forwards buffered
// events to the consumer channel in order.
//
// In lockstep mode, step-scoped events are staged and released as one
// contiguous batch when the step completes. Run-level events bypass staging
// and are released immediately in both modes.
type eventFeed struct {
	lockstep bool

	mu     sync.Mutex
	buf    []*event.Event
	staged []*event.Event
	closed bool

	notify  chan struct{}
	out     chan *event.Event
	stopped chan struct{}
	stop    sync.Once
}

func newEventFeed(lockstep bool, bufferSize int) *eventFeed {
	f := &eventFeed{
		lockstep: lockstep,
		notify:   make(chan struct{}, 1),
		out:      make(chan *event.Event, bufferSize),
		stopped:  make(chan struct{}),
	}
	go f.pump()
	return f
}

// events returns the consumer channel. It is closed after the run ends and
// all buffered events have been delivered.
func (f *eventFeed) events() <-chan *event.Event {
	return f.out
}

// publish releases an event immediately.
func (f *eventFeed) publish(e *event.Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.buf = append(f.buf, e)
	f.mu.Unlock()
	f.wake()
}

// stage queues a step-scoped event. In streaming mode it is released
// immediately; in lockstep mode it is held until flush.
func (f *eventFeed) stage(e *event.Event) {
	if !f.lockstep {
		f.publish(e)
		return
	}
	f.mu.Lock()
	if !f.closed {
		f.staged = append(f.staged, e)
	}
	f.mu.Unlock()
}

// flush releases the staged step batch as one contiguous run of events.
func (f *eventFeed) flush() {
	f.mu.Lock()
	if !f.closed && len(f.staged) > 0 {
		f.buf = append(f.buf, f.staged...)
		f.staged = nil
	}
	f.mu.Unlock()
	f.wake()
}

// close marks the end of the run. Remaining staged events are released and
// the consumer channel is closed once drained.
func (f *eventFeed) close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.buf = append(f.buf, f.staged...)
		f.staged = nil
	}
	f.mu.Unlock()
	f.wake()
}

// halt abandons delivery. Used when the run is disposed of while a full
// consumer channel would otherwise pin the pump goroutine forever.
func (f *eventFeed) halt() {
	f.stop.Do(func() { close(f.stopped) })
}

func (f *eventFeed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *eventFeed) pump() {
	for {
		f.mu.Lock()
		if len(f.buf) > 0 {
			batch := f.buf
			f.buf = nil
			f.mu.Unlock()
			for _, e := range batch {
				select {
				case f.out <- e:
				case <-f.stopped:
					return
				}
			}
			continue
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			close(f.out)
			return
		}
		select {
		case <-f.notify:
		case <-f.stopped:
			return
		}
	}
}
