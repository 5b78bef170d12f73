/*
 *
 * zombie - a deterministic headless browser runtime for Go tests
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
	"github.com/zombiego/zombie/network"
)

// Callback is a unit of work run by the event loop.
type Callback func() error

// HTTPCallback receives the outcome of a fetch: a response or an error.
type HTTPCallback func(resp *network.Response, err error) error

// EventQueue holds the pending callbacks, timers and event sources of one
// window. Callbacks only run during a wait, one at a time, on the event loop.
type EventQueue struct {
	win    *Window
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu         sync.Mutex
	fifo       []Callback
	expecting  int
	timers     map[TimerHandle]*Timer
	nextHandle TimerHandle
	sources    []api.EventSource
	destroyed  bool
}

func newEventQueue(ctx context.Context, win *Window, logger *log.Logger) *EventQueue {
	ctx, cancel := context.WithCancel(ctx)
	return &EventQueue{
		win:    win,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		timers: make(map[TimerHandle]*Timer),
	}
}

func (q *EventQueue) loop() *EventLoop {
	return q.win.browser.loop
}

// Enqueue appends fn to the queue. It never runs fn inline.
func (q *EventQueue) Enqueue(fn Callback) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrQueueDestroyed
	}
	q.pushLocked(fn)
	q.mu.Unlock()

	q.loop().run()
	return nil
}

func (q *EventQueue) pushLocked(fn Callback) {
	q.fifo = append(q.fifo, fn)
}

// dequeue pops the oldest callback of this queue, or else of the frames,
// depth first in document order.
func (q *EventQueue) dequeue() Callback {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	if len(q.fifo) > 0 {
		fn := q.fifo[0]
		q.fifo[0] = nil
		q.fifo = q.fifo[1:]
		q.mu.Unlock()
		return fn
	}
	q.mu.Unlock()

	for _, frame := range q.win.Frames() {
		if fn := frame.queue.dequeue(); fn != nil {
			return fn
		}
	}
	return nil
}

// Len returns the number of callbacks queued in this queue, frames excluded.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Completion is returned by WaitForCompletion. Complete must be called
// exactly once when the expected event has been queued.
type Completion struct {
	q    *EventQueue
	done int32
}

// Complete marks the expected event as arrived. Calling it again returns
// ErrCompletionConsumed and changes nothing.
func (c *Completion) Complete() error {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return ErrCompletionConsumed
	}

	c.q.mu.Lock()
	if !c.q.destroyed && c.q.expecting > 0 {
		c.q.expecting--
	}
	c.q.mu.Unlock()

	// the loop may be sitting in a tick waiting for this
	c.q.loop().run()
	return nil
}

// WaitForCompletion records that an event is expected to arrive. While any
// expectation is outstanding the loop does not go idle.
func (q *EventQueue) WaitForCompletion() (*Completion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return nil, ErrQueueDestroyed
	}
	q.expecting++
	return &Completion{q: q}, nil
}

// Expected reports whether this queue or any of its frames expects an event.
func (q *EventQueue) Expected() bool {
	q.mu.Lock()
	expecting := !q.destroyed && q.expecting > 0
	q.mu.Unlock()
	if expecting {
		return true
	}

	for _, frame := range q.win.Frames() {
		if frame.queue.Expected() {
			return true
		}
	}
	return false
}

// Next returns when the earliest timer of this queue or its frames fires.
// It returns false when there are no timers.
func (q *EventQueue) Next() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	q.mu.Lock()
	for _, t := range q.timers {
		if !found || t.next.Before(next) {
			next, found = t.next, true
		}
	}
	q.mu.Unlock()

	for _, frame := range q.win.Frames() {
		if fn, ok := frame.queue.Next(); ok && (!found || fn.Before(next)) {
			next, found = fn, true
		}
	}
	return next, found
}

// HTTP fetches req through the browser pipeline. cb is queued with the
// response or the failure; the queue expects an event until then. A result
// arriving after the queue was destroyed is dropped.
func (q *EventQueue) HTTP(req *network.Request, cb HTTPCallback) error {
	done, err := q.WaitForCompletion()
	if err != nil {
		return err
	}

	b := q.win.browser
	go func() {
		defer func() {
			if err := done.Complete(); err != nil {
				q.logger.Errorf("EventQueue:HTTP", "wid:%d completing fetch: %v", q.win.id, err)
			}
		}()

		ctx, span := b.tracer.TraceCall(q.ctx, q.win.traceID(), "fetch",
			oteltrace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.url", req.URL),
			))
		resp, err := b.pipeline.Fetch(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		}
		span.End()

		if eerr := q.Enqueue(func() error { return cb(resp, err) }); eerr != nil {
			q.logger.Debugf("EventQueue:HTTP", "wid:%d dropping result of %q: %v", q.win.id, req.URL, eerr)
		}
	}()

	return nil
}

// AddEventSource queues every message delivered by src and closes src when
// the queue is destroyed.
func (q *EventQueue) AddEventSource(src api.EventSource) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrQueueDestroyed
	}
	q.sources = append(q.sources, src)
	q.mu.Unlock()

	b := q.win.browser
	src.Start(func(msg any) {
		// Queued before the event goes out, so a wait started by a
		// listener finds the message.
		if err := q.Enqueue(func() error {
			q.win.dispatch("message", msg)
			return nil
		}); err != nil {
			q.logger.Debugf("EventQueue:AddEventSource", "wid:%d dropping message: %v", q.win.id, err)
			return
		}
		b.emit(EventServer, msg)
	})
	return nil
}

// OnError reports err as a browser error and queues an error event on the
// window document.
func (q *EventQueue) OnError(err error) {
	if err == nil {
		return
	}
	q.win.browser.reportError(err)
	if eerr := q.Enqueue(func() error {
		q.win.dispatch("error", err)
		return nil
	}); eerr != nil {
		q.logger.Debugf("EventQueue:OnError", "wid:%d not dispatching %q: %v", q.win.id, err, eerr)
	}
}

// Destroy stops every timer, closes every event source and discards queued
// callbacks. It is safe to call more than once.
func (q *EventQueue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	for h, t := range q.timers {
		t.native.Stop()
		delete(q.timers, h)
	}
	q.fifo = nil
	q.expecting = 0
	sources := q.sources
	q.sources = nil
	q.mu.Unlock()

	q.cancel()
	for _, src := range sources {
		if err := src.Close(); err != nil {
			q.logger.Debugf("EventQueue:Destroy", "wid:%d closing event source: %v", q.win.id, err)
		}
	}
	q.logger.Debugf("EventQueue:Destroy", "wid:%d", q.win.id)
}

// Destroyed reports whether Destroy was called.
func (q *EventQueue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

func (q *EventQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("EventQueue{wid:%d queued:%d expecting:%d timers:%d destroyed:%t}",
		q.win.id, len(q.fifo), q.expecting, len(q.timers), q.destroyed)
}
