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
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/zombiego/zombie/log"
)

// LoopState is the state of an EventLoop.
type LoopState int

const (
	// LoopIdle means nobody is waiting; queued work is left alone.
	LoopIdle LoopState = iota
	// LoopWaiting means at least one caller is waiting.
	LoopWaiting
	// LoopDraining means a callback is being run.
	LoopDraining
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopWaiting:
		return "waiting"
	case LoopDraining:
		return "draining"
	}
	return fmt.Sprintf("LoopState(%d)", int(s))
}

// WaitResult tells why a wait ended without error.
type WaitResult int

const (
	// WaitIdle means nothing was left to do.
	WaitIdle WaitResult = iota + 1
	// WaitCompleted means the predicate was satisfied.
	WaitCompleted
	// WaitDeadline means the wait ran out of time with nothing in flight.
	WaitDeadline
)

func (r WaitResult) String() string {
	switch r {
	case WaitIdle:
		return "idle"
	case WaitCompleted:
		return "completed"
	case WaitDeadline:
		return "deadline"
	}
	return fmt.Sprintf("WaitResult(%d)", int(r))
}

// WaitPredicate ends a wait early when it returns true. It is called on
// every tick once the active window has a document, with the time left
// until the next timer fires (zero when unknown or already due).
type WaitPredicate func(win *Window, untilNext time.Duration) bool

type waitOutcome struct {
	result WaitResult
	err    error
}

type waiter struct {
	deadline time.Time
	duration time.Duration
	pred     WaitPredicate
	done     chan waitOutcome
}

// EventLoop drains the event queue of the active window, one callback at a
// time, while at least one caller waits. It is shared by every window of a
// browser.
type EventLoop struct {
	ctx    context.Context
	logger *log.Logger

	mu         sync.Mutex
	active     *Window
	running    bool
	waiters    map[int]*waiter
	nextWaiter int

	kick chan struct{}
}

// NewEventLoop starts a loop that lives until ctx is done.
func NewEventLoop(ctx context.Context, logger *log.Logger) *EventLoop {
	l := &EventLoop{
		ctx:     ctx,
		logger:  logger,
		waiters: make(map[int]*waiter),
		kick:    make(chan struct{}, 1),
	}
	go l.loop()
	return l
}

func (l *EventLoop) loop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.kick:
			l.step()
		}
	}
}

// run asks the loop goroutine for another step. Requests coalesce, and are
// dropped while nobody waits. Never runs a callback inline.
func (l *EventLoop) run() {
	l.mu.Lock()
	waiting := len(l.waiters)
	l.mu.Unlock()
	if waiting == 0 {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// step runs at most one callback, then reports a tick or idle. The
// callback is taken off the queue only while a wait is registered.
func (l *EventLoop) step() {
	l.mu.Lock()
	if len(l.waiters) == 0 || l.running {
		l.mu.Unlock()
		return
	}
	win := l.active
	var fn Callback
	if win != nil {
		fn = win.queue.dequeue()
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	if win == nil {
		l.emitIdle()
		return
	}

	if fn != nil {
		if err := l.execute(fn); err != nil {
			win.browser.reportError(err)
		}
		l.emitTick(win, time.Time{})
		l.run()
		return
	}
	if win.queue.Expected() {
		l.emitTick(win, time.Time{})
		return
	}
	if next, ok := win.queue.Next(); ok {
		l.emitTick(win, next)
		return
	}
	l.emitIdle()
}

func (l *EventLoop) execute(fn Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("callback panicked: %v", r)
		}
	}()
	return fn()
}

func (l *EventLoop) snapshot() map[int]*waiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws := make(map[int]*waiter, len(l.waiters))
	for id, w := range l.waiters {
		ws[id] = w
	}
	return ws
}

// finish unregisters waiter id and hands it out. Once the last waiter is
// gone the loop stops draining, before the caller even wakes up.
func (l *EventLoop) finish(id int, out waitOutcome) {
	l.mu.Lock()
	w, ok := l.waiters[id]
	delete(l.waiters, id)
	l.mu.Unlock()

	if ok {
		w.done <- out
	}
}

func (l *EventLoop) emitTick(win *Window, next time.Time) {
	for id, w := range l.snapshot() {
		if !next.IsZero() && !next.Before(w.deadline) {
			l.finish(id, l.deadlineOutcome(w.duration))
			continue
		}
		if w.pred == nil || !win.Document().HasDocumentElement() {
			continue
		}
		var untilNext time.Duration
		if !next.IsZero() {
			if untilNext = time.Until(next); untilNext < 0 {
				untilNext = 0
			}
		}
		ok, err := l.evalPredicate(w.pred, win, untilNext)
		switch {
		case err != nil:
			l.finish(id, waitOutcome{err: err})
		case ok:
			l.finish(id, waitOutcome{result: WaitCompleted})
		}
	}
}

func (l *EventLoop) evalPredicate(pred WaitPredicate, win *Window, untilNext time.Duration) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, errors.Errorf("wait predicate panicked: %v", r)
		}
	}()
	return pred(win, untilNext), nil
}

func (l *EventLoop) emitIdle() {
	for id := range l.snapshot() {
		l.finish(id, waitOutcome{result: WaitIdle})
	}
}

// emitError ends every wait in progress with err.
func (l *EventLoop) emitError(err error) {
	for id := range l.snapshot() {
		l.finish(id, waitOutcome{err: err})
	}
}

// deadlineOutcome is a timeout error while something is still expected,
// and a plain deadline otherwise.
func (l *EventLoop) deadlineOutcome(d time.Duration) waitOutcome {
	if win := l.Active(); win != nil && win.queue.Expected() {
		return waitOutcome{err: &TimeoutError{Duration: d}}
	}
	return waitOutcome{result: WaitDeadline}
}

// SetActiveWindow switches the window the loop drains. nil leaves no
// window active.
func (l *EventLoop) SetActiveWindow(win *Window) {
	l.mu.Lock()
	l.active = win
	l.mu.Unlock()

	l.run()
}

// Active returns the active window, or nil.
func (l *EventLoop) Active() *Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Expected reports whether the active window tree expects any event.
func (l *EventLoop) Expected() bool {
	win := l.Active()
	return win != nil && win.queue.Expected()
}

// State returns the current loop state.
func (l *EventLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.running:
		return LoopDraining
	case len(l.waiters) > 0:
		return LoopWaiting
	}
	return LoopIdle
}

// Waiting returns the number of waits in progress.
func (l *EventLoop) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Wait drains the active window until it is idle, pred returns true, an
// error is reported or d elapses. Running out of time while an event is
// still expected returns a *TimeoutError.
func (l *EventLoop) Wait(ctx context.Context, d time.Duration, pred WaitPredicate) (WaitResult, error) {
	if d <= 0 {
		return 0, ErrInvalidWaitDuration
	}

	w := &waiter{
		deadline: time.Now().Add(d),
		duration: d,
		pred:     pred,
		done:     make(chan waitOutcome, 1),
	}

	l.mu.Lock()
	if l.active == nil {
		l.mu.Unlock()
		return 0, ErrNoWindow
	}
	l.nextWaiter++
	id := l.nextWaiter
	l.waiters[id] = w
	l.mu.Unlock()

	l.logger.Debugf("EventLoop:Wait", "waiter:%d duration:%s", id, d)

	timer := time.AfterFunc(d, func() { l.finish(id, l.deadlineOutcome(d)) })
	defer func() {
		timer.Stop()
		// still registered when ctx ended the wait
		l.mu.Lock()
		delete(l.waiters, id)
		l.mu.Unlock()
	}()

	l.run()

	var out waitOutcome
	select {
	case out = <-w.done:
	case <-ctx.Done():
		out = waitOutcome{err: ctx.Err()}
	case <-l.ctx.Done():
		out = waitOutcome{err: ErrBrowserClosed}
	}

	l.logger.Debugf("EventLoop:Wait", "waiter:%d result:%s err:%v", id, out.result, out.err)

	return out.result, out.err
}

// Dump writes the loop state and the queues of the active window tree to w.
func (l *EventLoop) Dump(w io.Writer) {
	title := color.New(color.Bold)
	_, _ = title.Fprintf(w, "Event loop: %s, %d waiting\n", l.State(), l.Waiting())

	win := l.Active()
	if win == nil {
		_, _ = color.New(color.FgYellow).Fprintln(w, "No active window")
		return
	}
	var dump func(win *Window, depth int)
	dump = func(win *Window, depth int) {
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		_, _ = fmt.Fprintf(w, "%s%s %s\n", indent, color.CyanString("%d", win.ID()), win.URL())
		_, _ = fmt.Fprintf(w, "%s  %s\n", indent, win.queue)
		if next, ok := win.queue.Next(); ok {
			_, _ = fmt.Fprintf(w, "%s  next timer in %s\n", indent, time.Until(next).Round(time.Millisecond))
		}
		for _, f := range win.Frames() {
			dump(f, depth+1)
		}
	}
	dump(win, 0)
}
