package common

import (
	"time"
)

// TimerHandle identifies a timer within its event queue. Handles start at 1
// and are never reused. The zero handle never refers to a timer.
type TimerHandle int

// minInterval keeps zero-delay intervals from spinning.
const minInterval = time.Millisecond

// Timer is a pending setTimeout or setInterval. The native timer only queues
// the callback; it never runs it.
type Timer struct {
	handle TimerHandle
	delay  time.Duration
	fn     Callback
	repeat bool

	// next is when the timer fires next. For intervals it is recomputed at
	// every native firing, including suppressed ones.
	next time.Time
	// pending is set while an interval firing sits in the queue.
	pending bool
	native  *time.Timer
}

// Handle returns the timer handle.
func (t *Timer) Handle() TimerHandle { return t.handle }

// SetTimeout schedules fn to be queued once after delay. Negative delays
// count as zero. A nil fn schedules nothing and returns the zero handle.
func (q *EventQueue) SetTimeout(fn Callback, delay time.Duration) (TimerHandle, error) {
	return q.addTimer(fn, delay, false)
}

// SetInterval schedules fn to be queued every interval. A firing is skipped
// while the previous one is still waiting in the queue.
func (q *EventQueue) SetInterval(fn Callback, interval time.Duration) (TimerHandle, error) {
	return q.addTimer(fn, interval, true)
}

// ClearTimeout stops a timeout. Unknown handles are ignored. A firing that
// is already queued still runs.
func (q *EventQueue) ClearTimeout(h TimerHandle) error {
	return q.clearTimer(h)
}

// ClearInterval stops an interval. Unknown handles are ignored. A firing that
// is already queued still runs.
func (q *EventQueue) ClearInterval(h TimerHandle) error {
	return q.clearTimer(h)
}

func (q *EventQueue) addTimer(fn Callback, delay time.Duration, repeat bool) (TimerHandle, error) {
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < minInterval {
		delay = minInterval
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return 0, ErrQueueDestroyed
	}
	if fn == nil {
		return 0, nil
	}

	q.nextHandle++
	t := &Timer{
		handle: q.nextHandle,
		delay:  delay,
		fn:     fn,
		repeat: repeat,
		next:   time.Now().Add(delay),
	}
	if repeat {
		t.native = time.AfterFunc(delay, func() { q.fireInterval(t) })
	} else {
		t.native = time.AfterFunc(delay, func() { q.fireTimeout(t) })
	}
	q.timers[t.handle] = t

	q.logger.Debugf("EventQueue:addTimer", "wid:%d handle:%d delay:%s repeat:%t", q.win.id, t.handle, delay, repeat)

	return t.handle, nil
}

func (q *EventQueue) clearTimer(h TimerHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return ErrQueueDestroyed
	}
	t, ok := q.timers[h]
	if !ok {
		return nil
	}
	t.native.Stop()
	delete(q.timers, h)

	q.logger.Debugf("EventQueue:clearTimer", "wid:%d handle:%d", q.win.id, h)

	return nil
}

func (q *EventQueue) fireTimeout(t *Timer) {
	q.mu.Lock()
	if q.destroyed || q.timers[t.handle] != t {
		q.mu.Unlock()
		return
	}
	q.pushLocked(q.timerCallback(t, EventTimeout))
	delete(q.timers, t.handle)
	q.mu.Unlock()

	q.loop().run()
}

func (q *EventQueue) fireInterval(t *Timer) {
	q.mu.Lock()
	if q.destroyed || q.timers[t.handle] != t {
		q.mu.Unlock()
		return
	}
	t.next = time.Now().Add(t.delay)
	t.native.Reset(t.delay)
	if t.pending {
		q.mu.Unlock()
		return
	}
	t.pending = true
	q.pushLocked(func() error {
		q.mu.Lock()
		t.pending = false
		q.mu.Unlock()
		return q.timerCallback(t, EventInterval)()
	})
	q.mu.Unlock()

	q.loop().run()
}

// timerCallback runs the timer function in the window. Failures go through
// OnError so the firing itself never fails.
func (q *EventQueue) timerCallback(t *Timer, event string) Callback {
	return func() error {
		b := q.win.browser
		b.emit(event, TimerEvent{Window: q.win, Handle: t.handle})
		if err := q.win.run(t.fn); err != nil {
			q.OnError(err)
		}
		return nil
	}
}
