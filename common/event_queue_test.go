package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombiego/zombie/network"
)

// recorder collects labels from callbacks running on the event loop.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) cb(label string) Callback {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, label)
		return nil
	}
}

func (r *recorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestEventQueueFIFO(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	var rec recorder
	want := []string{"a", "b", "c", "d", "e"}
	for _, l := range want {
		require.NoError(t, w.queue.Enqueue(rec.cb(l)))
	}
	assert.Empty(t, rec.labels(), "callbacks must not run outside a wait")

	res, err := b.loop.Wait(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, WaitIdle, res)
	assert.Equal(t, want, rec.labels())
}

func TestEventQueueDequeueParentBeforeFrames(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)
	f1, err := w.OpenFrame("f1", "")
	require.NoError(t, err)
	f2, err := w.OpenFrame("f2", "")
	require.NoError(t, err)
	nested, err := f1.OpenFrame("nested", "")
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, f2.queue.Enqueue(rec.cb("f2")))
	require.NoError(t, nested.queue.Enqueue(rec.cb("nested")))
	require.NoError(t, f1.queue.Enqueue(rec.cb("f1")))
	require.NoError(t, w.queue.Enqueue(rec.cb("parent-1")))
	require.NoError(t, w.queue.Enqueue(rec.cb("parent-2")))

	// no waiter, so nothing drains while we pull by hand
	var order []string
	for fn := w.queue.dequeue(); fn != nil; fn = w.queue.dequeue() {
		require.NoError(t, fn())
		got := rec.labels()
		order = append(order, got[len(got)-1])
	}
	assert.Equal(t, []string{"parent-1", "parent-2", "f1", "nested", "f2"}, order)
}

func TestEventQueueCompletion(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)
	f, err := w.OpenFrame("f", "")
	require.NoError(t, err)

	assert.False(t, w.queue.Expected())

	done, err := f.queue.WaitForCompletion()
	require.NoError(t, err)
	assert.True(t, f.queue.Expected())
	assert.True(t, w.queue.Expected(), "expectations of frames count for the parent")

	require.NoError(t, done.Complete())
	assert.False(t, w.queue.Expected())

	err = done.Complete()
	require.ErrorIs(t, err, ErrCompletionConsumed)
	assert.False(t, w.queue.Expected(), "a second completion must not change the count")
}

func TestEventQueueNext(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)
	f, err := w.OpenFrame("f", "")
	require.NoError(t, err)

	_, ok := w.queue.Next()
	assert.False(t, ok)

	noop := func() error { return nil }
	_, err = w.queue.SetTimeout(noop, time.Hour)
	require.NoError(t, err)
	_, err = f.queue.SetTimeout(noop, time.Minute)
	require.NoError(t, err)

	next, ok := w.queue.Next()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), next, 5*time.Second)
}

func TestEventQueueDestroy(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	var rec recorder
	h, err := w.queue.SetInterval(rec.cb("interval"), 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.queue.Enqueue(rec.cb("queued")))
	src := &fakeSource{}
	require.NoError(t, w.queue.AddEventSource(src))

	w.queue.Destroy()
	assert.True(t, w.queue.Destroyed())
	assert.Equal(t, 1, src.closed())
	assert.Zero(t, w.queue.Len())

	// idempotent
	w.queue.Destroy()
	assert.Equal(t, 1, src.closed())

	tests := []struct {
		name string
		fn   func() error
	}{
		{"enqueue", func() error { return w.queue.Enqueue(rec.cb("x")) }},
		{"set_timeout", func() error { _, err := w.queue.SetTimeout(rec.cb("x"), 0); return err }},
		{"set_interval", func() error { _, err := w.queue.SetInterval(rec.cb("x"), 0); return err }},
		{"clear_interval", func() error { return w.queue.ClearInterval(h) }},
		{"wait_for_completion", func() error { _, err := w.queue.WaitForCompletion(); return err }},
		{"http", func() error {
			return w.queue.HTTP(network.NewRequest("GET", "http://localhost/"), func(*network.Response, error) error { return nil })
		}},
		{"add_event_source", func() error { return w.queue.AddEventSource(&fakeSource{}) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.fn(), ErrQueueDestroyed)
		})
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.labels(), "timers of a destroyed queue must not fire")
}

func TestEventQueueHTTP(t *testing.T) {
	t.Parallel()

	srv := newPageServer(t, map[string]string{"/data.txt": "hello"})
	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	var (
		mu   sync.Mutex
		body string
		ferr error
	)
	err := w.queue.HTTP(network.NewRequest("GET", srv.URL+"/data.txt"), func(resp *network.Response, err error) error {
		mu.Lock()
		defer mu.Unlock()
		ferr = err
		if resp != nil {
			body = resp.Text()
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, w.queue.Expected())

	_, err = b.loop.Wait(context.Background(), 2*time.Second, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, ferr)
	assert.Equal(t, "hello", body)
	assert.False(t, w.queue.Expected())
	assert.Equal(t, 1, b.Resources().Len())
}

func TestEventQueueHTTPFailure(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	errc := make(chan error, 1)
	err := w.queue.HTTP(network.NewRequest("GET", "ftp://localhost/file"), func(_ *network.Response, err error) error {
		errc <- err
		return nil
	})
	require.NoError(t, err)

	_, err = b.loop.Wait(context.Background(), 2*time.Second, nil)
	require.NoError(t, err)

	select {
	case err := <-errc:
		require.Error(t, err)
	default:
		require.FailNow(t, "the callback must run with the failure")
	}
}

func TestEventQueueOnError(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	got := make(chan any, 1)
	w.Doc().AddEventListener("error", func(_ string, detail any) { got <- detail })

	boom := errors.New("boom")
	w.queue.OnError(boom)
	assert.Equal(t, []error{boom}, b.Errors())

	// the error event is queued, not dispatched inline
	assert.Len(t, got, 0)
	_, err := b.loop.Wait(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, boom, <-got)
}

type fakeSource struct {
	mu      sync.Mutex
	deliver func(msg any)
	closes  int
}

func (s *fakeSource) Start(deliver func(msg any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSource) send(msg any) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	deliver(msg)
}

func TestEventQueueEventSource(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	w := newTestWindow(t, b)

	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.On(ctx, []string{EventServer}, events)

	got := make(chan any, 1)
	w.Doc().AddEventListener("message", func(_ string, detail any) { got <- detail })

	src := &fakeSource{}
	require.NoError(t, w.queue.AddEventSource(src))
	src.send("hi")

	assert.Equal(t, "hi", waitFor(t, events, EventServer).Data)
	assert.Equal(t, 1, w.queue.Len(), "the message event waits in the queue")

	_, err := b.loop.Wait(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", <-got)
}
