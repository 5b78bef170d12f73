package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitter(t *testing.T) {
	t.Parallel()

	t.Run("on", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)
		emitter.on(ctx, []string{EventConsole}, ch)

		emitter.emit(EventRequest, "skipped")
		emitter.emit(EventConsole, "first")
		emitter.emit(EventConsole, "second")

		for _, want := range []string{"first", "second"} {
			select {
			case ev := <-ch:
				assert.Equal(t, EventConsole, ev.Type)
				assert.Equal(t, want, ev.Data)
			case <-time.After(time.Second):
				require.FailNow(t, "timed out", want)
			}
		}
	})
	t.Run("on_all", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 4)
		emitter.onAll(ctx, ch)

		emitter.emit(EventTimeout, 1)
		emitter.emit(EventInterval, 2)

		require.Eventually(t, func() bool { return len(ch) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, EventTimeout, (<-ch).Type)
		assert.Equal(t, EventInterval, (<-ch).Type)
	})
	t.Run("canceled_handler", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		emitter := NewBaseEventEmitter(ctx)
		hctx, hcancel := context.WithCancel(ctx)
		ch := make(chan Event, 1)
		emitter.on(hctx, []string{EventError}, ch)
		hcancel()

		emitter.emit(EventError, "dropped")
		emitter.sync(func() {
			assert.Empty(t, emitter.handlers[EventError], "canceled handlers are removed on emit")
		})
		assert.Empty(t, ch)
	})
}
