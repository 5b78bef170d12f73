package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombiego/zombie/log"
)

// newEventServer serves page at / and pushes msgs over a WebSocket at /ws,
// each after delay.
func newEventServer(t *testing.T, page string, delay time.Duration, msgs ...string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		for _, msg := range msgs {
			time.Sleep(delay)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestWaitForServer(t *testing.T) {
	t.Parallel()

	srv := newEventServer(t, `<html><head><script>
		var messages = [];
		addEventListener("message", function (e) { messages.push(e.data); });
	</script></head></html>`, 50*time.Millisecond, "hello")

	b := newTestBrowser(t)
	ctx := context.Background()
	require.NoError(t, b.Visit(ctx, srv.URL+"/"))

	w := b.Window()
	require.NoError(t, w.ConnectEventSource("/ws", nil))
	require.NoError(t, b.WaitForServer(ctx, 2*time.Second))

	got, err := b.Evaluate(`messages.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestWaitForServerTimeout(t *testing.T) {
	t.Parallel()

	srv := newEventServer(t, `<html></html>`, 0)

	b := newTestBrowser(t)
	ctx := context.Background()
	require.NoError(t, b.Visit(ctx, srv.URL+"/"))
	require.NoError(t, b.Window().ConnectEventSource("/ws", nil))

	err := b.WaitForServer(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.ErrorIs(t, b.WaitForServer(ctx, 0), ErrInvalidWaitDuration)
}

func TestWaitForServerNoWindow(t *testing.T) {
	t.Parallel()

	b := newTestBrowser(t)
	require.ErrorIs(t, b.WaitForServer(context.Background(), time.Second), ErrNoWindow)
}

func TestWebSocketSource(t *testing.T) {
	t.Parallel()

	srv := newEventServer(t, "", 0, "one", "two")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	src := NewWebSocketSource(context.Background(), url, nil, log.NullLogger())
	msgs := make(chan any, 2)
	src.Start(func(msg any) { msgs <- msg })

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-msgs:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for message", want)
		}
	}

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	select {
	case <-src.done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "source did not stop")
	}
}

func TestWebSocketSourceDialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	src := NewWebSocketSource(context.Background(), url, nil, log.NullLogger())
	src.Start(func(any) { t.Error("no message expected") })

	select {
	case <-src.done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "source did not give up")
	}
	require.NoError(t, src.Close())
}
