package common

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zombiego/zombie/log"
)

// newTestBrowser returns a browser closed at the end of the test.
func newTestBrowser(t *testing.T, opts ...func(*Options)) *Browser {
	t.Helper()

	o := NewOptions()
	o.WaitDuration = 2 * time.Second
	for _, fn := range opts {
		fn(o)
	}
	b, err := NewBrowser(context.Background(), o, log.NullLogger())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	return b
}

// newTestWindow opens a blank active tab with an empty HTML document, so
// wait predicates run against it.
func newTestWindow(t *testing.T, b *Browser) *Window {
	t.Helper()

	w, err := b.openTab(context.Background(), "", -1)
	require.NoError(t, err)

	doc, err := ParseDocument("about:blank", strings.NewReader("<html><head></head><body></body></html>"))
	require.NoError(t, err)
	w.mu.Lock()
	w.doc = doc
	w.mu.Unlock()

	return w
}

// newPageServer serves each path of pages and 404s the rest.
func newPageServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".js"):
			w.Header().Set("Content-Type", "application/javascript")
		case strings.HasSuffix(r.URL.Path, ".txt"):
			w.Header().Set("Content-Type", "text/plain")
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func waitFor(t *testing.T, ch chan Event, typ string) Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", typ)
		}
	}
}
