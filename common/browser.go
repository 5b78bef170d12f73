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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
	"github.com/zombiego/zombie/network"
	"github.com/zombiego/zombie/storage"
	"github.com/zombiego/zombie/trace"
)

// Ensure Browser implements the EventEmitter, Browser and network.Env interfaces.
var (
	_ EventEmitter = &Browser{}
	_ api.Browser  = &Browser{}
	_ network.Env  = &Browser{}
)

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// ResponseEvent is the data of EventResponse.
type ResponseEvent struct {
	Request  *network.Request
	Response *network.Response
}

// RedirectEvent is the data of EventRedirect.
type RedirectEvent struct {
	Request  *network.Request
	Response *network.Response
	Next     *network.Request
}

// Browser owns the windows, the event loop and the resource pipeline.
type Browser struct {
	BaseEventEmitter

	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	opts   *Options
	logger *log.Logger
	tracer *trace.Tracer

	loop      *EventLoop
	pipeline  *network.Pipeline
	resources *network.Resources
	cookies   *CookieJar

	credsMu     sync.Mutex
	credentials map[string]*network.Credentials

	windowsMu sync.RWMutex
	windows   map[WindowID]*Window
	lastID    WindowID
	tabs      []WindowID

	errorsMu sync.Mutex
	errors   []error
}

// BrowserOption configures a Browser.
type BrowserOption func(*browserConfig)

type browserConfig struct {
	pipelineOpts []network.PipelineOption
}

// WithPipelineOptions passes options to the resource pipeline.
func WithPipelineOptions(opts ...network.PipelineOption) BrowserOption {
	return func(c *browserConfig) { c.pipelineOpts = append(c.pipelineOpts, opts...) }
}

// NewBrowser returns a browser without windows. opts is copied; nil means
// the options attached to ctx with WithOptions, or the defaults. A tracer
// attached to ctx with WithTracer is used for spans.
func NewBrowser(ctx context.Context, opts *Options, logger *log.Logger, bopts ...BrowserOption) (*Browser, error) {
	if opts == nil {
		opts = GetOptions(ctx)
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating browser options: %w", err)
	}
	if logger == nil {
		logger = log.NullLogger()
	}

	var cfg browserConfig
	for _, o := range bopts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cancelFn:         cancel,
		state:            BrowserStateOpen,
		opts:             opts.Clone(),
		logger:           logger,
		tracer:           GetTracer(ctx),
		resources:        network.NewResources(),
		cookies:          NewCookieJar(),
		credentials:      make(map[string]*network.Credentials),
		windows:          make(map[WindowID]*Window),
	}
	if b.tracer == nil {
		b.tracer = trace.NewNoopTracer()
	}
	b.loop = NewEventLoop(ctx, logger)

	popts := []network.PipelineOption{
		network.WithFileReader(&storage.LocalFileReader{}),
		network.WithResources(b.resources),
		network.WithHooks(network.Hooks{
			Request: func(req *network.Request) {
				b.emit(EventRequest, req)
			},
			Response: func(req *network.Request, resp *network.Response) {
				b.emit(EventResponse, ResponseEvent{Request: req, Response: resp})
			},
			Redirect: func(req *network.Request, resp *network.Response, next *network.Request) {
				b.emit(EventRedirect, RedirectEvent{Request: req, Response: resp, Next: next})
			},
		}),
	}
	b.pipeline = network.NewPipeline(b, logger, append(popts, cfg.pipelineOpts...)...)

	b.logger.Debugf("Browser:NewBrowser", "site:%q ua:%q", b.opts.Site, b.opts.UserAgent)

	return b, nil
}

// Options returns a copy of the browser options.
func (b *Browser) Options() *Options { return b.opts.Clone() }

// Loop returns the event loop.
func (b *Browser) Loop() *EventLoop { return b.loop }

// Pipeline returns the resource pipeline.
func (b *Browser) Pipeline() *network.Pipeline { return b.pipeline }

// Resources returns the history of every fetch.
func (b *Browser) Resources() *network.Resources { return b.resources }

// CookieJar returns the cookies of the browser.
func (b *Browser) CookieJar() *CookieJar { return b.cookies }

// Site implements network.Env.
func (b *Browser) Site() string { return b.opts.Site }

// DocumentURL implements network.Env.
func (b *Browser) DocumentURL() string {
	if win := b.loop.Active(); win != nil {
		return win.baseURL()
	}
	return ""
}

// UserAgent returns the user agent sent with every request.
func (b *Browser) UserAgent() string { return b.opts.UserAgent }

// Headers implements network.Env.
func (b *Browser) Headers() network.Headers {
	h := network.Headers{}
	if b.opts.Language != "" {
		h.Set("accept-language", b.opts.Language)
	}
	for k, v := range b.opts.Headers {
		h.Set(k, v)
	}
	return h
}

// Credentials implements network.Env. Credentials of host win over the
// ones registered for "*".
func (b *Browser) Credentials(host string) *network.Credentials {
	b.credsMu.Lock()
	defer b.credsMu.Unlock()

	if c, ok := b.credentials[host]; ok && c.Scheme != "" {
		return c
	}
	if c, ok := b.credentials["*"]; ok && c.Scheme != "" {
		return c
	}
	return nil
}

// Cookies implements network.Env.
func (b *Browser) Cookies() api.CookieJar { return b.cookies }

// MaxRedirects implements network.Env.
func (b *Browser) MaxRedirects() int { return b.opts.MaxRedirects }

// Authenticate returns the credentials used for host, creating them if
// needed. Use "*" for every host.
func (b *Browser) Authenticate(host string) *network.Credentials {
	if host == "" {
		host = "*"
	}

	b.credsMu.Lock()
	defer b.credsMu.Unlock()

	c, ok := b.credentials[host]
	if !ok {
		c = &network.Credentials{}
		b.credentials[host] = c
	}
	return c
}

func (b *Browser) isClosed() bool {
	return atomic.LoadInt64(&b.state) != BrowserStateOpen
}

func (b *Browser) newWindow(ctx context.Context, name string, parent, opener WindowID) *Window {
	b.windowsMu.Lock()
	b.lastID++
	w := &Window{
		id:      b.lastID,
		browser: b,
		name:    name,
		parent:  parent,
		opener:  opener,
		logger:  b.logger,
		doc:     NewDocument(""),
	}
	w.queue = newEventQueue(ctx, w, b.logger)
	b.windows[w.id] = w
	b.windowsMu.Unlock()

	b.logger.Debugf("Browser:newWindow", "wid:%d name:%q parent:%d", w.id, name, parent)
	b.emit(EventOpened, w)
	return w
}

func (b *Browser) window(id WindowID) *Window {
	b.windowsMu.RLock()
	defer b.windowsMu.RUnlock()
	return b.windows[id]
}

func (b *Browser) removeWindow(id WindowID) {
	b.windowsMu.Lock()
	defer b.windowsMu.Unlock()
	delete(b.windows, id)
}

// Window returns the active window, or nil.
func (b *Browser) Window() *Window { return b.loop.Active() }

// Tabs returns the open tabs in the order they were opened.
func (b *Browser) Tabs() []*Window {
	b.windowsMu.RLock()
	defer b.windowsMu.RUnlock()

	tabs := make([]*Window, 0, len(b.tabs))
	for _, id := range b.tabs {
		if w := b.windows[id]; w != nil {
			tabs = append(tabs, w)
		}
	}
	return tabs
}

// SelectTab makes the i-th tab the active window.
func (b *Browser) SelectTab(i int) (*Window, error) {
	tabs := b.Tabs()
	if i < 0 || i >= len(tabs) {
		return nil, fmt.Errorf("selecting tab %d: only %d tabs open", i, len(tabs))
	}
	b.setActive(tabs[i])
	return tabs[i], nil
}

func (b *Browser) setActive(w *Window) {
	if b.loop.Active() == w {
		return
	}
	b.loop.SetActiveWindow(w)
	b.emit(EventActive, w)
}

// Open opens a new tab, makes it active and starts loading rawURL into it.
// An empty rawURL opens a blank tab.
func (b *Browser) Open(ctx context.Context, rawURL string) (api.Window, error) {
	w, err := b.openTab(ctx, rawURL, -1)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// openTab opens a tab at index at, or appends it when at is negative.
func (b *Browser) openTab(ctx context.Context, rawURL string, at int) (*Window, error) {
	if b.isClosed() {
		return nil, ErrBrowserClosed
	}

	var opener WindowID
	if active := b.loop.Active(); active != nil {
		opener = active.Top().id
	}
	w := b.newWindow(b.ctx, "", 0, opener)

	b.windowsMu.Lock()
	if at < 0 || at >= len(b.tabs) {
		b.tabs = append(b.tabs, w.id)
	} else {
		b.tabs[at] = w.id
	}
	b.windowsMu.Unlock()

	b.setActive(w)

	if rawURL == "" {
		return w, nil
	}
	return w, w.load(ctx, network.NewRequest(http.MethodGet, b.resolve(rawURL)))
}

// navigate replaces the active tab with a new window loading rawURL.
func (b *Browser) navigate(ctx context.Context, rawURL string) (*Window, error) {
	old := b.loop.Active()
	if old == nil {
		return b.openTab(ctx, rawURL, -1)
	}
	old = old.Top()

	target := b.resolve(rawURL)

	b.windowsMu.RLock()
	at := -1
	for i, id := range b.tabs {
		if id == old.id {
			at = i
			break
		}
	}
	b.windowsMu.RUnlock()

	w, err := b.openTab(ctx, target, at)
	old.destroy()
	return w, err
}

func (b *Browser) resolve(rawURL string) string {
	base := b.DocumentURL()
	if base == "" {
		base = b.opts.Site
	}
	if base == "" {
		return rawURL
	}
	return resolveURL(base, rawURL)
}

func (b *Browser) closeWindow(w *Window) {
	parent := w.Parent()
	if !w.destroy() {
		return
	}
	if parent != nil {
		parent.removeFrame(w.id)
		return
	}

	b.windowsMu.Lock()
	idx := -1
	for i, id := range b.tabs {
		if id == w.id {
			idx = i
			b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
			break
		}
	}
	var next WindowID
	if n := len(b.tabs); n > 0 {
		if idx >= n || idx < 0 {
			idx = n - 1
		}
		next = b.tabs[idx]
	}
	b.windowsMu.Unlock()

	if b.loop.Active() != w {
		return
	}
	if nw := b.window(next); nw != nil {
		b.setActive(nw)
		return
	}
	b.loop.SetActiveWindow(nil)
	b.emit(EventActive, nil)
}

// Visit loads rawURL into the active tab, replacing its window, and waits
// for the page to settle. A 4xx or 5xx document is reported as a
// *network.StatusError.
func (b *Browser) Visit(ctx context.Context, rawURL string) error {
	w, err := b.navigate(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := b.Wait(ctx, b.opts.WaitDuration); err != nil {
		return err
	}
	if status := w.Status(); status >= http.StatusBadRequest {
		return &network.StatusError{Code: status, URL: w.URL()}
	}
	return nil
}

// Wait waits up to d for the active window to go idle.
func (b *Browser) Wait(ctx context.Context, d time.Duration) error {
	_, err := b.WaitFor(ctx, d, nil)
	return err
}

// WaitFor waits up to d for the active window to go idle or pred to hold.
func (b *Browser) WaitFor(ctx context.Context, d time.Duration, pred WaitPredicate) (WaitResult, error) {
	if b.isClosed() {
		return 0, ErrBrowserClosed
	}

	if w := b.loop.Active(); w != nil {
		sctx, span := b.tracer.TraceCall(ctx, w.Top().traceID(), "wait")
		defer span.End()
		ctx = sctx
	}
	res, err := b.loop.Wait(ctx, d, pred)
	if err != nil {
		b.logger.Debugf("Browser:WaitFor", "duration:%s err:%v", d, err)
	}
	return res, err
}

// WaitForElement waits up to d for an element matching selector to appear
// in the active window.
func (b *Browser) WaitForElement(ctx context.Context, selector string, d time.Duration) error {
	res, err := b.WaitFor(ctx, d, func(w *Window, _ time.Duration) bool {
		return w.Doc().Query(selector)
	})
	if err != nil {
		return err
	}
	if res == WaitCompleted {
		return nil
	}
	if w := b.Window(); w == nil || !w.Doc().Query(selector) {
		return fmt.Errorf("waiting for %q: %w", selector, &TimeoutError{Duration: d})
	}
	return nil
}

// WaitForServer waits up to d for the next message from an event source,
// then waits for the page to process it with the time left.
func (b *Browser) WaitForServer(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidWaitDuration
	}
	if b.loop.Active() == nil {
		return ErrNoWindow
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan Event, 1)
	b.On(sctx, []string{EventServer}, ch)

	deadline := time.Now().Add(d)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
		return fmt.Errorf("waiting for server event: %w", &TimeoutError{Duration: d})
	case <-ctx.Done():
		return ctx.Err()
	}

	left := time.Until(deadline)
	if left <= 0 {
		left = time.Millisecond
	}
	return b.Wait(ctx, left)
}

// Evaluate runs src in the active window.
func (b *Browser) Evaluate(src string) (any, error) {
	w := b.loop.Active()
	if w == nil {
		return nil, ErrNoWindow
	}
	return w.Evaluate(src)
}

// Fetch runs req through the pipeline right away, bypassing the event
// queues. Error statuses are returned as responses. Closing the browser
// aborts the fetch.
func (b *Browser) Fetch(ctx context.Context, req *network.Request) (*network.Response, error) {
	if b.isClosed() {
		return nil, ErrBrowserClosed
	}
	ctx, cancel := contextWithDoneChan(ctx, b.ctx.Done())
	defer cancel()
	return b.pipeline.Fetch(ctx, req) //nolint:wrapcheck
}

// SaveResources writes the resource history as JSON to path.
func (b *Browser) SaveResources(ctx context.Context, path string, fp storage.FilePersister) error {
	data, err := b.resources.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding resources: %w", err)
	}
	if err := fp.Persist(ctx, path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("saving resources: %w", err)
	}
	return nil
}

// Dump writes the event loop state and the resource history to a string.
func (b *Browser) Dump() string {
	var sb strings.Builder
	b.loop.Dump(&sb)
	sb.WriteString("\n")
	b.resources.Dump(&sb)
	return sb.String()
}

func (b *Browser) reportError(err error) {
	if err == nil {
		return
	}
	b.errorsMu.Lock()
	b.errors = append(b.errors, err)
	b.errorsMu.Unlock()

	b.logger.Errorf("Browser:reportError", "%v", err)
	b.emit(EventError, err)
	b.loop.emitError(err)
}

// Errors returns every error reported so far.
func (b *Browser) Errors() []error {
	b.errorsMu.Lock()
	defer b.errorsMu.Unlock()

	errs := make([]error, len(b.errors))
	copy(errs, b.errors)
	return errs
}

// Error returns the last reported error, or nil.
func (b *Browser) Error() error {
	b.errorsMu.Lock()
	defer b.errorsMu.Unlock()

	if len(b.errors) == 0 {
		return nil
	}
	return b.errors[len(b.errors)-1]
}

// On delivers the given events to ch until ctx is done.
func (b *Browser) On(ctx context.Context, events []string, ch chan Event) {
	b.on(ctx, events, ch)
}

// OnAll delivers every event to ch until ctx is done.
func (b *Browser) OnAll(ctx context.Context, ch chan Event) {
	b.onAll(ctx, ch)
}

// Close closes every window and stops the event loop.
func (b *Browser) Close() {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		return
	}
	b.logger.Debugf("Browser:Close", "")

	for _, w := range b.Tabs() {
		b.closeWindow(w)
	}
	b.loop.SetActiveWindow(nil)
	b.cancelFn()

	atomic.StoreInt64(&b.state, BrowserStateClosed)
}
