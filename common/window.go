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
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
	"github.com/zombiego/zombie/network"
)

// Ensure Window implements the api.Window interface.
var _ api.Window = &Window{}

// WindowID identifies a window within its browser. The zero ID is no window.
type WindowID int64

// Window is a tab or a frame. Parent and opener are looked up by ID through
// the browser, which owns every window.
type Window struct {
	id      WindowID
	browser *Browser
	name    string
	parent  WindowID
	opener  WindowID
	queue   *EventQueue
	logger  *log.Logger

	mu     sync.RWMutex
	url    string
	status int
	doc    *Document
	frames []WindowID
	closed bool

	// jsMu serializes every entry into vm.
	jsMu sync.Mutex
	vm   *goja.Runtime
}

// ID returns the window ID.
func (w *Window) ID() WindowID { return w.id }

// Name returns the frame or tab name.
func (w *Window) Name() string { return w.name }

// URL returns the address of the loaded document.
func (w *Window) URL() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.url
}

// Status returns the status code of the document response, or zero.
func (w *Window) Status() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Document returns the loaded document.
func (w *Window) Document() api.Document {
	return w.Doc()
}

// Doc returns the loaded document. Before a load it has no root element.
func (w *Window) Doc() *Document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc
}

// Queue returns the event queue of the window.
func (w *Window) Queue() *EventQueue { return w.queue }

// Parent returns the window containing this frame, or nil for a tab.
func (w *Window) Parent() *Window {
	if w.parent == 0 {
		return nil
	}
	return w.browser.window(w.parent)
}

// Opener returns the window that opened this tab, or nil.
func (w *Window) Opener() *Window {
	if w.opener == 0 {
		return nil
	}
	return w.browser.window(w.opener)
}

// Top returns the tab containing this window.
func (w *Window) Top() *Window {
	top := w
	for p := top.Parent(); p != nil; p = top.Parent() {
		top = p
	}
	return top
}

// Frames returns the live child frames in document order.
func (w *Window) Frames() []*Window {
	w.mu.RLock()
	ids := make([]WindowID, len(w.frames))
	copy(ids, w.frames)
	w.mu.RUnlock()

	frames := make([]*Window, 0, len(ids))
	for _, id := range ids {
		if f := w.browser.window(id); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// Closed reports whether the window was closed.
func (w *Window) Closed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// Evaluate runs src in the window and returns the exported result.
func (w *Window) Evaluate(src string) (any, error) {
	if w.Closed() {
		return nil, ErrQueueDestroyed
	}
	var result any
	err := w.withVM(func(vm *goja.Runtime) error {
		v, err := vm.RunString(src)
		if err != nil {
			return &ScriptError{Source: "evaluate", Err: err}
		}
		result = v.Export()
		return nil
	})
	return result, err
}

// withVM runs fn with exclusive access to the script runtime, creating it
// on first use.
func (w *Window) withVM(fn func(vm *goja.Runtime) error) error {
	w.jsMu.Lock()
	defer w.jsMu.Unlock()

	if w.vm == nil {
		vm, err := newScriptEnv(w)
		if err != nil {
			return err
		}
		w.vm = vm
	}
	return fn(w.vm)
}

// run calls fn, turning a panic into an error.
func (w *Window) run(fn Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("wid:%d callback panicked: %v", w.id, r)
		}
	}()
	return fn()
}

func (w *Window) dispatch(typ string, detail any) {
	w.Doc().DispatchEvent(typ, detail)
}

func (w *Window) baseURL() string {
	if base := w.Doc().BaseURL(); base != "" {
		return base
	}
	return w.URL()
}

func (w *Window) traceID() string {
	return strconv.FormatInt(int64(w.id), 10)
}

// load fetches the document for req into the window. The document is
// parsed, frames opened and scripts run from the queue.
func (w *Window) load(ctx context.Context, req *network.Request) error {
	w.browser.tracer.TraceNavigation(ctx, w.traceID(), req.URL)

	w.mu.Lock()
	w.url = req.URL
	w.mu.Unlock()

	w.logger.Debugf("Window:load", "wid:%d url:%q", w.id, req.URL)

	return w.queue.HTTP(req, func(resp *network.Response, err error) error {
		if err != nil {
			return err
		}
		return w.loaded(resp)
	})
}

func (w *Window) loaded(resp *network.Response) error {
	doc := NewDocument(resp.URL)
	if isHTML(resp) {
		var err error
		if doc, err = ParseDocument(resp.URL, bytes.NewReader(resp.Body)); err != nil {
			return errors.Wrapf(err, "parsing document %q", resp.URL)
		}
	}

	w.mu.Lock()
	w.url = resp.URL
	w.status = resp.StatusCode
	w.doc = doc
	w.mu.Unlock()

	w.browser.emit(EventLoaded, w)

	for _, f := range doc.Frames() {
		if f.Src == "" {
			continue
		}
		if _, err := w.OpenFrame(f.Name, resolveURL(doc.BaseURL(), f.Src)); err != nil {
			return err
		}
	}

	if !w.browser.opts.RunScripts {
		return nil
	}
	return w.runScripts(doc.Scripts(), 0)
}

// runScripts runs the scripts from i on in document order. An external
// script is fetched through the queue and the rest resume once it ran.
func (w *Window) runScripts(scripts []Script, i int) error {
	for ; i < len(scripts); i++ {
		s := scripts[i]
		if !isJavaScript(s.Type) {
			continue
		}
		if s.Src == "" {
			w.evalScript(w.URL(), s.Text)
			continue
		}

		next := i + 1
		src := resolveURL(w.baseURL(), s.Src)
		return w.queue.HTTP(network.NewRequest(http.MethodGet, src), func(resp *network.Response, err error) error {
			switch {
			case err != nil:
				w.queue.OnError(err)
			case !resp.OK():
				w.queue.OnError(&network.StatusError{Code: resp.StatusCode, URL: resp.URL})
			default:
				w.evalScript(src, resp.Text())
			}
			return w.runScripts(scripts, next)
		})
	}
	return nil
}

func (w *Window) evalScript(source, src string) {
	err := w.withVM(func(vm *goja.Runtime) error {
		_, err := vm.RunString(src)
		return err
	})
	if err != nil {
		w.queue.OnError(&ScriptError{Source: source, Err: err})
	}
}

// OpenFrame opens a child frame and loads src into it.
func (w *Window) OpenFrame(name, src string) (*Window, error) {
	if w.Closed() {
		return nil, ErrQueueDestroyed
	}

	f := w.browser.newWindow(w.queue.ctx, name, w.id, 0)
	w.mu.Lock()
	w.frames = append(w.frames, f.id)
	w.mu.Unlock()

	if src == "" {
		return f, nil
	}
	return f, f.load(w.queue.ctx, network.NewRequest(http.MethodGet, src))
}

// ConnectEventSource opens a WebSocket to rawURL and queues every message
// it receives as a message event on the document.
func (w *Window) ConnectEventSource(rawURL string, header http.Header) error {
	u := resolveURL(w.baseURL(), rawURL)
	u = strings.Replace(u, "http", "ws", 1)
	return w.queue.AddEventSource(NewWebSocketSource(w.queue.ctx, u, header, w.logger))
}

// Close closes the window and all of its frames.
func (w *Window) Close() {
	w.browser.closeWindow(w)
}

// destroy tears down w and its frames. It reports whether w was open.
func (w *Window) destroy() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.closed = true
	w.mu.Unlock()

	for _, f := range w.Frames() {
		f.destroy()
	}
	w.queue.Destroy()
	w.browser.tracer.EndWindow(w.traceID())
	w.browser.removeWindow(w.id)
	w.browser.emit(EventClosed, w)

	w.logger.Debugf("Window:destroy", "wid:%d", w.id)
	return true
}

func (w *Window) removeFrame(id WindowID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, fid := range w.frames {
		if fid == id {
			w.frames = append(w.frames[:i], w.frames[i+1:]...)
			return
		}
	}
}

func isHTML(resp *network.Response) bool {
	ct := resp.Headers.Get("content-type")
	return ct == "" || strings.Contains(ct, "html")
}

func isJavaScript(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	return typ == "" || strings.Contains(typ, "javascript") || typ == "module"
}
