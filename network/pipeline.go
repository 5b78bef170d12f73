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

// Package network implements the resource pipeline: the ordered chain of
// request and response handlers every fetch goes through.
package network

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
	"github.com/zombiego/zombie/storage"
)

// RequestFunc handles a request. Returning a non-nil response ends the
// request phase and skips the remaining request handlers.
type RequestFunc func(ctx context.Context, p *Pipeline, req *Request) (*Response, error)

// ResponseFunc handles a response. A non-nil return replaces the response.
type ResponseFunc func(ctx context.Context, p *Pipeline, req *Request, resp *Response) (*Response, error)

// HandlerKind tells request and response handlers apart.
type HandlerKind int

const (
	RequestHandler HandlerKind = iota
	ResponseHandler
)

func (k HandlerKind) String() string {
	if k == ResponseHandler {
		return "response"
	}
	return "request"
}

// Handler is a pipeline stage. Handlers are compared by identity.
type Handler struct {
	name     string
	kind     HandlerKind
	request  RequestFunc
	response ResponseFunc
}

// NewRequestHandler creates a request handler.
func NewRequestHandler(name string, fn RequestFunc) *Handler {
	return &Handler{name: name, kind: RequestHandler, request: fn}
}

// NewResponseHandler creates a response handler.
func NewResponseHandler(name string, fn ResponseFunc) *Handler {
	return &Handler{name: name, kind: ResponseHandler, response: fn}
}

// Name returns the handler name.
func (h *Handler) Name() string { return h.name }

// Kind returns the handler kind.
func (h *Handler) Kind() HandlerKind { return h.kind }

// Env is the browser state the default handlers read.
type Env interface {
	// Site is the base URL used when no document is loaded.
	Site() string
	// DocumentURL is the base URL of the active document, or empty.
	DocumentURL() string
	UserAgent() string
	// Headers are sent with every request.
	Headers() Headers
	// Credentials returns the credentials for host, or nil.
	Credentials(host string) *Credentials
	// Cookies may return nil when cookies are disabled.
	Cookies() api.CookieJar
	MaxRedirects() int
}

// Hooks observe the pipeline. Any of them may be nil.
type Hooks struct {
	Request  func(req *Request)
	Response func(req *Request, resp *Response)
	Redirect func(req *Request, resp *Response, next *Request)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithHTTPClient replaces the client used for network requests.
// The client must not follow redirects on its own.
func WithHTTPClient(c *http.Client) PipelineOption {
	return func(p *Pipeline) { p.client = c }
}

// WithFileReader replaces the reader used for file: URLs.
func WithFileReader(r storage.FileReader) PipelineOption {
	return func(p *Pipeline) { p.files = r }
}

// WithHooks sets the pipeline observers.
func WithHooks(h Hooks) PipelineOption {
	return func(p *Pipeline) { p.hooks = h }
}

// WithResources records every fetch in the history.
func WithResources(r *Resources) PipelineOption {
	return func(p *Pipeline) { p.resources = r }
}

// Pipeline runs requests through the handler chain.
type Pipeline struct {
	env    Env
	logger *log.Logger
	client *http.Client
	files  storage.FileReader
	hooks  Hooks
	bufs   *bpool.BufferPool

	resources *Resources

	handlersMu sync.RWMutex
	handlers   []*Handler
}

// NewHTTPClient returns a client that leaves redirects and compression to
// the pipeline.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewPipeline creates a pipeline starting with the default handlers.
func NewPipeline(env Env, logger *log.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = log.NullLogger()
	}
	p := &Pipeline{
		env:      env,
		logger:   logger,
		client:   NewHTTPClient(),
		files:    &storage.LocalFileReader{},
		bufs:     bpool.NewBufferPool(16),
		handlers: DefaultHandlers(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Env returns the browser state the pipeline runs against.
func (p *Pipeline) Env() Env { return p.env }

// Resources returns the fetch history, or nil.
func (p *Pipeline) Resources() *Resources { return p.resources }

// AddHandler appends a handler. It only affects runs started afterwards.
func (p *Pipeline) AddHandler(h *Handler) error {
	if h == nil || (h.request == nil && h.response == nil) {
		return ErrNilHandler
	}

	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	p.handlers = append(p.handlers, h)
	p.logger.Debugf("Pipeline:AddHandler", "name:%q kind:%s", h.name, h.kind)
	return nil
}

// RemoveHandler removes a handler by identity. It reports whether the
// handler was found.
func (p *Pipeline) RemoveHandler(h *Handler) bool {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	for i, hh := range p.handlers {
		if hh == h {
			p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
			p.logger.Debugf("Pipeline:RemoveHandler", "name:%q kind:%s", h.name, h.kind)
			return true
		}
	}
	return false
}

// Handlers returns a snapshot of the handler chain.
func (p *Pipeline) Handlers() []*Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()

	return append([]*Handler(nil), p.handlers...)
}

// Fetch runs req through the pipeline, records it in the history and
// notifies the hooks. The returned error is the fetch failure.
func (p *Pipeline) Fetch(ctx context.Context, req *Request) (*Response, error) {
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Headers == nil {
		req.Headers = Headers{}
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	var res *Resource
	if p.resources != nil {
		res = p.resources.add(req)
	}
	if p.hooks.Request != nil {
		p.hooks.Request(req)
	}
	p.logger.Debugf("Pipeline:Fetch", "method:%s url:%q", req.Method, req.URL)

	resp, err := p.Run(ctx, req)
	if err != nil {
		p.logger.Debugf("Pipeline:Fetch", "method:%s url:%q err:%v", req.Method, req.URL, err)
		res.settle(nil, err)
		return nil, err
	}

	resp.fillDefaults(req)
	res.settle(resp, nil)
	if p.hooks.Response != nil {
		p.hooks.Response(req, resp)
	}
	p.logger.Debugf("Pipeline:Fetch", "method:%s url:%q status:%d redirects:%d",
		req.Method, resp.URL, resp.StatusCode, resp.Redirects)

	return resp, nil
}

// Run processes req with a snapshot of the handler chain, without
// recording history. Redirects re-enter here.
func (p *Pipeline) Run(ctx context.Context, req *Request) (_ *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("pipeline handler panicked: %v", r)
		}
	}()

	handlers := p.Handlers()

	var resp *Response
	for _, h := range handlers {
		if h.kind != RequestHandler {
			continue
		}
		if resp, err = h.request(ctx, p, req); err != nil {
			return nil, err
		}
		if resp != nil {
			break
		}
	}
	if resp == nil {
		if resp, err = p.makeHTTPRequest(ctx, req); err != nil {
			return nil, err
		}
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	if resp.Headers == nil {
		resp.Headers = Headers{}
	}

	for _, h := range handlers {
		if h.kind != ResponseHandler {
			continue
		}
		r, err := h.response(ctx, p, req, resp)
		if err != nil {
			return nil, err
		}
		if r != nil {
			resp = r
		}
		if resp.followed {
			break
		}
	}

	return resp, nil
}
