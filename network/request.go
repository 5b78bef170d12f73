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

package network

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Upload is a file sent as part of a multipart request.
type Upload struct {
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// Part is one section of a multipart body.
type Part struct {
	Headers Headers
	Body    []byte
}

// Request is a resource request flowing through the pipeline.
// Handlers mutate it in place.
type Request struct {
	Method  string
	URL     string
	Headers Headers
	// Params are sent in the query string for GET, HEAD and DELETE and as
	// the document body for POST and PUT.
	Params    url.Values
	Uploads   []Upload
	Body      []byte
	Multipart []Part
	Redirects int
	Time      time.Time
	// Timeout bounds the whole request including redirects, measured from Time.
	// Zero means no timeout.
	Timeout time.Duration
}

// NewRequest returns a request stamped with the current time.
func NewRequest(method, rawURL string) *Request {
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     rawURL,
		Headers: Headers{},
		Time:    time.Now(),
	}
}

// Deadline returns the point at which the request times out.
func (r *Request) Deadline() (time.Time, bool) {
	if r.Timeout <= 0 {
		return time.Time{}, false
	}
	return r.Time.Add(r.Timeout), true
}

func (r *Request) contentType() string {
	ct := r.Headers.Get("content-type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Response is the result of a request.
type Response struct {
	URL        string
	StatusCode int
	StatusText string
	Headers    Headers
	Body       []byte
	// Charset is set when the body was decoded to UTF-8.
	Charset   string
	Redirects int
	Time      time.Time

	// followed marks a response produced by a redirected pipeline run; the
	// remaining response handlers of the outer run already ran on it.
	followed bool
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// OK reports whether the status code is below 400.
func (r *Response) OK() bool {
	return r.StatusCode < http.StatusBadRequest
}

func (r *Response) fillDefaults(req *Request) {
	if r.URL == "" {
		r.URL = req.URL
	}
	if r.StatusCode == 0 {
		r.StatusCode = http.StatusOK
	}
	r.StatusText = http.StatusText(r.StatusCode)
	if r.StatusText == "" {
		r.StatusText = "Unknown"
	}
	if r.Headers == nil {
		r.Headers = Headers{}
	}
	r.Time = time.Now()
}

// Credentials are applied to every request sent to a host.
type Credentials struct {
	Scheme   string // "basic", "bearer" or "oauth"
	User     string
	Password string
	Token    string
}

// Apply sets the authorization header.
func (c *Credentials) Apply(h Headers) {
	if c == nil {
		return
	}
	switch strings.ToLower(c.Scheme) {
	case "basic":
		auth := base64.StdEncoding.EncodeToString([]byte(c.User + ":" + c.Password))
		h.Set("authorization", "Basic "+auth)
	case "bearer", "oauth":
		h.Set("authorization", "Bearer "+c.Token)
	}
}

// Reset clears the credentials.
func (c *Credentials) Reset() {
	*c = Credentials{}
}
