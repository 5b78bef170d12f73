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
	"net/http"
	"sort"
	"strings"
)

// Headers maps lower-cased header names to their values.
type Headers map[string][]string

// HeadersFrom copies an http.Header, lower-casing the names.
func HeadersFrom(h http.Header) Headers {
	hh := make(Headers, len(h))
	for k, v := range h {
		name := strings.ToLower(k)
		hh[name] = append(hh[name], v...)
	}
	return hh
}

// Get returns the first value of the named header.
func (h Headers) Get(name string) string {
	if v := h[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values of the named header.
func (h Headers) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Set replaces the values of the named header.
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Add appends a value to the named header.
func (h Headers) Add(name, value string) {
	name = strings.ToLower(name)
	h[name] = append(h[name], value)
}

// Del removes the named header.
func (h Headers) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Has reports whether the named header is present.
func (h Headers) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Merge sets every header of o on h, overriding existing names.
func (h Headers) Merge(o Headers) {
	for k, v := range o {
		h[strings.ToLower(k)] = append([]string(nil), v...)
	}
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = append([]string(nil), v...)
	}
	return c
}

// Names returns the header names in sorted order.
func (h Headers) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HTTP converts the headers to an http.Header.
func (h Headers) HTTP() http.Header {
	hh := make(http.Header, len(h))
	for k, v := range h {
		hh[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return hh
}
