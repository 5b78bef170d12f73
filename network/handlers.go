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
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const defaultSite = "http://localhost"

// The default chain. makeHTTPRequest is not part of it: it always runs
// after the last request handler.
var (
	NormalizeURL       = NewRequestHandler("normalizeURL", normalizeURL)
	MergeHeaders       = NewRequestHandler("mergeHeaders", mergeHeaders)
	CreateBody         = NewRequestHandler("createBody", createBody)
	HandleHTTPResponse = NewResponseHandler("handleHTTPResponse", handleHTTPResponse)
	DecompressBody     = NewResponseHandler("decompressBody", decompressBody)
	DecodeBody         = NewResponseHandler("decodeBody", decodeBody)

	defaultHandlers = []*Handler{
		NormalizeURL,
		MergeHeaders,
		CreateBody,
		HandleHTTPResponse,
		DecompressBody,
		DecodeBody,
	}
)

// DefaultHandlers returns a copy of the chain every pipeline starts with.
func DefaultHandlers() []*Handler {
	return append([]*Handler(nil), defaultHandlers...)
}

var fileURLPrefix = regexp.MustCompile(`^file:/{1,3}`)

func normalizeURL(_ context.Context, p *Pipeline, req *Request) (*Response, error) {
	if strings.HasPrefix(req.URL, "file:") {
		req.URL = fileURLPrefix.ReplaceAllString(req.URL, "file:///")
	} else {
		base := p.env.DocumentURL()
		if base == "" {
			base = p.env.Site()
		}
		if base == "" {
			base = defaultSite
		}
		resolved, err := resolveURL(base, req.URL)
		if err != nil {
			return nil, err
		}
		req.URL = resolved
	}

	if len(req.Params) > 0 {
		switch req.Method {
		case http.MethodGet, http.MethodHead, http.MethodDelete:
			u, err := url.Parse(req.URL)
			if err != nil {
				return nil, fmt.Errorf("parsing request url %q: %w", req.URL, err)
			}
			q := u.Query()
			for k, v := range req.Params {
				q[k] = v
			}
			u.RawQuery = q.Encode()
			req.URL = u.String()
		}
	}

	return nil, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func mergeHeaders(_ context.Context, p *Pipeline, req *Request) (*Response, error) {
	headers := Headers{}
	headers.Set("user-agent", p.env.UserAgent())
	headers.Merge(p.env.Headers())
	headers.Merge(req.Headers)

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request url %q: %w", req.URL, err)
	}
	headers.Set("host", u.Host)
	p.env.Credentials(u.Host).Apply(headers)

	req.Headers = headers
	return nil, nil
}

func createBody(_ context.Context, _ *Pipeline, req *Request) (*Response, error) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		return nil, nil
	}

	if req.Headers.Get("content-type") == "" {
		req.Headers.Set("content-type", "application/x-www-form-urlencoded")
	}
	if req.Body != nil {
		return nil, nil
	}

	switch mimeType := req.contentType(); mimeType {
	case "application/x-www-form-urlencoded":
		req.Body = []byte(req.Params.Encode())
		req.Headers.Set("content-length", strconv.Itoa(len(req.Body)))
	case "multipart/form-data":
		if len(req.Params) == 0 && len(req.Uploads) == 0 {
			req.Headers.Set("content-type", "text/plain")
			req.Body = []byte{}
			return nil, nil
		}
		boundary := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10) +
			"." + strconv.FormatUint(rand.Uint64(), 36) //nolint:gosec
		req.Headers.Set("content-type", req.Headers.Get("content-type")+"; boundary="+boundary)
		req.Multipart = multipartParts(req.Params, req.Uploads)
	case "text/plain":
	default:
		return nil, &UnsupportedContentTypeError{MimeType: mimeType}
	}

	return nil, nil
}

func multipartParts(params url.Values, uploads []Upload) []Part {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []Part
	for _, name := range names {
		for _, v := range params[name] {
			h := Headers{}
			h.Set("content-disposition", fmt.Sprintf("form-data; name=%q", name))
			h.Set("content-type", "text/plain; charset=utf8")
			h.Set("content-length", strconv.Itoa(len(v)))
			parts = append(parts, Part{Headers: h, Body: []byte(v)})
		}
	}
	for _, up := range uploads {
		ct := up.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := Headers{}
		h.Set("content-disposition", fmt.Sprintf("form-data; name=%q; filename=%q", up.Name, up.Filename))
		h.Set("content-type", ct)
		h.Set("content-length", strconv.Itoa(len(up.Data)))
		parts = append(parts, Part{Headers: h, Body: up.Data})
	}
	return parts
}

func handleHTTPResponse(ctx context.Context, p *Pipeline, req *Request, resp *Response) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil
	}

	if setCookie := resp.Headers.Values("set-cookie"); len(setCookie) > 0 {
		if jar := p.env.Cookies(); jar != nil {
			jar.Update(setCookie, u.Hostname(), u.Path)
		}
	}

	redirects := req.Redirects
	method := req.Method
	follow := false
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		// only safe methods are followed; anything else is handed back as is
		follow = req.Method == http.MethodGet || req.Method == http.MethodHead
	case http.StatusFound, http.StatusSeeOther:
		follow = true
		method = http.MethodGet
	}
	location := resp.Headers.Get("location")
	if !follow || location == "" {
		resp.Redirects = redirects
		return nil, nil
	}

	redirectURL, err := resolveURL(req.URL, location)
	if err != nil {
		return nil, err
	}
	resp.URL = redirectURL

	redirects++
	if limit := p.env.MaxRedirects(); redirects > limit {
		return nil, &RedirectLimitError{Max: limit}
	}

	headers := req.Headers.Clone()
	headers.Set("referer", req.URL)
	// body headers belong to the original request; a followed redirect is
	// always GET or HEAD
	headers.Del("content-type")
	headers.Del("content-length")
	headers.Del("content-transfer-encoding")
	headers.Del("transfer-encoding")
	next := &Request{
		Method:    method,
		URL:       redirectURL,
		Headers:   headers,
		Redirects: redirects,
		Time:      req.Time,
		Timeout:   req.Timeout,
	}

	p.logger.Debugf("Pipeline:handleHTTPResponse", "status:%d from:%q to:%q redirects:%d",
		resp.StatusCode, req.URL, redirectURL, redirects)
	if p.hooks.Redirect != nil {
		p.hooks.Redirect(req, resp, next)
	}

	final, err := p.Run(ctx, next)
	if err != nil {
		return nil, err
	}
	final.followed = true
	return final, nil
}

func decompressBody(_ context.Context, p *Pipeline, _ *Request, resp *Response) (*Response, error) {
	var (
		enc    string
		header string
	)
	for _, h := range []string{"content-encoding", "transfer-encoding"} {
		switch v := strings.ToLower(resp.Headers.Get(h)); v {
		case "gzip", "deflate":
			enc, header = v, h
		}
		if enc != "" {
			break
		}
	}
	if enc == "" || len(resp.Body) == 0 {
		return nil, nil
	}

	var (
		body []byte
		err  error
	)
	if enc == "gzip" {
		body, err = p.readAll(func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }, resp.Body)
	} else {
		body, err = p.readAll(func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }, resp.Body)
		if err != nil {
			// some servers send raw deflate without the zlib wrapper
			body, err = p.readAll(func(r io.Reader) (io.ReadCloser, error) { return flate.NewReader(r), nil }, resp.Body)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decompressing %s body of %q: %w", enc, resp.URL, err)
	}

	resp.Body = body
	resp.Headers.Del(header)
	resp.Headers.Set("content-length", strconv.Itoa(len(body)))
	return nil, nil
}

func (p *Pipeline) readAll(open func(io.Reader) (io.ReadCloser, error), data []byte) ([]byte, error) {
	rc, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	buf := p.bufs.Get()
	defer p.bufs.Put(buf)
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

var (
	metaTag       = regexp.MustCompile(`(?i)<meta`)
	metaNameValue = regexp.MustCompile(`(?i)^\s*(?:name|value)\s*=`)
	metaCharset   = regexp.MustCompile(`(?i)^[^>]*?charset\s*=[\s"']*([^\s"'/>]*)`)
	charsetOption = regexp.MustCompile(`(?i)^charset=`)
	typeOptionSep = regexp.MustCompile(`;\s*`)
	htmlWord      = regexp.MustCompile(`\bhtml\b`)
)

// sniffMetaCharset finds the charset declared by a <meta> tag that is not a
// name= or value= tag.
func sniffMetaCharset(body []byte) string {
	for _, loc := range metaTag.FindAllIndex(body, -1) {
		rest := body[loc[1]:]
		if metaNameValue.Match(rest) {
			continue
		}
		if m := metaCharset.FindSubmatch(rest); m != nil {
			return string(m[1])
		}
	}
	return ""
}

func decodeBody(_ context.Context, p *Pipeline, req *Request, resp *Response) (*Response, error) {
	if resp.Body == nil {
		return nil, nil
	}

	contentType := resp.Headers.Get("content-type")
	if contentType == "" {
		contentType = "application/unknown"
	}
	options := typeOptionSep.Split(contentType, -1)
	mimeType, options := options[0], options[1:]
	typ, subtype, _ := strings.Cut(contentType, "/")

	// images, binary and the like keep their raw body
	if typ != "" && typ != "text" {
		return nil, nil
	}

	var cs string
	if mimeType != "" {
		for _, opt := range options {
			if charsetOption.MatchString(opt) {
				_, cs, _ = strings.Cut(opt, "=")
				break
			}
		}
	}

	isHTML := strings.Contains(subtype, "html") || htmlWord.MatchString(req.Headers.Get("accept"))
	if cs == "" && isHTML {
		if cs = sniffMetaCharset(resp.Body); cs == "" {
			cs = "windows-1252"
		}
	}
	if cs == "" {
		return nil, nil
	}

	var (
		enc  encoding.Encoding
		name string
	)
	if strings.EqualFold(cs, "windows-1252") {
		enc, name = charmap.Windows1252, "windows-1252"
	} else {
		enc, name = charset.Lookup(strings.Trim(cs, `"'`))
	}
	if enc == nil {
		p.logger.Warnf("Pipeline:decodeBody", "unknown charset %q for %q, keeping raw body", cs, resp.URL)
		return nil, nil
	}

	body, err := enc.NewDecoder().Bytes(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %q body of %q: %w", name, resp.URL, err)
	}
	resp.Body = body
	resp.Charset = name
	return nil, nil
}
