package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
)

// makeHTTPRequest performs the request. It always runs after the last
// request handler and supports file: URLs.
func (p *Pipeline) makeHTTPRequest(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request url %q: %w", req.URL, err)
	}
	if u.Scheme == "file" {
		return p.readFile(ctx, req, u)
	}

	if jar := p.env.Cookies(); jar != nil {
		if cookie := jar.Serialize(u.Hostname(), u.Path); cookie != "" {
			req.Headers.Set("cookie", cookie)
		} else {
			req.Headers.Del("cookie")
		}
	}

	if deadline, ok := req.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	body, err := requestBody(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request to %q: %w", req.Method, req.URL, err)
	}
	hreq.Header = req.Headers.HTTP()
	if host := req.Headers.Get("host"); host != "" {
		hreq.Host = host
	}

	hresp, err := p.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", req.URL, err)
	}
	defer hresp.Body.Close() //nolint:errcheck

	buf := p.bufs.Get()
	defer p.bufs.Put(buf)
	if _, err := io.Copy(buf, hresp.Body); err != nil {
		return nil, fmt.Errorf("reading response body of %q: %w", req.URL, err)
	}

	headers := HeadersFrom(hresp.Header)
	for _, te := range hresp.TransferEncoding {
		if te != "chunked" {
			headers.Add("transfer-encoding", te)
		}
	}

	return &Response{
		URL:        req.URL,
		StatusCode: hresp.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), buf.Bytes()...),
		Redirects:  req.Redirects,
	}, nil
}

func (p *Pipeline) readFile(ctx context.Context, req *Request, u *url.URL) (*Response, error) {
	if req.Method != http.MethodGet {
		return &Response{URL: req.URL, StatusCode: http.StatusMethodNotAllowed}, nil
	}

	data, err := p.files.ReadFile(ctx, filepath.Clean(filepath.FromSlash(u.Path)))
	if errors.Is(err, fs.ErrNotExist) {
		return &Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", req.URL, err)
	}
	return &Response{URL: req.URL, StatusCode: http.StatusOK, Body: data}, nil
}

func requestBody(req *Request) (io.Reader, error) {
	if len(req.Multipart) == 0 {
		if req.Body == nil {
			return nil, nil
		}
		return bytes.NewReader(req.Body), nil
	}

	_, params, err := mime.ParseMediaType(req.Headers.Get("content-type"))
	if err != nil {
		return nil, fmt.Errorf("parsing multipart content type: %w", err)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(params["boundary"]); err != nil {
		return nil, fmt.Errorf("setting multipart boundary: %w", err)
	}
	for _, part := range req.Multipart {
		h := make(textproto.MIMEHeader, len(part.Headers))
		for k, v := range part.Headers {
			h[textproto.CanonicalMIMEHeaderKey(k)] = v
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("creating multipart section: %w", err)
		}
		if _, err := w.Write(part.Body); err != nil {
			return nil, fmt.Errorf("writing multipart section: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, nil
}
