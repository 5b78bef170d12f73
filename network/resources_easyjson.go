package network

import (
	"time"

	"github.com/mailru/easyjson/jwriter"
)

// MarshalJSON encodes the history as a JSON array.
func (r *Resources) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	r.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// MarshalEasyJSON supports the easyjson Marshaler interface.
func (r *Resources) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('[')
	for i, res := range r.All() {
		if i > 0 {
			out.RawByte(',')
		}
		res.MarshalEasyJSON(out)
	}
	out.RawByte(']')
}

// MarshalEasyJSON supports the easyjson Marshaler interface.
func (r *Resource) MarshalEasyJSON(out *jwriter.Writer) {
	req := r.Request
	out.RawString(`{"method":`)
	out.String(req.Method)
	out.RawString(`,"url":`)
	out.String(req.URL)
	out.RawString(`,"time":`)
	out.String(req.Time.UTC().Format(time.RFC3339Nano))
	out.RawString(`,"requestHeaders":`)
	marshalHeaders(out, req.Headers)

	if resp := r.Response(); resp != nil {
		out.RawString(`,"response":{"url":`)
		out.String(resp.URL)
		out.RawString(`,"status":`)
		out.Int(resp.StatusCode)
		out.RawString(`,"statusText":`)
		out.String(resp.StatusText)
		out.RawString(`,"redirects":`)
		out.Int(resp.Redirects)
		out.RawString(`,"durationMs":`)
		out.Int64(resp.Time.Sub(req.Time).Milliseconds())
		out.RawString(`,"headers":`)
		marshalHeaders(out, resp.Headers)
		out.RawString(`,"size":`)
		out.Int(len(resp.Body))
		out.RawByte('}')
	}
	if err := r.Err(); err != nil {
		out.RawString(`,"error":`)
		out.String(err.Error())
	}
	out.RawByte('}')
}

func marshalHeaders(out *jwriter.Writer, h Headers) {
	out.RawByte('{')
	for i, name := range h.Names() {
		if i > 0 {
			out.RawByte(',')
		}
		out.String(name)
		out.RawByte(':')
		out.RawByte('[')
		for j, v := range h.Values(name) {
			if j > 0 {
				out.RawByte(',')
			}
			out.String(v)
		}
		out.RawByte(']')
	}
	out.RawByte('}')
}
