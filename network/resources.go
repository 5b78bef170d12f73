package network

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Resource is one entry of the fetch history. It starts pending and ends
// with exactly one of a response or an error.
type Resource struct {
	Request *Request

	once     sync.Once
	mu       sync.RWMutex
	response *Response
	err      error
}

func (r *Resource) settle(resp *Response, err error) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.response, r.err = resp, err
	})
}

// Response returns the response, or nil while pending or after an error.
func (r *Resource) Response() *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response
}

// Err returns the fetch failure, if any.
func (r *Resource) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Pending reports whether the fetch is still running.
func (r *Resource) Pending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response == nil && r.err == nil
}

// Resources is the history of every fetch made by a browser.
type Resources struct {
	mu   sync.RWMutex
	list []*Resource
}

// NewResources returns an empty history.
func NewResources() *Resources {
	return &Resources{}
}

func (r *Resources) add(req *Request) *Resource {
	res := &Resource{Request: req}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, res)
	return res
}

// All returns a snapshot of the history.
func (r *Resources) All() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Resource(nil), r.list...)
}

// Len returns the number of recorded fetches.
func (r *Resources) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Last returns the most recent fetch, or nil.
func (r *Resources) Last() *Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.list) == 0 {
		return nil
	}
	return r.list[len(r.list)-1]
}

const dumpSampleSize = 250

// Dump writes a human readable listing of the history to w.
func (r *Resources) Dump(w io.Writer) {
	var (
		bold  = color.New(color.Bold).SprintFunc()
		red   = color.New(color.FgRed).SprintFunc()
		faint = color.New(color.Faint).SprintFunc()
	)
	for _, res := range r.All() {
		req := res.Request
		resp, err := res.Response(), res.Err()

		switch {
		case resp != nil:
			fmt.Fprintf(w, "%s %s - %d %s - %dms\n",
				bold(req.Method), resp.URL, resp.StatusCode, resp.StatusText, resp.Time.Sub(req.Time).Milliseconds())
			if resp.Redirects > 0 {
				fmt.Fprintf(w, "  Followed %d redirects\n", resp.Redirects)
			}
			for _, name := range resp.Headers.Names() {
				fmt.Fprintf(w, "  %s: %s\n", name, strings.Join(resp.Headers.Values(name), ", "))
			}
			fmt.Fprintln(w)
			sample := resp.Body
			if len(sample) > dumpSampleSize {
				sample = sample[:dumpSampleSize]
			}
			lines := strings.Split(string(sample), "\n")
			for i, l := range lines {
				lines[i] = "  " + l
			}
			fmt.Fprint(w, strings.Join(lines, "\n"))
		case err != nil:
			fmt.Fprintf(w, "%s %s\n", bold(req.Method), req.URL)
			fmt.Fprintf(w, "  %s %s\n", red("Error:"), err)
		default:
			fmt.Fprintf(w, "%s %s\n", bold(req.Method), req.URL)
			fmt.Fprintf(w, "  %s\n", faint("Pending since "+req.Time.Format(time.RFC1123)))
		}
		fmt.Fprint(w, "\n\n")
	}
}
