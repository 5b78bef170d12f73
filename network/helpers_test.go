package network

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mccutchen/go-httpbin/httpbin"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
)

type testEnv struct {
	site         string
	documentURL  string
	userAgent    string
	headers      Headers
	credentials  map[string]*Credentials
	jar          api.CookieJar
	maxRedirects int
}

func newTestEnv() *testEnv {
	return &testEnv{
		userAgent:    "zombie-test",
		headers:      Headers{},
		credentials:  map[string]*Credentials{},
		jar:          newTestJar(),
		maxRedirects: 5,
	}
}

func (e *testEnv) Site() string                         { return e.site }
func (e *testEnv) DocumentURL() string                  { return e.documentURL }
func (e *testEnv) UserAgent() string                    { return e.userAgent }
func (e *testEnv) Headers() Headers                     { return e.headers }
func (e *testEnv) Credentials(host string) *Credentials { return e.credentials[host] }
func (e *testEnv) Cookies() api.CookieJar               { return e.jar }
func (e *testEnv) MaxRedirects() int                    { return e.maxRedirects }

// testJar keeps name=value pairs regardless of host and path.
type testJar struct {
	mu      sync.Mutex
	cookies map[string]string
	order   []string
}

func newTestJar() *testJar {
	return &testJar{cookies: map[string]string{}}
}

func (j *testJar) Serialize(_, _ string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	pairs := make([]string, 0, len(j.order))
	for _, name := range j.order {
		pairs = append(pairs, name+"="+j.cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func (j *testJar) Update(setCookie []string, _, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, sc := range setCookie {
		pair, _, _ := strings.Cut(sc, ";")
		name, value, _ := strings.Cut(pair, "=")
		if _, ok := j.cookies[name]; !ok {
			j.order = append(j.order, name)
		}
		j.cookies[name] = value
	}
}

func newTestPipeline(t *testing.T, env Env, opts ...PipelineOption) *Pipeline {
	t.Helper()
	return NewPipeline(env, log.NullLogger(), opts...)
}

func newHTTPBin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
