package common

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/zombiego/zombie/api"
)

// Ensure CookieJar implements the api.CookieJar interface.
var _ api.CookieJar = &CookieJar{}

// CookieJar keeps the cookies of a browser. Cookies are matched as if every
// request was secure, so Secure cookies are sent over plain HTTP too.
type CookieJar struct {
	jar *cookiejar.Jar
}

// NewCookieJar returns an empty jar that honors the public suffix list.
func NewCookieJar() *CookieJar {
	// cookiejar.New never returns an error.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &CookieJar{jar: jar}
}

func cookieURL(host, path string) *url.URL {
	if path == "" {
		path = "/"
	}
	return &url.URL{Scheme: "https", Host: host, Path: path}
}

// Serialize returns the Cookie header value for host and path.
func (c *CookieJar) Serialize(host, path string) string {
	cookies := c.jar.Cookies(cookieURL(host, path))
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// Update stores the cookies of Set-Cookie header values received from host.
func (c *CookieJar) Update(setCookie []string, host, path string) {
	if len(setCookie) == 0 {
		return
	}
	resp := &http.Response{Header: http.Header{"Set-Cookie": setCookie}}
	c.jar.SetCookies(cookieURL(host, path), resp.Cookies())
}

// Cookies returns the cookies that would be sent to host and path.
func (c *CookieJar) Cookies(host, path string) []*http.Cookie {
	return c.jar.Cookies(cookieURL(host, path))
}
