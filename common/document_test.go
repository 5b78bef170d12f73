package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = `<!DOCTYPE html>
<html>
<head>
	<title> Zombie page </title>
	<base href="/static/">
	<script src="app.js"></script>
	<script type="text/template"><p>skip</p></script>
	<script>var inline = 1;</script>
</head>
<body>
	<div id="main" class="box">Hello <b>there</b></div>
	<iframe name="ad" src="ad.html"></iframe>
	<iframe></iframe>
</body>
</html>`

func parseTestPage(t *testing.T) *Document {
	t.Helper()

	d, err := ParseDocument("http://example.com/pages/index.html", strings.NewReader(testPage))
	require.NoError(t, err)
	return d
}

func TestDocument(t *testing.T) {
	t.Parallel()

	d := parseTestPage(t)

	assert.True(t, d.HasDocumentElement())
	assert.Equal(t, "http://example.com/pages/index.html", d.URL())
	assert.Equal(t, "http://example.com/static/", d.BaseURL())
	assert.Equal(t, "Zombie page", d.Title())

	assert.True(t, d.Query("#main b"))
	assert.False(t, d.Query(".missing"))
	assert.False(t, d.Query("[[invalid"))

	assert.Equal(t, []Script{
		{Src: "app.js"},
		{Type: "text/template", Text: "<p>skip</p>"},
		{Text: "var inline = 1;"},
	}, d.Scripts())
	assert.Equal(t, []Frame{{Name: "ad", Src: "ad.html"}, {}}, d.Frames())
}

func TestDocumentEmpty(t *testing.T) {
	t.Parallel()

	d := NewDocument("http://example.com/")

	assert.False(t, d.HasDocumentElement())
	assert.Equal(t, "http://example.com/", d.BaseURL())
	assert.Empty(t, d.Title())
	assert.False(t, d.Query("html"))
	assert.Nil(t, d.QuerySelector("html"))
	assert.Nil(t, d.Scripts())
	assert.Nil(t, d.Frames())

	d.SetTitle("ignored")
	assert.Empty(t, d.Title())

	html, err := d.HTML()
	require.NoError(t, err)
	assert.Empty(t, html)
}

func TestDocumentSetTitle(t *testing.T) {
	t.Parallel()

	d, err := ParseDocument("about:blank", strings.NewReader("<p>no head</p>"))
	require.NoError(t, err)
	assert.Empty(t, d.Title())

	d.SetTitle("Created")
	assert.Equal(t, "Created", d.Title())

	d.SetTitle("Replaced")
	assert.Equal(t, "Replaced", d.Title())

	html, err := d.HTML()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(html, "<title>"))
}

func TestDocumentElement(t *testing.T) {
	t.Parallel()

	d := parseTestPage(t)

	el := d.QuerySelector("#main")
	require.NotNil(t, el)
	assert.Equal(t, "DIV", el.TagName())
	assert.Equal(t, "Hello there", el.Text())
	assert.Equal(t, "Hello <b>there</b>", el.InnerHTML())

	class, ok := el.Attr("class")
	assert.True(t, ok)
	assert.Equal(t, "box", class)
	_, ok = el.Attr("title")
	assert.False(t, ok)

	el.SetInnerHTML(`<span class="added">new</span>`)
	assert.True(t, d.Query("#main .added"))
	assert.False(t, d.Query("#main b"))

	el.SetText("<plain>")
	assert.Equal(t, "<plain>", el.Text())
	assert.False(t, d.Query("#main span"))
}

func TestDocumentEvents(t *testing.T) {
	t.Parallel()

	d := NewDocument("")

	var got []string
	d.AddEventListener("message", func(typ string, detail any) {
		got = append(got, "first:"+detail.(string))
	})
	d.AddEventListener("message", func(typ string, detail any) {
		got = append(got, "second:"+detail.(string))
	})
	d.AddEventListener("error", func(typ string, detail any) {
		got = append(got, typ)
	})

	d.DispatchEvent("message", "hi")
	d.DispatchEvent("focus", nil)
	assert.Equal(t, []string{"first:hi", "second:hi"}, got)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, base, ref, want string
	}{
		{name: "relative", base: "http://example.com/a/b.html", ref: "c.js", want: "http://example.com/a/c.js"},
		{name: "absolute_path", base: "http://example.com/a/b.html", ref: "/c.js", want: "http://example.com/c.js"},
		{name: "absolute", base: "http://example.com/", ref: "https://other.com/x", want: "https://other.com/x"},
		{name: "protocol_relative", base: "https://example.com/", ref: "//cdn.com/x.js", want: "https://cdn.com/x.js"},
		{name: "no_base", base: "", ref: "/x", want: "/x"},
		{name: "dot_segments", base: "http://example.com/a/b/", ref: "../c", want: "http://example.com/a/c"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, resolveURL(tt.base, tt.ref))
		})
	}
}
