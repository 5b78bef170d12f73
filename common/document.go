package common

import (
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// EventListener receives DOM events dispatched at a document.
type EventListener func(typ string, detail any)

// Script is a script element of a document.
type Script struct {
	Src  string
	Type string
	Text string
}

// Frame is an iframe element of a document.
type Frame struct {
	Name string
	Src  string
}

// Document is a parsed HTML document. It implements api.Document.
type Document struct {
	mu  sync.RWMutex
	url string
	doc *goquery.Document

	listenersMu sync.RWMutex
	listeners   map[string][]EventListener
}

// NewDocument returns a document without a root element.
func NewDocument(docURL string) *Document {
	return &Document{
		url:       docURL,
		listeners: make(map[string][]EventListener),
	}
}

// ParseDocument parses the HTML read from r. The parser never rejects
// input, so the result always has a root element.
func ParseDocument(docURL string, r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	d := NewDocument(docURL)
	d.doc = goquery.NewDocumentFromNode(root)
	return d, nil
}

// URL returns the address the document was loaded from.
func (d *Document) URL() string { return d.url }

// HasDocumentElement reports whether the document has a root element.
func (d *Document) HasDocumentElement() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return false
	}
	for n := d.doc.Nodes[0].FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			return true
		}
	}
	return false
}

// BaseURL is the href of the base element resolved against the document
// URL, or the document URL.
func (d *Document) BaseURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return d.url
	}
	href, ok := d.doc.Find("base[href]").First().Attr("href")
	if !ok {
		return d.url
	}
	return resolveURL(d.url, href)
}

// Title returns the text of the title element.
func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return ""
	}
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// SetTitle replaces the title, creating the element if needed.
func (d *Document) SetTitle(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.doc == nil {
		return
	}
	sel := d.doc.Find("title").First()
	if sel.Length() == 0 {
		head := d.doc.Find("head").First()
		head.AppendNodes(&html.Node{Type: html.ElementNode, DataAtom: atom.Title, Data: "title"})
		sel = head.Find("title").First()
	}
	sel.SetText(title)
}

// Query reports whether any element matches the CSS selector. Invalid
// selectors match nothing.
func (d *Document) Query(selector string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return false
	}
	return d.doc.Find(selector).Length() > 0
}

// QuerySelector returns the first element matching selector, or nil.
func (d *Document) QuerySelector(selector string) *Element {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return nil
	}
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	return &Element{doc: d, sel: sel}
}

// Scripts returns the script elements in document order.
func (d *Document) Scripts() []Script {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return nil
	}
	var scripts []Script
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		typ, _ := s.Attr("type")
		scripts = append(scripts, Script{Src: src, Type: typ, Text: s.Text()})
	})
	return scripts
}

// Frames returns the iframe elements in document order.
func (d *Document) Frames() []Frame {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return nil
	}
	var frames []Frame
	d.doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		src, _ := s.Attr("src")
		frames = append(frames, Frame{Name: name, Src: src})
	})
	return frames
}

// HTML renders the whole document.
func (d *Document) HTML() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.doc == nil {
		return "", nil
	}
	return goquery.OuterHtml(d.doc.Selection) //nolint:wrapcheck
}

// AddEventListener registers l for events of type typ.
func (d *Document) AddEventListener(typ string, l EventListener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners[typ] = append(d.listeners[typ], l)
}

// DispatchEvent calls every listener of typ in registration order.
func (d *Document) DispatchEvent(typ string, detail any) {
	d.listenersMu.RLock()
	ls := make([]EventListener, len(d.listeners[typ]))
	copy(ls, d.listeners[typ])
	d.listenersMu.RUnlock()

	for _, l := range ls {
		l(typ, detail)
	}
}

// Element is an element of a Document.
type Element struct {
	doc *Document
	sel *goquery.Selection
}

// Text returns the text content.
func (e *Element) Text() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return e.sel.Text()
}

// SetText replaces the children with a text node.
func (e *Element) SetText(s string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.sel.SetText(s)
}

// InnerHTML renders the children.
func (e *Element) InnerHTML() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	s, _ := e.sel.Html()
	return s
}

// SetInnerHTML replaces the children with parsed markup.
func (e *Element) SetInnerHTML(s string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.sel.SetHtml(s)
}

// Attr returns the value of an attribute.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return e.sel.Attr(name)
}

// TagName returns the upper-cased tag name.
func (e *Element) TagName() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return strings.ToUpper(goquery.NodeName(e.sel))
}

func resolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}
