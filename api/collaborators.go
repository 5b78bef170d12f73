package api

// Document is the parsed document loaded into a window.
type Document interface {
	// HasDocumentElement reports whether the document has a root element.
	HasDocumentElement() bool
	// DispatchEvent fires a DOM event of the given type at the document.
	DispatchEvent(typ string, detail any)
	// Query reports whether an element matches the CSS selector.
	Query(selector string) bool
	Title() string
}

// CookieJar stores cookies across requests.
type CookieJar interface {
	// Serialize returns the value of the Cookie header for host and path.
	Serialize(host, path string) string
	// Update stores the Set-Cookie header values received from host and path.
	Update(setCookie []string, host, path string)
}

// EventSource pushes server messages into a window.
type EventSource interface {
	// Start begins delivering messages. deliver must not block.
	Start(deliver func(msg any))
	Close() error
}
