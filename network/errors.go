package network

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyRedirects is matched by errors.Is on a RedirectLimitError.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrUnsupportedContentType is matched by errors.Is on an UnsupportedContentTypeError.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrNilHandler is returned when adding a nil handler.
	ErrNilHandler = errors.New("handler is nil")
)

// RedirectLimitError is returned when a redirect chain exceeds the limit.
type RedirectLimitError struct {
	Max int
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("More than %d redirects, giving up", e.Max)
}

func (e *RedirectLimitError) Is(target error) bool { return target == ErrTooManyRedirects }

// UnsupportedContentTypeError is returned when a request body cannot be
// created for the request content type.
type UnsupportedContentTypeError struct {
	MimeType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return "Unsupported content type " + e.MimeType
}

func (e *UnsupportedContentTypeError) Is(target error) bool {
	return target == ErrUnsupportedContentType
}

// StatusError reports a document response with a 4xx or 5xx status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status code %d from %s", e.Code, e.URL)
}
