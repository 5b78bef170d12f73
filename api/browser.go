package api

import (
	"context"
	"time"
)

// Browser is the public interface of a headless browser.
type Browser interface {
	Close()
	Errors() []error
	Open(ctx context.Context, url string) (Window, error)
	UserAgent() string
	Visit(ctx context.Context, url string) error
	Wait(ctx context.Context, d time.Duration) error
}

// Window is the public interface of a top-level window, tab or frame.
type Window interface {
	Close()
	Document() Document
	Evaluate(src string) (any, error)
	URL() string
}
