// Package automation defines the browser capability webpilot drives.
//
// A Driver launches Handles (one browser context each); a Handle owns one or
// more Pages. Pages accept natural-language instructions through
// PerformAction and PerformQuery, so callers never deal with selectors.
package automation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPageClosed is returned by operations on a closed page.
	ErrPageClosed = errors.New("page is closed")

	// ErrHandleClosed is returned when a handle is no longer connected.
	ErrHandleClosed = errors.New("automation handle is closed")
)

// LaunchOptions configures a new automation handle.
type LaunchOptions struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int

	// Timeout is the default timeout for page operations.
	Timeout time.Duration
}

// Driver launches automation handles.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}

// Handle is a live browser context.
type Handle interface {
	// NewPage opens a new top-level page.
	NewPage(ctx context.Context) (Page, error)

	// Pages returns the open top-level pages, oldest first.
	Pages() []Page

	// IsConnected reports whether the underlying browser is still reachable.
	IsConnected() bool

	// Close terminates the handle and every page it owns.
	Close() error
}

// Page is a single top-level browsing context.
type Page interface {
	URL() string
	IsClosed() bool

	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error

	// PerformAction carries out a natural-language instruction such as
	// "click the Login button".
	PerformAction(ctx context.Context, instruction string) error

	// PerformQuery answers a natural-language question about the page.
	PerformQuery(ctx context.Context, instruction string) (string, error)

	// Screenshot captures the visible viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	Close() error
}

// IsLive reports whether h is connected and has at least one open page.
func IsLive(h Handle) bool {
	if h == nil || !h.IsConnected() {
		return false
	}
	for _, p := range h.Pages() {
		if !p.IsClosed() {
			return true
		}
	}
	return false
}

// OpenPages returns the pages of h that are not closed.
func OpenPages(h Handle) []Page {
	if h == nil {
		return nil
	}
	var open []Page
	for _, p := range h.Pages() {
		if !p.IsClosed() {
			open = append(open, p)
		}
	}
	return open
}
