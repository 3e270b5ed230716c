// Package automationtest provides in-memory automation.Driver fakes whose
// pages follow scripted behaviour.
package automationtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/webpilot/pkg/automation"
)

// ActionFunc handles PerformAction on a fake page.
type ActionFunc func(p *Page, instruction string) error

// QueryFunc handles PerformQuery on a fake page.
type QueryFunc func(p *Page, instruction string) (string, error)

// Driver is a fake automation.Driver.
type Driver struct {
	mu          sync.Mutex
	handles     []*Handle
	launchErr   error
	launchDelay time.Duration
	onAction    ActionFunc
	onQuery     QueryFunc

	launches atomic.Int32
}

// NewDriver creates a fake driver whose pages use the given handlers.
// Nil handlers succeed; a nil query handler answers "{}".
func NewDriver(onAction ActionFunc, onQuery QueryFunc) *Driver {
	return &Driver{onAction: onAction, onQuery: onQuery}
}

// FailLaunch makes subsequent launches fail with err (nil clears it).
func (d *Driver) FailLaunch(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchErr = err
}

// SlowLaunch delays every launch.
func (d *Driver) SlowLaunch(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchDelay = delay
}

// Launches returns the number of launch attempts.
func (d *Driver) Launches() int {
	return int(d.launches.Load())
}

// Handles returns every handle launched so far.
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Launch creates a connected handle with no pages.
func (d *Driver) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Handle, error) {
	d.launches.Add(1)

	d.mu.Lock()
	err, delay := d.launchErr, d.launchDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &Handle{driver: d, connected: true, Options: opts}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// Handle is a fake automation.Handle.
type Handle struct {
	mu        sync.Mutex
	driver    *Driver
	pages     []*Page
	connected bool
	closed    bool

	Options automation.LaunchOptions
}

// NewPage opens a blank page.
func (h *Handle) NewPage(ctx context.Context) (automation.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.connected {
		return nil, automation.ErrHandleClosed
	}
	p := &Page{handle: h, url: "about:blank"}
	h.pages = append(h.pages, p)
	return p, nil
}

// OpenPopup adds a new page as if the site had opened one.
func (h *Handle) OpenPopup(url string) *Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &Page{handle: h, url: url}
	h.pages = append(h.pages, p)
	return p
}

// Pages returns every page not yet closed.
func (h *Handle) Pages() []automation.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]automation.Page, 0, len(h.pages))
	for _, p := range h.pages {
		if !p.IsClosed() {
			out = append(out, p)
		}
	}
	return out
}

// FakePages returns the concrete pages, including closed ones.
func (h *Handle) FakePages() []*Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Page(nil), h.pages...)
}

// IsConnected reports whether the fake browser is reachable.
func (h *Handle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected && !h.closed
}

// Disconnect simulates a crashed browser.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close closes the handle and all its pages.
func (h *Handle) Close() error {
	h.mu.Lock()
	pages := append([]*Page(nil), h.pages...)
	h.closed = true
	h.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}
	return nil
}

// Page is a fake automation.Page that records every call.
type Page struct {
	mu     sync.Mutex
	handle *Handle
	url    string
	closed bool

	Navigations []string
	Actions     []string
	Queries     []string
	Shots       int

	ScreenshotErr error
	NavigateErr   error
}

// Handle returns the owning handle.
func (p *Page) Handle() *Handle {
	return p.handle
}

// SetURL changes the current URL, as a click-through would.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// URL returns the current URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// IsClosed reports whether the page was closed.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Navigate records the navigation and updates the URL.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return automation.ErrPageClosed
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigations = append(p.Navigations, url)
	p.url = url
	return nil
}

// PerformAction records the instruction and runs the driver's action handler.
func (p *Page) PerformAction(ctx context.Context, instruction string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return automation.ErrPageClosed
	}
	p.Actions = append(p.Actions, instruction)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn := p.handle.driver.onAction; fn != nil {
		return fn(p, instruction)
	}
	return nil
}

// PerformQuery records the instruction and runs the driver's query handler.
func (p *Page) PerformQuery(ctx context.Context, instruction string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", automation.ErrPageClosed
	}
	p.Queries = append(p.Queries, instruction)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn := p.handle.driver.onQuery; fn != nil {
		return fn(p, instruction)
	}
	return "{}", nil
}

// Screenshot returns a tiny PNG signature.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, automation.ErrPageClosed
	}
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	p.Shots++
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

// Close marks the page closed.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ActionCount returns the number of actions performed.
func (p *Page) ActionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Actions)
}

// QueryLog returns a copy of the queries performed.
func (p *Page) QueryLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Queries...)
}

// ErrElementNotFound is a convenient scripted action failure.
var ErrElementNotFound = errors.New("element not found")
