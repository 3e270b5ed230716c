// Package playwright implements the automation capability on Chromium via
// playwright-go. Natural-language instructions are translated into concrete
// browser operations by an Interpreter backed by a model completion.
package playwright

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/playwright-community/playwright-go"
)

// Default values for launched handles
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultTimeoutMillis  = 30000.0
)

// Driver launches Chromium handles. Playwright itself is installed and
// started lazily on the first Launch.
type Driver struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	interp      *Interpreter
	skipInstall bool
	maxMarkup   int
	logger      *logging.Logger
	initialized bool
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithSkipInstall skips the browser download step.
func WithSkipInstall(skip bool) DriverOption {
	return func(d *Driver) {
		d.skipInstall = skip
	}
}

// WithMaxMarkup bounds the outline markup sent to the interpreter.
func WithMaxMarkup(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.maxMarkup = n
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(l *logging.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = l
	}
}

// NewDriver creates a driver whose pages interpret instructions with provider.
func NewDriver(provider llm.Provider, opts ...DriverOption) *Driver {
	d := &Driver{
		interp:    NewInterpreter(provider),
		maxMarkup: defaultMarkupLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initialize installs and starts Playwright. It is safe to call repeatedly.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	// Keep driver output off the terminal
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if !d.skipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	d.pw = pw
	d.initialized = true
	d.logger.Infof("Playwright started")
	return nil
}

// Launch starts a browser with one isolated context. The handle has no pages
// until NewPage is called.
func (d *Driver) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Initialize(); err != nil {
		return nil, err
	}

	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width == 0 || height == 0 {
		width, height = DefaultViewportWidth, DefaultViewportHeight
	}
	timeout := DefaultTimeoutMillis
	if opts.Timeout > 0 {
		timeout = float64(opts.Timeout.Milliseconds())
	}

	headless := opts.Headless
	browser, err := d.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: width, Height: height},
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	bctx.SetDefaultTimeout(timeout)

	d.logger.Debugf("Launched browser (headless=%t, viewport=%dx%d)", headless, width, height)

	return &handle{
		browser:   browser,
		bctx:      bctx,
		interp:    d.interp,
		maxMarkup: d.maxMarkup,
		pages:     make(map[playwright.Page]*page),
	}, nil
}

// Shutdown stops Playwright. Handles must be closed first.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized || d.pw == nil {
		return nil
	}
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	d.initialized = false
	return nil
}

// handle adapts a browser and its context to automation.Handle.
type handle struct {
	mu        sync.Mutex
	browser   playwright.Browser
	bctx      playwright.BrowserContext
	interp    *Interpreter
	maxMarkup int
	pages     map[playwright.Page]*page
}

func (h *handle) NewPage(ctx context.Context) (automation.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !h.browser.IsConnected() {
		return nil, automation.ErrHandleClosed
	}

	pw, err := h.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return h.wrap(pw), nil
}

// Pages returns wrappers for the context's pages. Wrappers are cached so the
// same Playwright page always maps to the same automation.Page.
func (h *handle) Pages() []automation.Page {
	pws := h.bctx.Pages()
	out := make([]automation.Page, 0, len(pws))
	for _, pw := range pws {
		out = append(out, h.wrap(pw))
	}
	return out
}

func (h *handle) wrap(pw playwright.Page) *page {
	h.mu.Lock()
	defer h.mu.Unlock()

	for known := range h.pages {
		if known.IsClosed() {
			delete(h.pages, known)
		}
	}

	if p, ok := h.pages[pw]; ok {
		return p
	}
	p := &page{pw: pw, interp: h.interp, maxMarkup: h.maxMarkup}
	h.pages[pw] = p
	return p
}

func (h *handle) IsConnected() bool {
	return h.browser.IsConnected()
}

func (h *handle) Close() error {
	ctxErr := h.bctx.Close()
	browserErr := h.browser.Close()
	if ctxErr != nil {
		return fmt.Errorf("failed to close context: %w", ctxErr)
	}
	if browserErr != nil {
		return fmt.Errorf("failed to close browser: %w", browserErr)
	}
	return nil
}
