package playwright

import (
	"context"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/playwright-community/playwright-go"
)

// defaultMarkupLength bounds the outline markup sent with each instruction.
const defaultMarkupLength = 30000

// page adapts a Playwright page to automation.Page.
type page struct {
	pw        playwright.Page
	interp    *Interpreter
	maxMarkup int
}

func (p *page) URL() string {
	return p.pw.URL()
}

func (p *page) IsClosed() bool {
	return p.pw.IsClosed()
}

func (p *page) Close() error {
	if p.pw.IsClosed() {
		return nil
	}
	return p.pw.Close()
}

// Navigate loads url and waits for DOMContentLoaded.
func (p *page) Navigate(ctx context.Context, url string) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := p.pw.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// PerformAction interprets instruction against the current page and applies
// the resulting operation.
func (p *page) PerformAction(ctx context.Context, instruction string) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	outline, err := p.outline()
	if err != nil {
		return err
	}

	op, err := p.interp.PlanAction(ctx, instruction, p.pw.URL(), outline)
	if err != nil {
		return err
	}

	if err := p.apply(op); err != nil {
		return fmt.Errorf("%s failed: %w", op.Op, err)
	}

	// Best effort: the action may or may not have triggered a navigation.
	_ = p.pw.WaitForLoadState()
	return nil
}

// PerformQuery answers instruction from the page outline and readable text.
func (p *page) PerformQuery(ctx context.Context, instruction string) (string, error) {
	if err := p.ready(ctx); err != nil {
		return "", err
	}

	content, err := p.pw.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}

	outline, err := outlinePage(content, p.maxMarkup)
	if err != nil {
		return "", err
	}

	return p.interp.Answer(ctx, instruction, p.pw.URL(), outline, readableText(content, p.pw.URL()))
}

// Screenshot captures the viewport as PNG.
func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	data, err := p.pw.Screenshot()
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (p *page) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.pw.IsClosed() {
		return automation.ErrPageClosed
	}
	return nil
}

func (p *page) outline() (*Outline, error) {
	content, err := p.pw.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	return outlinePage(content, p.maxMarkup)
}

func (p *page) apply(op *Operation) error {
	switch op.Op {
	case OpGoto:
		_, err := p.pw.Goto(op.URL)
		return err
	case OpClick:
		return p.target(op).Click()
	case OpFill:
		return p.pw.Locator(op.Selector).First().Fill(op.Value)
	case OpPress:
		if op.Selector != "" {
			return p.pw.Locator(op.Selector).First().Press(op.Key)
		}
		return p.pw.Keyboard().Press(op.Key)
	case OpScroll:
		amount := op.Amount
		if amount == 0 {
			amount = 600
		}
		return p.pw.Mouse().Wheel(0, float64(amount))
	case OpBack:
		_, err := p.pw.GoBack()
		return err
	case OpWait:
		ms := op.Amount
		if ms <= 0 {
			ms = 1000
		}
		p.pw.WaitForTimeout(float64(ms))
		return nil
	default:
		return fmt.Errorf("unsupported operation %q", op.Op)
	}
}

func (p *page) target(op *Operation) playwright.Locator {
	if op.Selector != "" {
		return p.pw.Locator(op.Selector).First()
	}
	return p.pw.GetByText(strings.TrimSpace(op.Text)).First()
}
