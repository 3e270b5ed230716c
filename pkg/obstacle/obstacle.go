// Package obstacle detects and dismisses overlays that block a page, such as
// cookie banners, login walls and newsletter modals.
package obstacle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/entrhq/webpilot/pkg/logging"
)

// Category is a kind of blocking overlay.
type Category string

const (
	CategoryCookieConsent Category = "cookie_consent"
	CategoryLoginWall     Category = "login_wall"
	CategoryModal         Category = "modal"
	CategoryAgeGate       Category = "age_gate"
	CategoryOverlay       Category = "overlay"
)

// Categories lists every category the detector reports.
var Categories = []Category{
	CategoryCookieConsent,
	CategoryLoginWall,
	CategoryModal,
	CategoryAgeGate,
	CategoryOverlay,
}

// DefaultOptions is the ordered list of dismissal instructions.
var DefaultOptions = []string{
	"Click the button that accepts or agrees to the cookie or consent banner",
	"Click the close, dismiss or X button of the dialog or overlay",
	"Click the skip, not now, no thanks or continue without button",
	"Press the Escape key",
}

// DefaultRetriesPerOption is how many times each option is tried.
const DefaultRetriesPerOption = 2

// detectionQuery asks the page which obstacles are visible.
var detectionQuery = fmt.Sprintf(`Is any overlay blocking interaction with the page content? `+
	`Reply only with JSON of the form {"obstacles": ["..."]} using these categories: %s. `+
	`Reply {"obstacles": []} when nothing blocks the page.`, categoryList())

func categoryList() string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// Attempt is one dismissal try.
type Attempt struct {
	Option    string     `json:"option"`
	Try       int        `json:"try"`
	Error     string     `json:"error,omitempty"`
	Remaining []Category `json:"remaining,omitempty"`
}

// Result reports the outcome of Clear.
type Result struct {
	Cleared  bool       `json:"cleared"`
	Detected []Category `json:"detected,omitempty"`
	Attempts []Attempt  `json:"attempts,omitempty"`
}

// Clearer detects and dismisses obstacles with a bounded number of attempts.
type Clearer struct {
	options []string
	retries int
	logger  *logging.Logger
}

// Option configures a Clearer.
type Option func(*Clearer)

// WithOptions sets the ordered dismissal instructions.
func WithOptions(options []string) Option {
	return func(c *Clearer) {
		if len(options) > 0 {
			c.options = append([]string(nil), options...)
		}
	}
}

// WithRetries sets the attempts per option.
func WithRetries(n int) Option {
	return func(c *Clearer) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the clearer logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Clearer) {
		c.logger = l
	}
}

// New creates a Clearer with the default options.
func New(opts ...Option) *Clearer {
	c := &Clearer{
		options: append([]string(nil), DefaultOptions...),
		retries: DefaultRetriesPerOption,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clear dismisses obstacles on page. When nothing is detected it returns
// Cleared immediately. Otherwise it walks the options in order, trying each
// up to the retry limit and re-detecting after every attempt.
func (c *Clearer) Clear(ctx context.Context, page automation.Page) Result {
	detected, err := c.Detect(ctx, page)
	if err != nil {
		c.logger.Warnf("Obstacle detection failed: %v", err)
		return Result{}
	}
	if len(detected) == 0 {
		return Result{Cleared: true}
	}

	c.logger.Infof("Detected obstacles %v on %s", detected, page.URL())
	result := Result{Detected: detected}

	for _, option := range c.options {
		for try := 1; try <= c.retries; try++ {
			if ctx.Err() != nil {
				return result
			}

			attempt := Attempt{Option: option, Try: try}
			if err := page.PerformAction(ctx, option); err != nil {
				attempt.Error = err.Error()
			}

			remaining, err := c.Detect(ctx, page)
			if err != nil && attempt.Error == "" {
				attempt.Error = err.Error()
			}
			attempt.Remaining = remaining
			result.Attempts = append(result.Attempts, attempt)

			if err == nil && len(remaining) == 0 {
				c.logger.Infof("Obstacles cleared after %d attempt(s) with %q", len(result.Attempts), option)
				result.Cleared = true
				return result
			}
		}
	}

	c.logger.Warnf("Obstacles remain after %d attempts: %v", len(result.Attempts), detected)
	return result
}

// Detect asks the page which obstacle categories are present.
func (c *Clearer) Detect(ctx context.Context, page automation.Page) ([]Category, error) {
	answer, err := page.PerformQuery(ctx, detectionQuery)
	if err != nil {
		return nil, fmt.Errorf("detection query failed: %w", err)
	}
	return ParseDetection(answer)
}

// ParseDetection reads a detection answer. JSON is preferred; a plain-text
// answer is scanned for category names.
func ParseDetection(answer string) ([]Category, error) {
	answer = strings.TrimSpace(answer)

	if start, end := strings.Index(answer, "{"), strings.LastIndex(answer, "}"); start >= 0 && end > start {
		var payload struct {
			Obstacles []string `json:"obstacles"`
		}
		if err := json.Unmarshal([]byte(answer[start:end+1]), &payload); err == nil {
			return normalize(payload.Obstacles), nil
		}
	}

	lower := strings.ToLower(answer)
	if isNegative(lower) {
		return nil, nil
	}

	var found []Category
	for _, c := range Categories {
		if strings.Contains(lower, string(c)) || strings.Contains(lower, strings.ReplaceAll(string(c), "_", " ")) {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("unrecognised detection answer: %q", answer)
	}
	return found, nil
}

// isNegative reports whether a plain-text answer says nothing blocks the
// page: it is empty, opens with "no" or "nothing", or contains "none".
func isNegative(lower string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if len(words) == 0 {
		return true
	}
	if words[0] == "no" || words[0] == "nothing" {
		return true
	}
	for _, w := range words {
		if w == "none" {
			return true
		}
	}
	return false
}

func normalize(names []string) []Category {
	var out []Category
	seen := make(map[Category]bool)
	for _, n := range names {
		c := Category(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(n, " ", "_"))))
		if c == "" || seen[c] {
			continue
		}
		known := false
		for _, k := range Categories {
			if k == c {
				known = true
				break
			}
		}
		if !known {
			c = CategoryOverlay
			if seen[c] {
				continue
			}
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
