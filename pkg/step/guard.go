package step

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ErrNavigationDenied is returned when a target URL is rejected by the guard.
var ErrNavigationDenied = errors.New("navigation denied")

// Guard matches navigation targets against allow and deny globs.
// Patterns are matched against the full URL, so "*" spans path separators:
// "https://*.example.com/*" allows every page on every example.com subdomain.
type Guard struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewGuard compiles the allow and deny patterns.
func NewGuard(allowed, denied []string) (*Guard, error) {
	g := &Guard{}

	for _, pattern := range allowed {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		g.allowed = append(g.allowed, compiled)
	}

	for _, pattern := range denied {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern '%s': %w", pattern, err)
		}
		g.denied = append(g.denied, compiled)
	}

	return g, nil
}

// Allowed reports whether url may be navigated to. Deny patterns win; an
// empty allow list allows everything not denied. A nil Guard allows all.
func (g *Guard) Allowed(url string) bool {
	if g == nil {
		return true
	}
	url = strings.TrimSpace(url)

	for _, pattern := range g.denied {
		if pattern.Match(url) {
			return false
		}
	}

	if len(g.allowed) == 0 {
		return true
	}

	for _, pattern := range g.allowed {
		if pattern.Match(url) {
			return true
		}
	}
	return false
}

// Check returns ErrNavigationDenied when url is not allowed.
func (g *Guard) Check(url string) error {
	if !g.Allowed(url) {
		return fmt.Errorf("%w: %s", ErrNavigationDenied, url)
	}
	return nil
}
