package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/automation"
)

// Key identifies a session by owner and task.
type Key struct {
	Owner string
	Task  string
}

func (k Key) String() string {
	return k.Owner + "/" + k.Task
}

// Session is an automation handle with its working page.
type Session struct {
	key       Key
	handle    automation.Handle
	createdAt time.Time

	mu           sync.Mutex
	page         automation.Page
	lastActivity time.Time
	acquired     bool
	closed       bool
}

// Key returns the session key.
func (s *Session) Key() Key {
	return s.key
}

// Handle returns the underlying automation handle.
func (s *Session) Handle() automation.Handle {
	return s.handle
}

// Page returns the current working page.
func (s *Session) Page() automation.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// SetPage switches the working page, e.g. to a newly opened window.
func (s *Session) SetPage(p automation.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p
	s.lastActivity = time.Now()
}

// EnsurePage returns a live working page, opening a new one when the current
// page has been closed.
func (s *Session) EnsurePage(ctx context.Context) (automation.Page, error) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()

	if page != nil && !page.IsClosed() {
		return page, nil
	}

	if open := automation.OpenPages(s.handle); len(open) > 0 {
		page = open[len(open)-1]
	} else {
		var err error
		page, err = s.handle.NewPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate page: %w", err)
		}
	}

	s.SetPage(page)
	return page, nil
}

// IsLive reports whether the handle is connected and has an open page.
func (s *Session) IsLive() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && automation.IsLive(s.handle)
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Acquired reports whether the session currently holds a pool slot.
func (s *Session) Acquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// markAcquired flips the slot flag and reports whether it changed.
func (s *Session) markAcquired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return false
	}
	s.acquired = true
	s.lastActivity = now
	return true
}

// markReleased clears the slot flag and reports whether it was set.
func (s *Session) markReleased(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return false
	}
	s.acquired = false
	s.lastActivity = now
	return true
}

// shutdown closes the handle once.
func (s *Session) shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.handle.Close()
}
