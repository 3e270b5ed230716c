// Package pool bounds the number of concurrently acquired automation sessions.
//
// A counting semaphore is the only capacity guard. Sessions are keyed by
// (owner, task); acquiring a key whose session is already held returns that
// session without taking a second slot. Idle sessions are kept for reuse by
// the same key until the sweeper closes them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/entrhq/webpilot/pkg/logging"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCapacityExhausted is returned when no slot frees up within the
	// acquire timeout.
	ErrCapacityExhausted = errors.New("session pool capacity exhausted")

	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("session pool is shut down")
)

// Default pool settings
const (
	DefaultCapacity       = 4
	DefaultAcquireTimeout = 2 * time.Minute
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Idle     int `json:"idle"`
	Total    int `json:"total"`
}

// Pool manages automation sessions.
type Pool struct {
	driver         automation.Driver
	launchOpts     automation.LaunchOptions
	capacity       int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	now            func() time.Time
	logger         *logging.Logger

	sem   *semaphore.Weighted
	group singleflight.Group

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity sets the maximum number of acquired sessions.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a slot. Zero waits
// until the context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.acquireTimeout = d
	}
}

// WithIdleTimeout sets how long a session may go without activity.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithSweepInterval sets the sweeper period.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// WithLaunchOptions sets the options passed to Driver.Launch.
func WithLaunchOptions(opts automation.LaunchOptions) Option {
	return func(p *Pool) {
		p.launchOpts = opts
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a pool that launches sessions with driver.
func New(driver automation.Driver, opts ...Option) *Pool {
	p := &Pool{
		driver:         driver,
		capacity:       DefaultCapacity,
		acquireTimeout: DefaultAcquireTimeout,
		idleTimeout:    DefaultIdleTimeout,
		sweepInterval:  DefaultSweepInterval,
		now:            time.Now,
		sessions:       make(map[Key]*Session),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(p.capacity))
	return p
}

// Capacity returns the configured capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire returns the session for (owner, task), launching one if needed.
// It blocks until a slot is free, the acquire timeout elapses
// (ErrCapacityExhausted) or ctx is done. Launch failures are returned as is.
func (p *Pool) Acquire(ctx context.Context, owner, task string) (*Session, error) {
	key := Key{Owner: owner, Task: task}

	if s := p.heldSession(key); s != nil {
		return s, nil
	}

	v, err, _ := p.group.Do(key.String(), func() (interface{}, error) {
		return p.acquire(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// heldSession returns the live, currently acquired session for key.
func (p *Pool) heldSession(key Key) *Session {
	p.mu.Lock()
	s := p.sessions[key]
	p.mu.Unlock()

	if s == nil || !s.Acquired() || !s.IsLive() {
		return nil
	}
	s.touch(p.now())
	return s
}

func (p *Pool) acquire(ctx context.Context, key Key) (*Session, error) {
	if s := p.heldSession(key); s != nil {
		return s, nil
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if err := p.waitForSlot(ctx); err != nil {
		return nil, err
	}

	// The slot is ours from here; give it back on every failure path.
	p.mu.Lock()
	existing := p.sessions[key]
	p.mu.Unlock()

	if existing != nil {
		if existing.IsLive() && existing.markAcquired(p.now()) {
			p.logger.Debugf("Reusing session %s", key)
			return existing, nil
		}
		p.discard(existing, "not live")
	}

	p.evictIdle()

	s, err := p.launch(ctx, key)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		_ = s.shutdown()
		return nil, ErrPoolClosed
	}
	p.sessions[key] = s
	p.mu.Unlock()

	p.logger.Infof("Launched session %s", key)
	return s, nil
}

func (p *Pool) waitForSlot(ctx context.Context) error {
	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warnf("Acquire timed out after %s (capacity %d)", p.acquireTimeout, p.capacity)
		return ErrCapacityExhausted
	}
	return nil
}

func (p *Pool) launch(ctx context.Context, key Key) (*Session, error) {
	handle, err := p.driver.Launch(ctx, p.launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch session: %w", err)
	}

	page, err := handle.NewPage(ctx)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	now := p.now()
	return &Session{
		key:          key,
		handle:       handle,
		createdAt:    now,
		page:         page,
		lastActivity: now,
		acquired:     true,
	}, nil
}

// evictIdle closes the least recently used idle sessions so that at most
// capacity-1 sessions remain before a launch.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	total := len(p.sessions)
	if total < p.capacity {
		p.mu.Unlock()
		return
	}
	var idle []*Session
	for _, s := range p.sessions {
		if !s.Acquired() {
			idle = append(idle, s)
		}
	}
	p.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActivity().Before(idle[j].LastActivity())
	})

	excess := total - (p.capacity - 1)
	for i := 0; i < excess && i < len(idle); i++ {
		p.discard(idle[i], "evicted for capacity")
	}
}

// Release returns the session's slot. Releasing twice is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if s.markReleased(p.now()) {
		p.sem.Release(1)
		p.logger.Debugf("Released session %s", s.key)
	}
}

// Close terminates the session's handle and releases its slot.
func (p *Pool) Close(s *Session) error {
	if s == nil {
		return nil
	}
	p.remove(s)
	err := s.shutdown()
	p.Release(s)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.key, err)
	}
	return nil
}

// Touch records activity on s.
func (p *Pool) Touch(s *Session) {
	if s != nil {
		s.touch(p.now())
	}
}

// Sweep closes sessions idle past the idle timeout or no longer live,
// whether or not they are acquired. It returns the number closed.
func (p *Pool) Sweep() int {
	now := p.now()
	closed := 0
	for _, s := range p.sessionsSnapshot() {
		switch {
		case !s.IsLive():
			p.discard(s, "not live")
		case now.Sub(s.LastActivity()) > p.idleTimeout:
			p.discard(s, "idle")
		default:
			continue
		}
		closed++
	}
	return closed
}

// discard removes, closes and, if held, releases s.
func (p *Pool) discard(s *Session, reason string) {
	p.remove(s)
	if err := s.shutdown(); err != nil {
		p.logger.Warnf("Error closing session %s: %v", s.key, err)
	}
	p.Release(s)
	p.logger.Infof("Closed session %s (%s)", s.key, reason)
}

func (p *Pool) remove(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.sessions[s.key]; ok && cur == s {
		delete(p.sessions, s.key)
	}
}

func (p *Pool) sessionsSnapshot() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Start runs the sweeper until Shutdown or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := p.Sweep(); n > 0 {
					p.logger.Infof("Sweep closed %d session(s)", n)
				}
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the sweeper and closes every session.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, s := range p.sessionsSnapshot() {
		p.discard(s, "shutdown")
	}
}

// Stats returns the current pool usage.
func (p *Pool) Stats() Stats {
	sessions := p.sessionsSnapshot()
	st := Stats{Capacity: p.capacity, Total: len(sessions)}
	for _, s := range sessions {
		if s.Acquired() {
			st.InUse++
		} else {
			st.Idle++
		}
	}
	return st
}
