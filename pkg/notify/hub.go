// Package notify fans task events out to each owner's live push connections.
//
// Every owner has its own lock inside a sync.Map; no lock spans the whole
// owner set. When an owner has no connection, events wait in a bounded FIFO
// queue that drops the oldest entry on overflow and is flushed to the next
// connection that registers.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/google/uuid"
)

// ErrPongTimeout is the termination cause for a connection that stopped
// answering pings.
var ErrPongTimeout = errors.New("pong timeout")

// Default hub settings
const (
	DefaultQueueSize    = 100
	DefaultSendBuffer   = 64
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is one push connection.
type Conn interface {
	// Send writes a single event. It must not be called concurrently.
	Send(ctx context.Context, e *types.Event) error
	Close() error
}

// Hub routes events to owners.
type Hub struct {
	queueSize    int
	sendBuffer   int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	logger       *logging.Logger

	owners sync.Map // owner id -> *owner
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize bounds the offline queue per owner.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithSendBuffer sets the per-connection send buffer.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithHeartbeat sets the ping interval and pong timeout. A zero interval
// disables the heartbeat.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = interval
		if timeout > 0 {
			h.pongTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds a single Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize:    DefaultQueueSize,
		sendBuffer:   DefaultSendBuffer,
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type owner struct {
	mu      sync.Mutex
	clients map[string]*Client
	queue   []*types.Event
	dropped int
}

func (h *Hub) owner(id string) *owner {
	if o, ok := h.owners.Load(id); ok {
		return o.(*owner)
	}
	o, _ := h.owners.LoadOrStore(id, &owner{clients: make(map[string]*Client)})
	return o.(*owner)
}

// Publish delivers e to every live connection of ownerID, or queues it when
// there is none. Delivery to one connection never waits on another.
func (h *Hub) Publish(ownerID string, e *types.Event) {
	if e == nil {
		return
	}
	if e.OwnerID == "" {
		e.OwnerID = ownerID
	}

	o := h.owner(ownerID)
	o.mu.Lock()
	if len(o.clients) == 0 {
		o.queue = append(o.queue, e)
		if over := len(o.queue) - h.queueSize; over > 0 {
			o.queue = o.queue[over:]
			o.dropped += over
			h.logger.Warnf("Offline queue for %s full, dropped %d oldest event(s)", ownerID, over)
		}
		o.mu.Unlock()
		return
	}
	clients := make([]*Client, 0, len(o.clients))
	for _, c := range o.clients {
		clients = append(clients, c)
	}
	o.mu.Unlock()

	for _, c := range clients {
		if !c.push(e) {
			h.logger.Warnf("Send buffer full for connection %s, dropped %s event", c.id, e.Type)
		}
	}
}

// Register adds conn for ownerID, flushing any queued events to it first.
// The connection is served until it fails, misses a pong or is unregistered.
func (h *Hub) Register(ownerID string, conn Conn) *Client {
	c := &Client{
		id:    uuid.NewString(),
		owner: ownerID,
		conn:  conn,
		hub:   h,
		out:   make(chan *types.Event, h.sendBuffer),
		pong:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	o := h.owner(ownerID)
	o.mu.Lock()
	backlog := o.queue
	o.queue = nil
	o.clients[c.id] = c
	o.mu.Unlock()

	if len(backlog) > 0 {
		h.logger.Infof("Flushing %d queued event(s) to %s", len(backlog), ownerID)
	}

	go c.writeLoop(backlog)
	if h.pingInterval > 0 {
		go c.heartbeat(h.pingInterval, h.pongTimeout)
	}
	h.logger.Debugf("Registered connection %s for %s", c.id, ownerID)
	return c
}

// Unregister removes and closes c.
func (h *Hub) Unregister(c *Client) {
	if c != nil {
		c.terminate(nil)
	}
}

func (h *Hub) remove(c *Client) {
	o := h.owner(c.owner)
	o.mu.Lock()
	delete(o.clients, c.id)
	o.mu.Unlock()
}

// Connections returns the number of live connections for ownerID.
func (h *Hub) Connections(ownerID string) int {
	o, ok := h.owners.Load(ownerID)
	if !ok {
		return 0
	}
	st := o.(*owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.clients)
}

// Queued returns the number of events waiting for ownerID.
func (h *Hub) Queued(ownerID string) int {
	o, ok := h.owners.Load(ownerID)
	if !ok {
		return 0
	}
	st := o.(*owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// Dropped returns how many queued events were discarded for ownerID.
func (h *Hub) Dropped(ownerID string) int {
	o, ok := h.owners.Load(ownerID)
	if !ok {
		return 0
	}
	st := o.(*owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dropped
}

// Close terminates every connection.
func (h *Hub) Close() {
	h.owners.Range(func(_, v interface{}) bool {
		o := v.(*owner)
		o.mu.Lock()
		clients := make([]*Client, 0, len(o.clients))
		for _, c := range o.clients {
			clients = append(clients, c)
		}
		o.mu.Unlock()
		for _, c := range clients {
			c.terminate(nil)
		}
		return true
	})
}

// Client is a registered connection.
type Client struct {
	id    string
	owner string
	conn  Conn
	hub   *Hub

	out  chan *types.Event
	pong chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Done is closed when the connection has been terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was terminated, if it failed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Pong records a heartbeat reply.
func (c *Client) Pong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

func (c *Client) push(e *types.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- e:
		return true
	default:
		return false
	}
}

func (c *Client) send(e *types.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.writeTimeout)
	defer cancel()
	return c.conn.Send(ctx, e)
}

func (c *Client) writeLoop(backlog []*types.Event) {
	for _, e := range backlog {
		if err := c.send(e); err != nil {
			c.terminate(err)
			return
		}
	}
	for {
		select {
		case e := <-c.out:
			if err := c.send(e); err != nil {
				c.terminate(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-c.done:
			return
		}

		// Discard a stale pong so only a reply to this ping counts.
		select {
		case <-c.pong:
		default:
		}
		c.push(types.NewPingEvent())

		timer := time.NewTimer(timeout)
		select {
		case <-c.pong:
			timer.Stop()
		case <-timer.C:
			c.terminate(ErrPongTimeout)
			return
		case <-c.done:
			timer.Stop()
			return
		}
	}
}

func (c *Client) terminate(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		c.hub.remove(c)
		if err := c.conn.Close(); err != nil {
			c.hub.logger.Debugf("Error closing connection %s: %v", c.id, err)
		}
		if cause != nil {
			c.hub.logger.Infof("Connection %s for %s terminated: %v", c.id, c.owner, cause)
		}
	})
}
