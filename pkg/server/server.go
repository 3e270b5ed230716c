// Package server exposes the task service over HTTP and pushes task events
// to owners over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/notify"
	"github.com/entrhq/webpilot/pkg/pool"
	"github.com/entrhq/webpilot/pkg/service"
	"github.com/entrhq/webpilot/pkg/store"
	"github.com/entrhq/webpilot/pkg/types"
	"golang.org/x/net/websocket"
)

// OwnerHeader carries the caller's owner id.
const OwnerHeader = "X-Owner-ID"

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 64 << 10

// Tasks is the task service the server fronts.
type Tasks interface {
	StartTask(ctx context.Context, ownerID, goal, startURL string, budget int) (string, error)
	Status(ctx context.Context, id string) (*service.Status, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, ownerID string, limit int) ([]*types.Task, error)
}

// PoolStats reports session pool usage.
type PoolStats interface {
	Stats() pool.Stats
}

// Server wraps the HTTP listener and handlers.
type Server struct {
	address      string
	tasks        Tasks
	pool         PoolStats
	hub          *notify.Hub
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodyBytes int64
	clock        func() time.Time
	logger       *logging.Logger

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New prepares a server bound to address once started.
func New(address string, tasks Tasks, pools PoolStats, hub *notify.Hub, opts ...Option) *Server {
	s := &Server{
		address:      address,
		tasks:        tasks,
		pool:         pools,
		hub:          hub,
		maxBodyBytes: DefaultMaxBodyBytes,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/pool", s.handlePool)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}

	s.listener = listener
	s.server = server
	s.startTime = s.clock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Serve error: %v", err)
		}
	}()
	s.logger.Infof("Listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// WebSocket connections are hijacked and are closed through the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL of the running server.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return ""
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(s.clock().Sub(started).Seconds())
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", UptimeSeconds: uptime})
}

type createTaskRequest struct {
	OwnerID    string `json:"owner_id"`
	Goal       string `json:"goal"`
	StartURL   string `json:"start_url"`
	StepBudget int    `json:"step_budget"`
}

type createTaskResponse struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}

	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if owner := ownerOf(r); owner != "" {
		req.OwnerID = owner
	}

	id, err := s.tasks.StartTask(r.Context(), req.OwnerID, req.Goal, req.StartURL, req.StepBudget)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createTaskResponse{TaskID: id, Status: types.TaskStatusPending})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := s.tasks.List(r.Context(), owner, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.tasks.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if owner := ownerOf(r); owner != "" && owner != status.OwnerID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if owner := ownerOf(r); owner != "" {
		status, err := s.tasks.Status(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if status.OwnerID != owner {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
	}

	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": string(types.TaskStatusError)})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}

	ws := websocket.Server{
		// Non-browser clients send no Origin header.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			_ = conn.SetDeadline(time.Time{})
			s.logger.Debugf("WebSocket connected for %s from %s", owner, r.RemoteAddr)
			s.hub.ServeWebSocket(conn, owner)
		},
	}
	ws.ServeHTTP(w, r)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, service.ErrTaskFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func ownerOf(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		return owner
	}
	return strings.TrimSpace(r.URL.Query().Get("owner"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
