package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerStatus is reported on /health.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrServerDisabled is returned by Start when the bridge is turned off.
var ErrServerDisabled = errors.New("eventbridge: server disabled")

// ProgressFunc returns the JSON-serialisable progress report served on
// /progress.
type ProgressFunc func() any

// Server exposes run progress, the live event stream and metrics over HTTP.
type Server struct {
	settings Settings
	bus      *Bus
	progress ProgressFunc
	gatherer prometheus.Gatherer
	logger   Logger
	clock    func() time.Time

	mu       sync.RWMutex
	httpSrv  *http.Server
	addr     net.Addr
	started  time.Time
	draining chan struct{}
}

// Option customizes server construction.
type Option func(*Server)

// WithBus sets the bus streamed on /events.
func WithBus(bus *Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithProgress sets the source of /progress responses.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.progress = fn
		}
	}
}

// WithGatherer mounts /metrics for the given registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
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

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		progress: func() any { return map[string]string{"status": "idle"} },
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)
	r.Get("/progress", s.handleProgress)
	r.Get("/events", s.handleEvents)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start binds the listener and serves in the background until Shutdown. A
// server can be started once.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.IsZero() {
		return fmt.Errorf("eventbridge: server already started")
	}
	listener, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", s.settings.Address(), err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.httpSrv = srv
	s.addr = listener.Addr()
	s.started = s.clock()
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", s.addr)
	return nil
}

// Shutdown ends open event streams, stops accepting connections and waits for
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	srv := s.httpSrv
	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BaseURL is the URL of the bound listener, or the configured address
// before Start.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return s.settings.URL()
	}
	return "http://" + s.addr.String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.draining:
		return StatusDraining
	default:
	}
	if s.started.IsZero() {
		return StatusStarting
	}
	return StatusReady
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.started.IsZero() {
		return 0
	}
	return s.clock().Sub(s.started)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		BusOpen:       s.bus.Open(),
		UptimeSeconds: int64(s.uptime().Seconds()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.progress())
}

// handleEvents streams events as newline-delimited JSON until the client goes
// away or the bus closes. ?replay=1 first sends the retained backlog.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no event bus"})
		return
	}
	var types []EventType
	for _, t := range r.URL.Query()["type"] {
		types = append(types, EventType(t))
	}
	sub := s.bus.Subscribe(types...)
	defer sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	var lastSeq int64
	if replay := r.URL.Query().Get("replay"); replay == "1" || replay == "true" {
		filter := filterOf(types)
		for _, event := range s.bus.Recent() {
			if _, ok := filter[event.Type]; len(filter) > 0 && !ok {
				continue
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			lastSeq = event.Sequence
		}
	}
	_ = rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.draining:
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.Sequence <= lastSeq {
				continue
			}
			if err := enc.Encode(event); err != nil {
				s.logger.Printf("eventbridge: stream write: %v", err)
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
