package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/imgdispatch/imgdispatch/internal/ratelimit"
	"github.com/imgdispatch/imgdispatch/internal/route"
)

// State is the lifecycle position of a Server.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// writeSlack is added on top of the slowest route when widening the write
// timeout, for rendering and writing the page.
const writeSlack = 5 * time.Second

// Server binds the route handlers to their paths and owns the HTTP listener.
type Server struct {
	httpServer  *http.Server
	rateLimiter *ratelimit.Limiter
	table       *route.Table
	openapi     []byte
	startedAt   time.Time
	state       atomic.Int32

	// Request contexts derive from baseCtx; canceling it kills the process
	// groups of every running invocation.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	inflight   atomic.Int64
}

// ServerDeps holds the dependencies injected into the server.
type ServerDeps struct {
	Table     *route.Table
	RouteDeps route.Deps
	// RateLimiter, when set, applies to the processing routes only.
	RateLimiter  *ratelimit.Limiter
	TLSConfig    *tls.Config
	ListenAddr   string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// QueueTimeout is the longest a request waits for an admission slot.
	// Zero means it may wait indefinitely.
	QueueTimeout time.Duration
	// BaseContext is the parent of every request context. Defaults to
	// context.Background.
	BaseContext context.Context
	Version     string
}

// NewServer creates a server with the full middleware stack. It does not
// listen until Start or Serve is called.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Table == nil || deps.Table.Len() == 0 {
		return nil, fmt.Errorf("api: route table is empty")
	}

	doc := BuildOpenAPI(deps.Table, deps.Version)
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("api: encode openapi document: %w", err)
	}

	parent := deps.BaseContext
	if parent == nil {
		parent = context.Background()
	}
	baseCtx, cancelBase := context.WithCancel(parent)

	s := &Server{
		rateLimiter: deps.RateLimiter,
		table:       deps.Table,
		openapi:     docJSON,
		startedAt:   time.Now(),
		baseCtx:     baseCtx,
		cancelBase:  cancelBase,
	}

	handlers := make([]*route.Handler, 0, deps.Table.Len())
	for _, spec := range deps.Table.Specs() {
		h, err := route.NewHandler(spec, deps.RouteDeps)
		if err != nil {
			cancelBase()
			return nil, fmt.Errorf("api: %w", err)
		}
		handlers = append(handlers, h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withCORS)
	r.Use(s.withLogging)
	r.Use(s.withPanicRecovery)

	r.Get("/healthz", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.trackInFlight)
		if s.rateLimiter != nil {
			r.Use(s.rateLimiter.Middleware)
		}
		for _, h := range handlers {
			r.Method(http.MethodGet, h.Spec().Path, h)
		}
	})

	// The index answers "/" and every path no route claims.
	index := route.IndexHandler(deps.Table)
	r.Method(http.MethodGet, "/", index)
	r.Method(http.MethodGet, "/*", index)

	writeTimeout := EffectiveWriteTimeout(deps.Table, deps.WriteTimeout, deps.QueueTimeout)
	if writeTimeout != deps.WriteTimeout {
		slog.Info("write timeout adjusted to fit the slowest route",
			"configured", deps.WriteTimeout,
			"effective", writeTimeout,
		)
	}

	s.httpServer = &http.Server{
		Addr:         deps.ListenAddr,
		Handler:      r,
		TLSConfig:    deps.TLSConfig,
		WriteTimeout: writeTimeout,
		ReadTimeout:  deps.ReadTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.baseCtx
		},
	}

	return s, nil
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// State reports the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Shutdown. It serves TLS
// when the server was given a TLS configuration.
func (s *Server) Serve(ln net.Listener) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		ln.Close()
		return fmt.Errorf("API server: cannot start from state %s", s.State())
	}

	slog.Info("starting API server", "addr", ln.Addr().String(), "tls", s.httpServer.TLSConfig != nil, "routes", s.table.Len())

	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx is done. Invocations still running at that point are canceled,
// which kills their process groups, and Shutdown waits for their handlers
// to return before reporting the drain error.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down API server")
	s.state.Store(int32(StateStopped))
	err := s.httpServer.Shutdown(ctx)
	s.cancelBase()
	if err != nil {
		slog.Warn("drain deadline passed, canceling in-flight invocations",
			"in_flight", s.inflight.Load(),
			"error", err,
		)
		for s.inflight.Load() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return err
}

// EffectiveWriteTimeout returns a write timeout long enough for the slowest
// route to wait for its admission slot, run and still write its page. A
// route without a deadline, or an unbounded admission wait, disables the
// write timeout. A configured value of zero stays zero.
func EffectiveWriteTimeout(t *route.Table, configured, queueTimeout time.Duration) time.Duration {
	if configured <= 0 || queueTimeout <= 0 {
		return 0
	}
	var slowest time.Duration
	for _, spec := range t.Specs() {
		if spec.Timeout <= 0 {
			return 0
		}
		slowest = max(slowest, spec.Timeout)
	}
	if need := queueTimeout + slowest + writeSlack; need > configured {
		return need
	}
	return configured
}

// UptimeSeconds returns the number of seconds since the server was created.
func (s *Server) UptimeSeconds() int {
	return int(time.Since(s.startedAt).Seconds())
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Routes        int    `json:"routes"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Routes:        s.table.Len(),
		UptimeSeconds: s.UptimeSeconds(),
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.openapi)
}

// Middleware: structured logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Middleware: in-flight accounting for the processing routes, so Shutdown
// knows when every canceled invocation has been reaped.
func (s *Server) trackInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Middleware: CORS headers, so browser clients can read the result path.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware: panic recovery
func (s *Server) withPanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered in HTTP handler",
					"error", err,
					"path", r.URL.Path,
				)
				WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
					"An unexpected error occurred. Please try again later.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ProblemDetail represents an RFC 7807 problem response.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ProblemDetail{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
