// Package api implements the REST API in front of the Reddit executor
// session.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reddit-agent/internal/buildinfo"
	"github.com/nugget/reddit-agent/internal/calllog"
	"github.com/nugget/reddit-agent/internal/connwatch"
	"github.com/nugget/reddit-agent/internal/reddit"
)

// Reddit is the set of session operations the API exposes.
// *session.Session satisfies it.
type Reddit interface {
	FetchPosts(ctx context.Context, subreddit string, limit int) (*reddit.Listing, error)
	SearchPosts(ctx context.Context, subreddit, query string, limit int) (*reddit.Listing, error)
	GetComments(ctx context.Context, postID string) (*reddit.Thread, error)
	GetSubredditInfo(ctx context.Context, subreddit string) (*reddit.SubredditInfo, error)
	PostComment(ctx context.Context, postID, text string) (*reddit.CommentReceipt, error)
	CreatePost(ctx context.Context, subreddit, title string, opts reddit.PostOptions) (*reddit.PostReceipt, error)
}

// HealthSource reports executor health. *connwatch.Watcher satisfies it.
type HealthSource interface {
	Status() connwatch.Status
}

// CallLog is the read side of the call log.
type CallLog interface {
	Recent(ctx context.Context, limit int) ([]calllog.Record, error)
	SummaryByOperation(ctx context.Context, start, end time.Time) (map[string]*calllog.Summary, error)
}

// RouteRegistrar adds extra routes (the dashboard) to the mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	reddit  Reddit
	health  HealthSource
	calls   CallLog
	extra   []RouteRegistrar
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server backed by r.
func NewServer(address string, port int, r Reddit, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		reddit:  r,
		logger:  logger.With("component", "api"),
	}
}

// SetHealthSource configures the source for /api/health.
func (s *Server) SetHealthSource(h HealthSource) {
	s.health = h
}

// SetCallLog enables /api/calls.
func (s *Server) SetCallLog(c CallLog) {
	s.calls = c
}

// AddRoutes mounts additional routes, such as the dashboard.
func (s *Server) AddRoutes(r RouteRegistrar) {
	s.extra = append(s.extra, r)
}

// Handler builds the complete handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/fetch_posts", s.handleFetchPosts)
	mux.HandleFunc("POST /api/search_posts", s.handleSearchPosts)
	mux.HandleFunc("POST /api/get_comments", s.handleGetComments)
	mux.HandleFunc("POST /api/subreddit_info", s.handleSubredditInfo)
	mux.HandleFunc("POST /api/post_comment", s.handlePostComment)
	mux.HandleFunc("POST /api/create_post", s.handleCreatePost)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("GET /api/calls/summary", s.handleCallSummary)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	for _, r := range s.extra {
		r.RegisterRoutes(mux)
	}

	return s.withRequestID(s.withCORS(s.withLogging(mux)))
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // tool calls may take the full call timeout
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type ctxKey struct{}

// RequestID returns the request id assigned by the middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withRequestID echoes a caller-supplied X-Request-ID or assigns a new
// one, and stores it in the request context.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// withCORS allows any origin, method and header, and answers preflight
// requests directly.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", RequestID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"message": "Reddit MCP agent",
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"docs":    "/api/version",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse mirrors the original service's health document, with
// the watcher status attached.
type healthResponse struct {
	Status       string            `json:"status"`
	RedditClient string            `json:"reddit_client,omitempty"`
	Error        string            `json:"error,omitempty"`
	Executor     *connwatch.Status `json:"executor,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.health == nil {
		writeJSON(w, healthResponse{Status: "unhealthy", Error: "health watcher not running"}, s.logger)
		return
	}

	st := s.health.Status()
	resp := healthResponse{Executor: &st}
	if st.Ready {
		resp.Status = "healthy"
		resp.RedditClient = "connected"
	} else {
		resp.Status = "unhealthy"
		resp.Error = st.LastError
		if resp.Error == "" {
			resp.Error = "executor not ready"
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, r, http.StatusNotFound, "call log disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.errorResponse(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	recs, err := s.calls.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("call log query failed", "error", err)
		s.errorResponse(w, r, http.StatusInternalServerError, "call log query failed")
		return
	}
	if recs == nil {
		recs = []calllog.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": recs, "count": len(recs)}, s.logger)
}

// maxSummaryHours bounds the summary window to one year.
const maxSummaryHours = 24 * 365

func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, r, http.StatusNotFound, "call log disabled")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSummaryHours {
			s.errorResponse(w, r, http.StatusBadRequest,
				fmt.Sprintf("hours must be an integer from 1 to %d", maxSummaryHours))
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	sums, err := s.calls.SummaryByOperation(r.Context(), start, end.Add(time.Second))
	if err != nil {
		s.logger.Error("call log summary failed", "error", err)
		s.errorResponse(w, r, http.StatusInternalServerError, "call log query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"hours": hours, "operations": sums}, s.logger)
}

// errorResponse writes {"detail": message}.
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{
		"detail":     message,
		"request_id": RequestID(r.Context()),
	}, s.logger)
}
