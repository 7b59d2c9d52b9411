// Package web serves the server-rendered dashboard under /ui/: executor
// status, recent calls, and forms for every Reddit operation.
package web

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/reddit-agent/internal/calllog"
	"github.com/nugget/reddit-agent/internal/connwatch"
	"github.com/nugget/reddit-agent/internal/reddit"
)

// Reddit is the set of session operations the dashboard drives.
type Reddit interface {
	FetchPosts(ctx context.Context, subreddit string, limit int) (*reddit.Listing, error)
	SearchPosts(ctx context.Context, subreddit, query string, limit int) (*reddit.Listing, error)
	GetComments(ctx context.Context, postID string) (*reddit.Thread, error)
	GetSubredditInfo(ctx context.Context, subreddit string) (*reddit.SubredditInfo, error)
	PostComment(ctx context.Context, postID, text string) (*reddit.CommentReceipt, error)
	CreatePost(ctx context.Context, subreddit, title string, opts reddit.PostOptions) (*reddit.PostReceipt, error)
}

// CallLog is the read side of the call log.
type CallLog interface {
	Recent(ctx context.Context, limit int) ([]calllog.Record, error)
	SummaryByOperation(ctx context.Context, start, end time.Time) (map[string]*calllog.Summary, error)
}

// Config wires the dashboard to its data sources. Only Reddit is
// required.
type Config struct {
	Reddit     Reddit
	HealthFunc func() connwatch.Status
	CallLog    CallLog
	Logger     *slog.Logger
}

// WebServer renders the dashboard pages.
type WebServer struct {
	reddit     Reddit
	healthFunc func() connwatch.Status
	calls      CallLog
	templates  map[string]*template.Template
	logger     *slog.Logger
}

// NewWebServer parses the embedded templates and returns a server.
// It panics on template syntax errors.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		reddit:     cfg.Reddit,
		healthFunc: cfg.HealthFunc,
		calls:      cfg.CallLog,
		templates:  loadTemplates(),
		logger:     logger.With("component", "web"),
	}
}

// RegisterRoutes mounts the dashboard under /ui/.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ui/{$}", s.handleDashboard)
	mux.HandleFunc("GET /ui/posts", s.handlePosts)
	mux.HandleFunc("GET /ui/comments", s.handleComments)
	mux.HandleFunc("GET /ui/subreddit", s.handleSubreddit)
	mux.HandleFunc("GET /ui/compose", s.handleCompose)
	mux.HandleFunc("POST /ui/compose/comment", s.handleComposeComment)
	mux.HandleFunc("POST /ui/compose/post", s.handleComposePost)
	mux.HandleFunc("GET /ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusMovedPermanently)
	})
}

// PageData is embedded in every page's template context.
type PageData struct {
	ActiveNav string
	Error     string
}
