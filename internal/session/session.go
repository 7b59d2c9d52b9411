// Package session provides a blocking facade over the executor client.
//
// A [Session] owns one worker goroutine that drives one executor
// connection. Callers submit operations to the worker and wait for the
// result with a bounded timeout. Jobs run one at a time in submission
// order, so any number of goroutines (HTTP handlers, the dashboard, the
// health watcher) can share one Session.
//
// When a caller's timeout expires, the in-flight read is abandoned and
// the executor process is torn down. The session is then stale: the
// next operation starts a fresh process and repeats the initialize
// handshake before running. The timed-out operation is never retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/reddit-agent/internal/mcp"
	"github.com/nugget/reddit-agent/internal/reddit"
)

var (
	// ErrInitializeTimeout is returned when the handshake does not
	// complete within the initialize timeout.
	ErrInitializeTimeout = fmt.Errorf("executor initialize timed out: %w", context.DeadlineExceeded)

	// ErrCallTimeout is returned when an operation does not complete
	// within the call timeout.
	ErrCallTimeout = fmt.Errorf("executor call timed out: %w", context.DeadlineExceeded)

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")

	// errCloseTimeout bounds the shutdown job.
	errCloseTimeout = fmt.Errorf("executor close timed out: %w", context.DeadlineExceeded)
)

// Default timeouts.
const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultCallTimeout  = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// CallEvent describes one completed (or failed) session operation.
type CallEvent struct {
	Operation string
	Target    string // subreddit or post id the operation addressed
	Started   time.Time
	Duration  time.Duration
	Err       error
}

// Observer is notified after every tool operation. ObserveCall runs on
// the calling goroutine and should not block.
type Observer interface {
	ObserveCall(CallEvent)
}

// Config configures a Session.
type Config struct {
	// NewTransport builds the transport for a new executor
	// connection. It is called on Initialize and again on every
	// restart after a timeout or lost connection.
	NewTransport func() mcp.Transport

	InitTimeout  time.Duration
	CallTimeout  time.Duration
	CloseTimeout time.Duration

	// Observers receive a CallEvent after each tool operation.
	Observers []Observer

	Logger *slog.Logger
}

// job is one unit of work for the worker.
type job func()

// Session is the blocking facade. The zero value is not usable; create
// one with New.
type Session struct {
	cfg    Config
	logger *slog.Logger

	jobs      chan job
	stop      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	initialized atomic.Bool
	closed      atomic.Bool

	// client is replaced only by the worker; other goroutines load it
	// to force a close.
	client atomic.Pointer[mcp.Client]

	// Owned by the worker goroutine.
	svc   *reddit.Service
	stale bool

	mu     sync.RWMutex
	server mcp.ServerInfo
}

// New returns a Session. No process is started until Initialize.
func New(cfg Config) *Session {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan job),
		stop:   make(chan struct{}),
	}
}

// startWorker launches the worker goroutine once.
func (s *Session) startWorker() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.work()
	})
}

func (s *Session) work() {
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.jobs:
			j()
		}
	}
}

// do submits fn to the worker and waits for it. ctx bounds the whole
// wait, including time spent queued behind other jobs; on expiry the
// job's context is cancelled and timeoutErr is returned.
func (s *Session) do(parent context.Context, timeout time.Duration, timeoutErr error, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeoutCause(parent, timeout, timeoutErr)
	defer cancel()

	done := make(chan error, 1)
	j := func() {
		if ctx.Err() != nil {
			// Expired while queued.
			done <- context.Cause(ctx)
			return
		}
		done <- fn(ctx)
	}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.stop:
		return ErrClosed
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Initialize starts the worker and the executor and performs the
// handshake, waiting at most the initialize timeout. Calling it on an
// initialized session does nothing.
func (s *Session) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.initialized.Load() {
		return nil
	}

	s.startWorker()
	err := s.do(ctx, s.cfg.InitTimeout, ErrInitializeTimeout, func(ctx context.Context) error {
		// Queued Initialize calls land here after the first one has
		// connected; the flag must be set before this job returns.
		if s.initialized.Load() {
			return nil
		}
		if s.closed.Load() {
			return ErrClosed
		}
		if err := s.connect(ctx); err != nil {
			return err
		}
		s.initialized.Store(true)
		return nil
	})
	if err != nil {
		s.logger.Error("executor initialization failed", "error", err)
		return err
	}
	return nil
}

// connect replaces the current client with a fresh one and runs the
// handshake. Runs on the worker.
func (s *Session) connect(ctx context.Context) error {
	if old := s.client.Load(); old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("closing previous executor connection", "error", err)
		}
	}

	client := mcp.NewClient(s.cfg.NewTransport(), s.logger)
	s.client.Store(client)
	s.svc = reddit.NewService(client, s.logger)

	if err := client.Initialize(ctx); err != nil {
		s.stale = true
		return err
	}
	s.stale = false

	s.mu.Lock()
	s.server = client.ServerInfo()
	s.mu.Unlock()
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// ServerInfo returns the executor identity from the latest handshake.
func (s *Session) ServerInfo() mcp.ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// run executes fn on the worker with the call timeout, restarting the
// executor first if a previous call left it stale.
func (s *Session) run(ctx context.Context, op, target string, fn func(ctx context.Context, svc *reddit.Service) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.initialized.Load() {
		return mcp.ErrNotInitialized
	}

	start := time.Now()
	err := s.do(ctx, s.cfg.CallTimeout, ErrCallTimeout, func(ctx context.Context) error {
		if s.closed.Load() {
			return ErrClosed
		}
		if s.stale {
			s.logger.Info("restarting executor", "operation", op)
			if err := s.connect(ctx); err != nil {
				return fmt.Errorf("restart executor: %w", err)
			}
		}

		err := fn(ctx, s.svc)
		if ctx.Err() != nil || connectionLost(err) {
			s.stale = true
		}
		return err
	})

	ev := CallEvent{
		Operation: op,
		Target:    target,
		Started:   start,
		Duration:  time.Since(start),
		Err:       err,
	}
	for _, o := range s.cfg.Observers {
		o.ObserveCall(ev)
	}

	if err != nil {
		s.logger.Warn("executor operation failed",
			"operation", op,
			"target", target,
			"elapsed", ev.Duration,
			"error", err,
		)
	}
	return err
}

// connectionLost reports whether err leaves the executor connection
// unusable.
func connectionLost(err error) bool {
	if err == nil {
		return false
	}
	// After a malformed line the stream position is unknown: the real
	// reply may still follow it.
	var we *mcp.WriteError
	var ce *mcp.CorrelationError
	var mre *mcp.MalformedResponseError
	return errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, mcp.ErrNotStarted) ||
		errors.As(err, &we) ||
		errors.As(err, &ce) ||
		errors.As(err, &mre)
}

// FetchPosts returns hot posts from subreddit.
func (s *Session) FetchPosts(ctx context.Context, subreddit string, limit int) (*reddit.Listing, error) {
	var out *reddit.Listing
	err := s.run(ctx, reddit.ToolFetchPosts, subreddit, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.FetchPosts(ctx, subreddit, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchPosts searches subreddit for query.
func (s *Session) SearchPosts(ctx context.Context, subreddit, query string, limit int) (*reddit.Listing, error) {
	var out *reddit.Listing
	err := s.run(ctx, reddit.ToolSearchPosts, subreddit, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.SearchPosts(ctx, subreddit, query, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetComments returns a post and its comments.
func (s *Session) GetComments(ctx context.Context, postID string) (*reddit.Thread, error) {
	var out *reddit.Thread
	err := s.run(ctx, reddit.ToolGetComments, postID, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.GetComments(ctx, postID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubredditInfo returns subreddit metadata.
func (s *Session) GetSubredditInfo(ctx context.Context, subreddit string) (*reddit.SubredditInfo, error) {
	var out *reddit.SubredditInfo
	err := s.run(ctx, reddit.ToolGetSubredditInfo, subreddit, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.GetSubredditInfo(ctx, subreddit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostComment replies to a post.
func (s *Session) PostComment(ctx context.Context, postID, text string) (*reddit.CommentReceipt, error) {
	var out *reddit.CommentReceipt
	err := s.run(ctx, reddit.ToolPostComment, postID, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.PostComment(ctx, postID, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePost submits a new post.
func (s *Session) CreatePost(ctx context.Context, subreddit, title string, opts reddit.PostOptions) (*reddit.PostReceipt, error) {
	var out *reddit.PostReceipt
	err := s.run(ctx, reddit.ToolPostToSubreddit, subreddit, func(ctx context.Context, svc *reddit.Service) error {
		var err error
		out, err = svc.CreatePost(ctx, subreddit, title, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tools lists the executor's tools.
func (s *Session) Tools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	var out []mcp.ToolDefinition
	err := s.run(ctx, "tools/list", "", func(ctx context.Context, _ *reddit.Service) error {
		var err error
		out, err = s.client.Load().ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckContract lists the executor's tools and checks that their input
// schemas accept the arguments this session sends. Mismatches are
// reported as *reddit.ContractError values joined together.
func (s *Session) CheckContract(ctx context.Context) error {
	tools, err := s.Tools(ctx)
	if err != nil {
		return err
	}
	schemas := make(map[string]map[string]any, len(tools))
	for _, t := range tools {
		schemas[t.Name] = t.InputSchema
	}
	return reddit.CheckContract(schemas)
}

// Ping checks that the executor answers. A stale session is restarted
// by the ping, so a health watcher calling Ping also heals the session.
func (s *Session) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", "", func(ctx context.Context, _ *reddit.Service) error {
		return s.client.Load().Ping(ctx)
	})
}

// Close shuts the executor down and stops the worker. It waits at most
// the close timeout, never fails, and may be called more than once or
// on a session that was never initialized.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.initialized.Store(false)

		if !s.started.Load() {
			close(s.stop)
			return
		}

		err := s.do(context.Background(), s.cfg.CloseTimeout, errCloseTimeout, func(context.Context) error {
			s.initialized.Store(false)
			if c := s.client.Load(); c != nil {
				return c.Close()
			}
			return nil
		})
		if err != nil {
			s.logger.Debug("executor close failed", "error", err)
			// The worker is stuck behind another job; close the
			// connection from here so that job unblocks.
			if c := s.client.Load(); c != nil {
				_ = c.Close()
			}
		}
		close(s.stop)
		s.logger.Info("session closed")
	})
}
