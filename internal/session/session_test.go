package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/reddit-agent/internal/mcp"
	"github.com/nugget/reddit-agent/internal/mcp/mcptest"
	"github.com/nugget/reddit-agent/internal/reddit"
)

func newTestSession(t *testing.T, srv *mcptest.Server, cfg Config) *Session {
	t.Helper()
	cfg.NewTransport = func() mcp.Transport { return srv.Transport(nil) }
	s := New(cfg)
	t.Cleanup(s.Close)
	t.Cleanup(srv.Close)
	return s
}

// echoSubreddit answers fetchPosts with a listing naming the requested
// subreddit, so callers can check they got their own reply.
func echoSubreddit(_ context.Context, args map[string]any) (string, error) {
	data, err := json.Marshal(map[string]any{
		"posts":     []any{},
		"subreddit": args["subreddit"],
	})
	return string(data), err
}

func TestSession_CloseWithoutInitialize(t *testing.T) {
	s := New(Config{NewTransport: func() mcp.Transport {
		t.Fatal("transport built without Initialize")
		return nil
	}})

	done := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestSession_NotInitialized(t *testing.T) {
	srv := mcptest.NewServer()
	s := newTestSession(t, srv, Config{})

	_, err := s.FetchPosts(context.Background(), "python", 3)
	if !errors.Is(err, mcp.ErrNotInitialized) {
		t.Fatalf("FetchPosts = %v, want ErrNotInitialized", err)
	}
	if srv.Connections() != 0 {
		t.Errorf("executor started before Initialize")
	}
}

func TestSession_FetchPosts(t *testing.T) {
	srv := mcptest.NewServer()
	srv.HandleText("fetchPosts", `{"posts":[{"id":"a1","title":"T","score":5}]}`)
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if srv.Connections() != 1 {
		t.Errorf("connections = %d, want 1", srv.Connections())
	}
	if got := s.ServerInfo().Name; got != "mcptest" {
		t.Errorf("ServerInfo().Name = %q", got)
	}

	listing, err := s.FetchPosts(ctx, "python", 3)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	if string(listing.Raw) != `{"posts":[{"id":"a1","title":"T","score":5}]}` {
		t.Errorf("Raw = %s", listing.Raw)
	}
	if len(listing.Posts) != 1 || listing.Posts[0].ID != "a1" {
		t.Errorf("Posts = %+v", listing.Posts)
	}
}

func TestSession_ErrorsPassThrough(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("getSubredditInfo", func(context.Context, map[string]any) (string, error) {
		return "", &mcp.RPCError{Code: -32000, Message: "Redirect to /subreddits/search"}
	})
	srv.HandleText("getComments", "")
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := s.GetSubredditInfo(ctx, "doesnotexist")
	var tie *mcp.ToolInvocationError
	if !errors.As(err, &tie) {
		t.Fatalf("GetSubredditInfo = %v, want *ToolInvocationError", err)
	}

	_, err = s.GetComments(ctx, "abc123")
	var pde *reddit.PayloadDecodeError
	if !errors.As(err, &pde) {
		t.Fatalf("GetComments = %v, want *PayloadDecodeError", err)
	}

	_, err = s.PostComment(ctx, "abc123", "")
	var iae *reddit.InvalidArgumentError
	if !errors.As(err, &iae) {
		t.Fatalf("PostComment = %v, want *InvalidArgumentError", err)
	}

	// Application errors leave the connection alone.
	if srv.Connections() != 1 {
		t.Errorf("connections = %d, want 1", srv.Connections())
	}
}

func TestSession_ConcurrentCallsCorrelate(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Notify = true
	srv.Handle("fetchPosts", echoSubreddit)
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	const workers, calls = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*calls)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range calls {
				name := fmt.Sprintf("sub_%d_%d", w, i)
				listing, err := s.FetchPosts(ctx, name, 1)
				if err != nil {
					errs <- err
					return
				}
				if listing.Subreddit != name {
					errs <- fmt.Errorf("asked for %s, got %s", name, listing.Subreddit)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if got := len(srv.Calls()); got != workers*calls {
		t.Errorf("executor saw %d calls, want %d", got, workers*calls)
	}
}

func TestSession_CallTimeoutRestarts(t *testing.T) {
	srv := mcptest.NewServer()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv.Handle("searchPosts", func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return `{"posts":[]}`, nil
	})
	srv.Handle("fetchPosts", echoSubreddit)

	s := newTestSession(t, srv, Config{CallTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	start := time.Now()
	_, err := s.SearchPosts(ctx, "golang", "hang", 5)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("SearchPosts = %v, want ErrCallTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ErrCallTimeout should wrap context.DeadlineExceeded")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// The next call restarts the executor and succeeds; the timed-out
	// call is not retried.
	listing, err := s.FetchPosts(ctx, "golang", 1)
	if err != nil {
		t.Fatalf("FetchPosts after timeout: %v", err)
	}
	if listing.Subreddit != "golang" {
		t.Errorf("Subreddit = %q", listing.Subreddit)
	}
	if got := srv.Connections(); got != 2 {
		t.Errorf("connections = %d, want 2 (one restart)", got)
	}

	searches := 0
	for _, c := range srv.Calls() {
		if c.Tool == "searchPosts" {
			searches++
		}
	}
	if searches != 1 {
		t.Errorf("searchPosts sent %d times, want 1", searches)
	}
}

// hangTransport accepts writes and never answers.
type hangTransport struct {
	mu     sync.Mutex
	closed bool
}

func (h *hangTransport) Start(context.Context) error     { return nil }
func (h *hangTransport) Send(context.Context, any) error { return nil }

func (h *hangTransport) Receive(ctx context.Context) (*mcp.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangTransport) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func TestSession_InitializeTimeout(t *testing.T) {
	tr := &hangTransport{}
	s := New(Config{
		NewTransport: func() mcp.Transport { return tr },
		InitTimeout:  100 * time.Millisecond,
		CloseTimeout: time.Second,
	})

	err := s.Initialize(context.Background())
	if !errors.Is(err, ErrInitializeTimeout) {
		t.Fatalf("Initialize = %v, want ErrInitializeTimeout", err)
	}
	if s.Initialized() {
		t.Error("Initialized() = true after timeout")
	}

	s.Close()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		t.Error("partially started transport not closed by Close")
	}
}

func TestSession_InitializeRejected(t *testing.T) {
	srv := mcptest.NewServer()
	srv.InitResult = json.RawMessage(`{}`)
	s := newTestSession(t, srv, Config{})

	err := s.Initialize(context.Background())
	var initErr *mcp.InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("Initialize = %v, want *InitializationError", err)
	}
}

func TestSession_ClosedRejectsCalls(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("fetchPosts", echoSubreddit)
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.Close()

	if _, err := s.FetchPosts(ctx, "golang", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("FetchPosts after Close = %v, want ErrClosed", err)
	}
	if err := s.Initialize(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize after Close = %v, want ErrClosed", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []CallEvent
}

func (r *recordingObserver) ObserveCall(ev CallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestSession_Observers(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("fetchPosts", echoSubreddit)
	obs := &recordingObserver{}
	s := newTestSession(t, srv, Config{Observers: []Observer{obs}})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := s.FetchPosts(ctx, "golang", 2); err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	if _, err := s.GetComments(ctx, "!!"); err == nil {
		t.Fatal("GetComments with bad id succeeded")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) != 2 {
		t.Fatalf("events = %d, want 2", len(obs.events))
	}
	if ev := obs.events[0]; ev.Operation != "fetchPosts" || ev.Target != "golang" || ev.Err != nil {
		t.Errorf("event 0 = %+v", ev)
	}
	if ev := obs.events[1]; ev.Operation != "getComments" || ev.Err == nil {
		t.Errorf("event 1 = %+v", ev)
	}
}

func TestSession_ToolsAndPing(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("fetchPosts", echoSubreddit)
	srv.HandleText("searchPosts", `{"posts":[]}`)
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Ping(ctx); !errors.Is(err, mcp.ErrNotInitialized) {
		t.Errorf("Ping before Initialize = %v, want ErrNotInitialized", err)
	}
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	tools, err := s.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "fetchPosts" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestSession_CheckContract(t *testing.T) {
	srv := mcptest.NewServer()
	for _, tool := range []string{
		reddit.ToolFetchPosts, reddit.ToolSearchPosts, reddit.ToolGetComments,
		reddit.ToolGetSubredditInfo, reddit.ToolPostComment,
	} {
		srv.HandleText(tool, `{}`)
	}
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := s.CheckContract(ctx)
	var ce *reddit.ContractError
	if !errors.As(err, &ce) || ce.Tool != reddit.ToolPostToSubreddit {
		t.Fatalf("CheckContract = %v, want postToSubreddit not advertised", err)
	}
	if !errors.Is(err, reddit.ErrToolNotAdvertised) {
		t.Errorf("CheckContract = %v, want ErrToolNotAdvertised", err)
	}

	srv.HandleText(reddit.ToolPostToSubreddit, `{}`)
	if err := s.CheckContract(ctx); err != nil {
		t.Errorf("CheckContract with all tools = %v", err)
	}
}

func TestSession_ConcurrentInitialize(t *testing.T) {
	srv := mcptest.NewServer()
	s := newTestSession(t, srv, Config{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Initialize(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Initialize: %v", err)
		}
	}
	if got := srv.Connections(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

// countingTransport tracks how many executor connections are open.
type countingTransport struct {
	mcp.Transport
	open    *atomic.Int32
	started atomic.Bool
}

func (c *countingTransport) Start(ctx context.Context) error {
	if err := c.Transport.Start(ctx); err != nil {
		return err
	}
	if c.started.CompareAndSwap(false, true) {
		c.open.Add(1)
	}
	return nil
}

func (c *countingTransport) Close() error {
	if c.started.CompareAndSwap(true, false) {
		c.open.Add(-1)
	}
	return c.Transport.Close()
}

func TestSession_CloseRacingInitialize(t *testing.T) {
	for i := range 50 {
		srv := mcptest.NewServer()
		var open atomic.Int32
		s := New(Config{NewTransport: func() mcp.Transport {
			return &countingTransport{Transport: srv.Transport(nil), open: &open}
		}})

		done := make(chan error, 1)
		go func() { done <- s.Initialize(context.Background()) }()
		s.Close()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Fatalf("round %d: Initialize = %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Initialize did not return", i)
		}
		if n := open.Load(); n != 0 {
			t.Fatalf("round %d: %d executor connections left open after Close", i, n)
		}
		srv.Close()
	}
}

// faultyTransport wraps a working transport and fails on request.
type faultyTransport struct {
	mcp.Transport
	failSend    atomic.Bool
	failReceive atomic.Bool
}

func (f *faultyTransport) Send(ctx context.Context, msg any) error {
	if f.failSend.Load() {
		return &mcp.WriteError{Err: syscall.EPIPE}
	}
	return f.Transport.Send(ctx, msg)
}

// Receive reports one malformed line without consuming the real reply,
// which stays queued behind it.
func (f *faultyTransport) Receive(ctx context.Context) (*mcp.Response, error) {
	if f.failReceive.CompareAndSwap(true, false) {
		return nil, &mcp.MalformedResponseError{Prefix: "Traceback (most recent call last):", Reason: "not JSON"}
	}
	return f.Transport.Receive(ctx)
}

func newFaultySession(t *testing.T, srv *mcptest.Server) (*Session, *[]*faultyTransport) {
	t.Helper()
	var (
		mu         sync.Mutex
		transports []*faultyTransport
	)
	s := New(Config{NewTransport: func() mcp.Transport {
		ft := &faultyTransport{Transport: srv.Transport(nil)}
		mu.Lock()
		transports = append(transports, ft)
		mu.Unlock()
		return ft
	}})
	t.Cleanup(s.Close)
	t.Cleanup(srv.Close)
	return s, &transports
}

func TestSession_WriteFailureRestarts(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("fetchPosts", echoSubreddit)
	s, transports := newFaultySession(t, srv)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	(*transports)[0].failSend.Store(true)

	_, err := s.FetchPosts(ctx, "golang", 1)
	var we *mcp.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("FetchPosts = %v, want *WriteError", err)
	}
	if kind := ErrorKind(err); kind != KindConnection {
		t.Errorf("ErrorKind = %q, want %q", kind, KindConnection)
	}

	listing, err := s.FetchPosts(ctx, "golang", 1)
	if err != nil {
		t.Fatalf("FetchPosts after write failure: %v", err)
	}
	if listing.Subreddit != "golang" {
		t.Errorf("Subreddit = %q", listing.Subreddit)
	}
	if got := srv.Connections(); got != 2 {
		t.Errorf("connections = %d, want 2 (one restart)", got)
	}
}

func TestSession_MalformedReplyRestarts(t *testing.T) {
	srv := mcptest.NewServer()
	srv.Handle("fetchPosts", echoSubreddit)
	s, transports := newFaultySession(t, srv)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	(*transports)[0].failReceive.Store(true)

	_, err := s.FetchPosts(ctx, "python", 1)
	var mre *mcp.MalformedResponseError
	if !errors.As(err, &mre) {
		t.Fatalf("FetchPosts = %v, want *MalformedResponseError", err)
	}

	// The reply to the first call is still queued on the old
	// connection; reading it would be a correlation failure.
	listing, err := s.FetchPosts(ctx, "golang", 1)
	if err != nil {
		t.Fatalf("FetchPosts after malformed reply: %v", err)
	}
	if listing.Subreddit != "golang" {
		t.Errorf("Subreddit = %q, want golang", listing.Subreddit)
	}
	if got := srv.Connections(); got != 2 {
		t.Errorf("connections = %d, want 2 (one restart)", got)
	}
}
