package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/reddit-agent/internal/buildinfo"
	"github.com/nugget/reddit-agent/internal/calllog"
	"github.com/nugget/reddit-agent/internal/mcp/mcptest"
	"github.com/nugget/reddit-agent/internal/reddit"
)

// TestHelperProcess is not a real test. The config written by
// writeConfig re-executes the test binary with it as the tool executor.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	srv := mcptest.NewServer()
	srv.HandleText("fetchPosts", `{"posts":[{"id":"a1","title":"Hello","score":5}],"subreddit":"golang"}`)
	srv.Handle("searchPosts", func(_ context.Context, args map[string]any) (string, error) {
		data, err := json.Marshal(map[string]any{"posts": []any{}, "query": args["query"]})
		return string(data), err
	})
	_ = srv.Serve(bufio.NewReader(os.Stdin), os.Stdout)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeConfig writes a config that runs TestHelperProcess as the
// executor and returns its path. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`executor:
  command: %q
  args: ["-test.run=^TestHelperProcess$"]
  env: ["GO_WANT_HELPER_PROCESS=1"]
timeouts:
  call_sec: 10
data_dir: %q
log_level: warn
%s`, os.Args[0], filepath.Join(dir, "data"), extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRun_VersionText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, buildinfo.Name) {
		t.Errorf("output should start with %q, got %q", buildinfo.Name, out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("output missing go_version: %q", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout.String())
	}
	if info["name"] != buildinfo.Name {
		t.Errorf("name = %q, want %q", info["name"], buildinfo.Name)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: reddit-agent") {
			t.Errorf("run %v: usage not printed", args)
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command: frobnicate"},
		{[]string{"-verbose", "version"}, "unknown flag: -verbose"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"posts"}, "usage: reddit-agent posts"},
		{[]string{"posts", "golang", "many"}, `invalid limit "many"`},
		{[]string{"search", "golang"}, "usage: reddit-agent search"},
		{[]string{"comments"}, "usage: reddit-agent comments"},
		{[]string{"info", "a", "b"}, "usage: reddit-agent info"},
		{[]string{"comment", "abc123"}, "usage: reddit-agent comment"},
		{[]string{"post", "golang", "Title"}, "usage: reddit-agent post"},
		{[]string{"post", "golang", "Title", "-url"}, "usage: reddit-agent post"},
	}

	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), &stdout, &stderr, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run %v = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestParsePostBody(t *testing.T) {
	tests := []struct {
		rest []string
		want reddit.PostOptions
	}{
		{[]string{"-url", "https://go.dev"}, reddit.PostOptions{URL: "https://go.dev"}},
		{[]string{"-url=https://go.dev"}, reddit.PostOptions{URL: "https://go.dev"}},
		{[]string{"hello", "world"}, reddit.PostOptions{Content: "hello world"}},
	}

	for _, tt := range tests {
		got, err := parsePostBody(tt.rest)
		if err != nil {
			t.Fatalf("parsePostBody %v: %v", tt.rest, err)
		}
		if got != tt.want {
			t.Errorf("parsePostBody %v = %+v, want %+v", tt.rest, got, tt.want)
		}
	}

	if _, err := parsePostBody([]string{"-url", "a", "b"}); err == nil {
		t.Error("parsePostBody with extra words after -url succeeded")
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if st, err := os.Stat(filepath.Join(dir, "data")); err != nil || !st.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	// A second init leaves edits alone.
	if err := os.WriteFile(cfgPath, []byte("custom"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "custom" {
		t.Errorf("config.yaml overwritten: %q", data)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	err := run(context.Background(), &stdout, &stderr, []string{"-config", missing, "posts", "golang"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v, want config file not found", err)
	}
}

func TestRun_Posts(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer

	err := run(testContext(t), &stdout, &stderr, []string{"-config", cfgPath, "posts", "golang", "5"})
	if err != nil {
		t.Fatalf("run posts: %v\nstderr: %s", err, stderr.String())
	}

	var got struct {
		Posts []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"posts"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if len(got.Posts) != 1 || got.Posts[0].ID != "a1" {
		t.Errorf("posts = %+v", got.Posts)
	}
	if !strings.Contains(stdout.String(), "\n  ") {
		t.Errorf("output not indented: %s", stdout.String())
	}
}

func TestRun_Search(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer

	err := run(testContext(t), &stdout, &stderr, []string{"-config", cfgPath, "search", "golang", "generics"})
	if err != nil {
		t.Fatalf("run search: %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"query": "generics"`) {
		t.Errorf("output = %s", stdout.String())
	}
}

func TestRun_InvalidArgumentSkipsExecutorCall(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer

	err := run(testContext(t), &stdout, &stderr, []string{"-config", cfgPath, "comments", "abc/123"})
	var iae *reddit.InvalidArgumentError
	if !errors.As(err, &iae) {
		t.Fatalf("err = %v, want *InvalidArgumentError", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
}

func TestRun_Tools(t *testing.T) {
	cfgPath := writeConfig(t, "")

	var stdout, stderr bytes.Buffer
	if err := run(testContext(t), &stdout, &stderr, []string{"-config", cfgPath, "tools"}); err != nil {
		t.Fatalf("run tools: %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "fetchPosts") || !strings.Contains(stdout.String(), "searchPosts") {
		t.Errorf("tools output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(testContext(t), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "tools"}); err != nil {
		t.Fatalf("run tools json: %v", err)
	}
	var tools []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &tools); err != nil {
		t.Fatalf("tools output is not JSON: %v\n%s", err, stdout.String())
	}
	if len(tools) != 2 {
		t.Errorf("tools = %v", tools)
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_Serve(t *testing.T) {
	port := freePort(t)
	cfgPath := writeConfig(t, fmt.Sprintf(`listen:
  address: 127.0.0.1
  port: %d
call_log:
  enabled: true
  driver: sqlite
dashboard:
  enabled: true
`, port))

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	stdout := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, stdout, stdout, []string{"-config", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{Timeout: 5 * time.Second}

	// The watcher initializes the executor in the background; retry
	// until the first call gets through.
	var body string
	deadline := time.Now().Add(15 * time.Second)
	for {
		resp, err := client.Post(base+"/api/fetch_posts", "application/json", strings.NewReader(`{"subreddit":"golang"}`))
		if err == nil {
			var buf bytes.Buffer
			_, _ = buf.ReadFrom(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				body = buf.String()
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetch_posts never succeeded (last error %v)\nlogs:\n%s", err, stdout.String())
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !strings.Contains(body, `"a1"`) {
		t.Errorf("fetch_posts body = %s", body)
	}

	var healthOut bytes.Buffer
	for {
		healthOut.Reset()
		err := run(ctx, &healthOut, &healthOut, []string{"health", base})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never passed: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if strings.TrimSpace(healthOut.String()) != "healthy" {
		t.Errorf("health output = %q", healthOut.String())
	}

	resp, err := client.Get(base + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /ui/ status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}

	store, err := calllog.NewStore(calllog.DriverPure, filepath.Join(filepath.Dir(cfgPath), "data", "calls.db"), nil)
	if err != nil {
		t.Fatalf("open call log: %v", err)
	}
	defer store.Close()

	recs, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.Operation == "fetchPosts" && rec.Target == "golang" && rec.Success {
			found = true
		}
	}
	if !found {
		t.Errorf("no successful fetchPosts in call log: %+v", recs)
	}
}

func TestRun_HealthUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"unhealthy","error":"executor not ready"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "health", srv.URL + "/"})
	if err == nil || !strings.Contains(err.Error(), "executor not ready") {
		t.Errorf("err = %v, want unhealthy error", err)
	}
	if !strings.Contains(stdout.String(), `"status":"unhealthy"`) {
		t.Errorf("json output = %q", stdout.String())
	}
}
