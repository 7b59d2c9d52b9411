package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nugget/reddit-agent/internal/config"
	"github.com/nugget/reddit-agent/internal/reddit"
	"github.com/nugget/reddit-agent/internal/session"
)

// oneShot is a single Reddit operation run from the command line.
type oneShot struct {
	name string
	call func(ctx context.Context, s *session.Session) (reddit.RawPayload, error)
}

// parseOneShot checks the arguments of a one-shot command before any
// config is loaded or executor started.
func parseOneShot(command string, args []string) (oneShot, error) {
	op := oneShot{name: command}

	switch command {
	case "posts":
		if len(args) < 1 || len(args) > 2 {
			return op, fmt.Errorf("usage: reddit-agent posts <subreddit> [limit]")
		}
		limit, err := parseLimit(args[1:])
		if err != nil {
			return op, err
		}
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.FetchPosts(ctx, args[0], limit)
		}

	case "search":
		if len(args) < 2 || len(args) > 3 {
			return op, fmt.Errorf("usage: reddit-agent search <subreddit> <query> [limit]")
		}
		limit, err := parseLimit(args[2:])
		if err != nil {
			return op, err
		}
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.SearchPosts(ctx, args[0], args[1], limit)
		}

	case "comments":
		if len(args) != 1 {
			return op, fmt.Errorf("usage: reddit-agent comments <post_id>")
		}
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.GetComments(ctx, args[0])
		}

	case "info":
		if len(args) != 1 {
			return op, fmt.Errorf("usage: reddit-agent info <subreddit>")
		}
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.GetSubredditInfo(ctx, args[0])
		}

	case "comment":
		if len(args) < 2 {
			return op, fmt.Errorf("usage: reddit-agent comment <post_id> <text>")
		}
		text := strings.Join(args[1:], " ")
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.PostComment(ctx, args[0], text)
		}

	case "post":
		if len(args) < 3 {
			return op, fmt.Errorf("usage: reddit-agent post <subreddit> <title> [-url u | text...]")
		}
		opts, err := parsePostBody(args[2:])
		if err != nil {
			return op, err
		}
		op.call = func(ctx context.Context, s *session.Session) (reddit.RawPayload, error) {
			return s.CreatePost(ctx, args[0], args[1], opts)
		}

	default:
		return op, fmt.Errorf("unknown command: %s", command)
	}

	return op, nil
}

// parsePostBody reads the body of a new post: "-url u" (or -url=u) for
// a link post, otherwise the remaining words as text.
func parsePostBody(rest []string) (reddit.PostOptions, error) {
	var opts reddit.PostOptions
	switch {
	case rest[0] == "-url" && len(rest) == 2:
		opts.URL = rest[1]
	case strings.HasPrefix(rest[0], "-url=") && len(rest) == 1:
		opts.URL = strings.TrimPrefix(rest[0], "-url=")
	case strings.HasPrefix(rest[0], "-url"):
		return opts, fmt.Errorf("usage: reddit-agent post <subreddit> <title> [-url u | text...]")
	default:
		opts.Content = strings.Join(rest, " ")
	}
	return opts, nil
}

// parseLimit reads an optional trailing limit argument. Zero means the
// executor's default.
func parseLimit(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: must be a number", args[0])
	}
	return n, nil
}

// withSession loads config, starts the executor, and runs fn against an
// initialized session. Logs go to stderr so stdout carries only the
// command's output.
func withSession(ctx context.Context, stderr io.Writer, configPath string, fn func(ctx context.Context, s *session.Session) error) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, max(level, slog.LevelWarn), cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess := newSession(cfg, logger)
	defer sess.Close()

	if err := sess.Initialize(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	return fn(ctx, sess)
}

// runOneShot runs op and prints the executor's payload as indented JSON.
func runOneShot(ctx context.Context, stdout, stderr io.Writer, configPath string, op oneShot) error {
	return withSession(ctx, stderr, configPath, func(ctx context.Context, s *session.Session) error {
		payload, err := op.call(ctx, s)
		if err != nil {
			return fmt.Errorf("%s: %w", op.name, err)
		}

		var buf bytes.Buffer
		if err := json.Indent(&buf, payload.RawJSON(), "", "  "); err != nil {
			return fmt.Errorf("%s: format output: %w", op.name, err)
		}
		buf.WriteByte('\n')
		_, err = buf.WriteTo(stdout)
		return err
	})
}

// runTools lists the tools the executor advertises.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	return withSession(ctx, stderr, configPath, func(ctx context.Context, s *session.Session) error {
		tools, err := s.Tools(ctx)
		if err != nil {
			return fmt.Errorf("tools: %w", err)
		}

		if outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}
		for _, t := range tools {
			fmt.Fprintf(stdout, "%-20s %s\n", t.Name, firstLine(t.Description))
		}

		schemas := make(map[string]map[string]any, len(tools))
		for _, t := range tools {
			schemas[t.Name] = t.InputSchema
		}
		if err := reddit.CheckContract(schemas); err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", err)
		}
		return nil
	})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
