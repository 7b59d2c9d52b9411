// Reddit-agent fronts a Reddit tool executor with a blocking Go API.
//
// The executor is a subprocess speaking newline-delimited JSON-RPC on
// stdin/stdout. reddit-agent owns its lifecycle, exposes the Reddit
// operations over a small REST API and a dashboard, and offers one-shot
// CLI commands for scripting. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	reddit-agent serve                        Start the API server
//	reddit-agent init [dir]                   Write a default config.yaml
//	reddit-agent posts <subreddit> [limit]    Fetch hot posts
//	reddit-agent tools                        List executor tools
//	reddit-agent health [url]                 Check a running server's health
//	reddit-agent version                      Print version and build information
//	reddit-agent -o json version              Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/reddit-agent/internal/api"
	"github.com/nugget/reddit-agent/internal/buildinfo"
	"github.com/nugget/reddit-agent/internal/calllog"
	"github.com/nugget/reddit-agent/internal/config"
	"github.com/nugget/reddit-agent/internal/connwatch"
	"github.com/nugget/reddit-agent/internal/mcp"
	"github.com/nugget/reddit-agent/internal/mqtt"
	"github.com/nugget/reddit-agent/internal/session"
	"github.com/nugget/reddit-agent/internal/web"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, stdout
// receives command output (and server logs), stderr receives logs from
// one-shot commands, and args is os.Args[1:].
//
// Arguments are parsed by hand; the flag package's globals would keep
// tests from calling run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "posts", "search", "comments", "info", "comment", "post":
		op, err := parseOneShot(command, cmdArgs)
		if err != nil {
			return err
		}
		return runOneShot(ctx, stdout, stderr, configPath, op)
	case "health":
		var baseURL string
		if len(cmdArgs) > 0 {
			baseURL = cmdArgs[0]
		}
		return runHealth(ctx, stdout, configPath, baseURL, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "reddit-agent - Reddit tool executor gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reddit-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the API server and dashboard")
	fmt.Fprintln(w, "  init [dir]                         Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  posts <subreddit> [limit]          Fetch hot posts")
	fmt.Fprintln(w, "  search <subreddit> <query> [limit] Search posts")
	fmt.Fprintln(w, "  comments <post_id>                 Fetch a post and its comments")
	fmt.Fprintln(w, "  info <subreddit>                   Show subreddit details and rules")
	fmt.Fprintln(w, "  comment <post_id> <text>           Reply to a post")
	fmt.Fprintln(w, "  post <subreddit> <title> [-url u | text...]")
	fmt.Fprintln(w, "                                     Submit a link or text post")
	fmt.Fprintln(w, "  tools                              List the executor's tools")
	fmt.Fprintln(w, "  health [url]                       Check a running server (default: config listen address)")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reddit-agent/config.yaml, /etc/reddit-agent/config.yaml")
	return nil
}

// runServe handles "reddit-agent serve". It loads config, wires the
// session to its observers, health watcher, MQTT publisher and HTTP
// server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT publisher announces offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The watcher, session and call log close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting reddit-agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after the startup banner uses the configured level
	// and format. The level was checked by config.Validate.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"executor", cfg.Executor.Command,
		"call_timeout", cfg.Timeouts.Call(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var observers []session.Observer

	// --- Call log ---
	var callStore *calllog.Store
	if cfg.CallLog.Enabled {
		callStore, err = calllog.NewStore(cfg.CallLog.Driver, cfg.CallLogPath(), logger)
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		defer callStore.Close()
		observers = append(observers, callStore)
		logger.Info("call log enabled", "path", cfg.CallLogPath(), "driver", cfg.CallLog.Driver)
	}

	var dailyCalls *mqtt.DailyCalls
	if cfg.MQTT.Configured() {
		dailyCalls = mqtt.NewDailyCalls(nil)
		observers = append(observers, dailyCalls)
	}

	// --- Session ---
	sess := newSession(cfg, logger, observers...)
	defer sess.Close()

	// --- Health watcher ---
	// The watcher performs the initial handshake with retry, so the
	// HTTP server can come up while the executor is still starting.
	backoff := connwatch.DefaultBackoffConfig()
	backoff.PollInterval = time.Duration(cfg.Health.PollIntervalSec) * time.Second
	backoff.ProbeTimeout = time.Duration(cfg.Health.ProbeTimeoutSec) * time.Second

	watcher := connwatch.Start(ctx, connwatch.Config{
		Name:    "executor",
		Probe:   connwatch.SessionProbe(sess),
		Backoff: backoff,
		OnReady: func() {
			info := sess.ServerInfo()
			logger.Info("executor ready", "server", info.Name, "server_version", info.Version)

			checkCtx, checkCancel := context.WithTimeout(ctx, cfg.Timeouts.Call())
			defer checkCancel()
			if err := sess.CheckContract(checkCtx); err != nil {
				logger.Warn("executor tool contract mismatch", "error", err)
			}
		},
		OnDown: func(err error) {
			logger.Warn("executor unavailable", "error", err, "error_kind", session.ErrorKind(err))
		},
		Logger: logger,
	})
	defer watcher.Stop()

	// --- HTTP server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sess, logger)
	server.SetHealthSource(watcher)
	if callStore != nil {
		server.SetCallLog(callStore)
	}

	if cfg.Dashboard.Enabled {
		webCfg := web.Config{
			Reddit:     sess,
			HealthFunc: watcher.Status,
			Logger:     logger,
		}
		if callStore != nil {
			webCfg.CallLog = callStore
		}
		server.AddRoutes(web.NewWebServer(webCfg))
		logger.Info("dashboard enabled", "path", "/ui/")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, dailyCalls, &mqttStatsAdapter{watcher: watcher}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("reddit-agent stopped")
	return nil
}

// newSession builds a session whose transport runs the configured
// executor subprocess.
func newSession(cfg *config.Config, logger *slog.Logger, observers ...session.Observer) *session.Session {
	return session.New(session.Config{
		NewTransport: func() mcp.Transport {
			return mcp.NewStdioTransport(mcp.StdioConfig{
				Command: cfg.Executor.Command,
				Args:    cfg.Executor.Args,
				Env:     cfg.Executor.Env,
				Dir:     cfg.Executor.Dir,
				Logger:  logger,
			})
		},
		InitTimeout:  cfg.Timeouts.Initialize(),
		CallTimeout:  cfg.Timeouts.Call(),
		CloseTimeout: cfg.Timeouts.Close(),
		Observers:    observers,
		Logger:       logger,
	})
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return config.NewLogger(w, level, format)
}

// loadConfig finds and loads the configuration file. It returns the
// parsed config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges build info and the health watcher to the
// MQTT publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	watcher *connwatch.Watcher
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) ExecutorReady() bool   { return a.watcher.IsReady() }
