// Package connwatch keeps an eye on the Reddit executor.
//
// A Watcher runs in two phases:
//  1. Startup: bring the session up, retrying with exponential backoff
//     (2s, 4s, 8s, ... capped at 60s) while the executor fails to start.
//  2. Background: probe every PollInterval and report transitions.
//
// The session restarts a stale executor on the next operation, so a
// periodic ping also heals a session whose last call timed out.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the executor is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Session is the part of session.Session the watcher drives.
type Session interface {
	Initialized() bool
	Initialize(ctx context.Context) error
	Ping(ctx context.Context) error
}

// SessionProbe initializes s on first use and pings it afterwards.
func SessionProbe(s Session) ProbeFunc {
	return func(ctx context.Context) error {
		if !s.Initialized() {
			return s.Initialize(ctx)
		}
		return s.Ping(ctx)
	}
}

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration // default 2s
	MaxDelay     time.Duration // default 60s
	Multiplier   float64       // default 2.0
	MaxRetries   int           // startup attempts, default 10

	// PollInterval is the background probe interval (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe (default 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the watched executor in logs and status.
	Name string

	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// Status is the executor's health, suitable for JSON health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`

	// Failures counts consecutive failed probes.
	Failures int `json:"consecutive_failures"`
}

// Watcher probes one executor session.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// Start launches a watcher that runs until ctx is cancelled or Stop is
// called. It panics if cfg.Probe is nil.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "executor"
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.cfg.Backoff

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("executor ready", "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}

		if attempt == cfg.MaxRetries {
			w.logger.Warn("executor startup failed, entering background polling",
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("executor probe failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.check(ctx)
		}
	}
}

// check runs one probe, records it and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	switch wasReady := w.ready.Load(); {
	case wasReady && err != nil:
		w.ready.Store(false)
		w.logger.Warn("executor became unreachable", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case !wasReady && err == nil:
		w.ready.Store(true)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case !wasReady && err != nil:
		w.logger.Debug("executor still unreachable", "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
