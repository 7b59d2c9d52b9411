package mcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// defaultGracePeriod is how long Close waits for the executor to exit
// after its stdin is closed before killing it.
const defaultGracePeriod = 5 * time.Second

// StdioConfig configures a transport that runs the tool executor as a
// subprocess and talks to it over stdin/stdout using newline-delimited
// JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment. Reddit credentials travel this way.
	Env []string

	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string

	// MaxLineBytes bounds a single line of executor output. Zero
	// means 16 MiB.
	MaxLineBytes int

	// GracePeriod is how long Close waits for a clean exit before
	// killing the process. Zero means 5 seconds.
	GracePeriod time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport owns the executor subprocess and its three pipes.
// stdout carries protocol envelopes; stderr is diagnostics only and is
// logged at debug level.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// writeMu serializes Send. The write itself runs without mu so
	// that a write stuck on a full pipe never blocks Close or abandon.
	writeMu sync.Mutex

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	codec *lineCodec

	// lost is set when the process was torn down because a read was
	// abandoned or the stream ended. Send and Receive report
	// ErrConnectionClosed until the next Start.
	lost bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("executor", cfg.Command),
	}
}

// Start launches the subprocess if it is not already running. The
// subprocess lifecycle is independent of ctx; it survives individual
// calls and is only terminated by Close or by an abandoned Send or
// Receive.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting executor subprocess", "args", t.config.Args)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Command: t.config.Command, Err: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &SpawnError{Command: t.config.Command, Err: err}
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &SpawnError{Command: t.config.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &SpawnError{Command: t.config.Command, Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.codec = newLineCodec(stdout, stdin, t.config.MaxLineBytes)
	t.lost = false

	go t.drainStderr(stderrPipe)

	t.logger.Info("executor subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("executor stderr", "line", scanner.Text())
	}
}

// writeResult is the outcome of a single message write.
type writeResult struct {
	data []byte
	err  error
}

// Send writes msg to the subprocess stdin as one line. The write runs in
// a goroutine so ctx can interrupt it; an executor that stops reading
// fills the pipe, and killing it is the only way to release the writer.
func (t *StdioTransport) Send(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	cmd := t.cmd
	codec := t.codec
	lost := t.lost
	t.mu.Unlock()

	switch {
	case lost:
		return &WriteError{Err: ErrConnectionClosed}
	case cmd == nil:
		return &WriteError{Err: ErrNotStarted}
	}

	ch := make(chan writeResult, 1)
	go func() {
		data, err := codec.writeMessage(msg)
		ch <- writeResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		t.abandon(cmd)
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			t.abandon(cmd)
			return &WriteError{Err: res.err}
		}
		t.logger.Log(ctx, levelTrace, "sent envelope", "envelope", string(res.data))
		return nil
	}
}

// Receive reads the next message from the subprocess stdout. The read
// runs in a goroutine so ctx can interrupt it; when ctx ends first the
// subprocess is killed to release the reader.
func (t *StdioTransport) Receive(ctx context.Context) (*Response, error) {
	t.mu.Lock()
	cmd := t.cmd
	codec := t.codec
	lost := t.lost
	t.mu.Unlock()

	switch {
	case lost:
		return nil, ErrConnectionClosed
	case cmd == nil:
		return nil, ErrNotStarted
	}

	resp, err := receiveWithContext(ctx, codec, func() { t.abandon(cmd) })
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			t.abandon(cmd)
		}
		return nil, err
	}
	t.logger.Log(ctx, levelTrace, "received envelope", "envelope", string(resp.Raw))
	return resp, nil
}

// abandon tears cmd down after a failed or cancelled read or write. It
// does nothing when cmd has already been stopped or replaced.
func (t *StdioTransport) abandon(cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd != cmd {
		return
	}
	t.logger.Warn("tearing down executor subprocess", "pid", t.cmd.Process.Pid)
	t.teardown()
}

// Close closes the subprocess stdin, waits for it to exit, and kills it
// if it does not exit within the grace period. A Send blocked on a full
// pipe fails once stdin is closed. Closing a transport that was never
// started, or is already closed, returns nil.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lost = false
	return t.stop()
}

// stop terminates the subprocess gracefully. Caller must hold t.mu.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping executor subprocess", "pid", t.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	cmd := t.cmd
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(t.config.GracePeriod):
		t.logger.Warn("executor did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		err = nil
	}

	t.cmd = nil
	t.stdin = nil
	t.codec = nil
	return err
}

// teardown kills the process immediately and marks the transport lost.
// Caller must hold t.mu.
func (t *StdioTransport) teardown() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.codec = nil
	t.lost = true
}

// Running reports whether the subprocess is believed to be running.
func (t *StdioTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil
}
