// Package executor runs the shell commands the planner proposes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds a single command.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxOutput is the number of bytes kept per output stream.
	DefaultMaxOutput = 64 << 10
)

// ErrEmptyCommand is returned for a blank command line.
var ErrEmptyCommand = errors.New("executor: empty command")

// Result describes a finished command. A non-zero ExitCode is not an error.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Truncated is set when either stream exceeded the output cap.
	Truncated bool
}

// Summary returns a short spoken-friendly description of r.
func (r Result) Summary() string {
	if r.ExitCode == 0 {
		return "The command finished successfully."
	}
	line := firstLine(r.Stderr)
	if line == "" {
		line = firstLine(r.Stdout)
	}
	if line == "" {
		return fmt.Sprintf("The command failed with exit code %d.", r.ExitCode)
	}
	return fmt.Sprintf("The command failed with exit code %d: %s", r.ExitCode, line)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Executor runs a command line.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Shell runs commands through "sh -c" in a working directory.
type Shell struct {
	dir       string
	shell     string
	timeout   time.Duration
	maxOutput int
	log       *slog.Logger
}

var _ Executor = (*Shell)(nil)

// Option is a functional option for [NewShell].
type Option func(*Shell)

// WithDir sets the working directory. Default is the process directory.
func WithDir(dir string) Option {
	return func(s *Shell) { s.dir = dir }
}

// WithShell overrides the shell binary. Default "sh".
func WithShell(bin string) Option {
	return func(s *Shell) { s.shell = bin }
}

// WithTimeout sets the per-command timeout. Default [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(s *Shell) { s.timeout = d }
}

// WithMaxOutput caps the bytes kept per stream. Default [DefaultMaxOutput].
func WithMaxOutput(n int) Option {
	return func(s *Shell) { s.maxOutput = n }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Shell) { s.log = l }
}

// NewShell returns a Shell executor.
func NewShell(opts ...Option) *Shell {
	s := &Shell{
		shell:     "sh",
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run implements [Executor]. It returns an error only when the command could
// not be started or was cut off by ctx or the timeout.
func (s *Shell) Run(ctx context.Context, command string) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, ErrEmptyCommand
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	stdout := &capped{max: s.maxOutput}
	stderr := &capped{max: s.maxOutput}
	cmd := exec.CommandContext(ctx, s.shell, "-c", command)
	cmd.Dir = s.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Command:   command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("executor: %q: %w", command, ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("executor: start %q: %w", command, err)
	}
	s.log.Debug("executor: command finished", "command", command, "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// capped is a writer that keeps the first max bytes and discards the rest.
type capped struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.max - c.buf.Len()
	if room < len(p) {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
