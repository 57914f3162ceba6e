package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
)

// Process is a running capture subprocess.
type Process interface {
	// Stdout is the raw PCM stream.
	Stdout() io.Reader
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill ends the process immediately.
	Kill() error
	// Wait blocks until the process has exited. It must only be called once
	// Stdout has been read to EOF.
	Wait() error
	// Stderr returns the tail of the process's diagnostic output.
	Stderr() string
}

// Spawner starts a capture process.
type Spawner func(ctx context.Context, binary string, args ...string) (Process, error)

// ExecSpawner starts binary with os/exec. A missing binary is reported as a
// [*SpawnError].
func ExecSpawner(_ context.Context, binary string, args ...string) (Process, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	// Not CommandContext: shutdown goes through Terminate so the process gets
	// its grace window.
	cmd := exec.Command(path, args...)
	p := &execProcess{cmd: cmd}
	cmd.Stderr = &p.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	p.stdout = stdout
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr tailBuffer
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	if runtime.GOOS == "windows" {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() error    { return p.cmd.Wait() }
func (p *execProcess) Stderr() string { return p.stderr.String() }

// tailBuffer keeps the last tailLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const tailLimit = 2048

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - tailLimit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
