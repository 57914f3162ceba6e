// Package capture implements [audio.Source] on top of an external recorder
// process (ffmpeg, arecord or sox) that writes raw PCM16 mono to stdout.
//
// The recorder is chosen from the configured command, or the first of
// ffmpeg, arecord and rec found on PATH. The input device is resolved once
// per Start with the platform's enumeration tooling unless one is configured
// explicitly.
//
// Stopping sends a graceful terminate signal and escalates to a hard kill if
// the process is still alive after the grace window.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

const (
	defaultSampleRate = 16000
	defaultFrameDur   = 20 * time.Millisecond
	defaultStopGrace  = 500 * time.Millisecond
	readChunk         = 4096
	frameBuffer       = 64
)

// candidates are tried in order when no command is configured.
var candidates = []string{"ffmpeg", "arecord", "rec"}

// Config holds the capture parameters.
type Config struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int
	// FrameDuration is the length of each emitted frame. Default 20ms.
	FrameDuration time.Duration
	// Device overrides device enumeration when non-empty.
	Device string
	// Command is the recorder binary. Empty selects the first available of
	// ffmpeg, arecord and rec.
	Command string
	// StopGrace is how long Stop waits after the terminate signal before it
	// kills the process. Default 500ms.
	StopGrace time.Duration
}

// Option is a functional option for [New].
type Option func(*Source)

// WithSpawner replaces the process launcher. Tests use this to substitute a
// fake recorder.
func WithSpawner(s Spawner) Option {
	return func(src *Source) { src.spawn = s }
}

// WithResolver replaces device enumeration.
func WithResolver(r Resolver) Option {
	return func(src *Source) { src.resolve = r }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(src *Source) { src.log = l }
}

// Source captures microphone audio from a recorder subprocess.
type Source struct {
	cfg     Config
	spawn   Spawner
	resolve Resolver
	log     *slog.Logger

	errs chan error
	quit chan struct{} // closed by Stop; the reader discards frames after this
	done chan struct{} // closed when the reader goroutine has finished

	mu        sync.Mutex
	started   bool
	recording bool
	stopping  bool
	proc      Process

	stopOnce sync.Once
	stopErr  error
}

// New returns an unstarted Source.
func New(cfg Config, opts ...Option) *Source {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDur
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	s := &Source{
		cfg:     cfg,
		spawn:   ExecSpawner,
		resolve: DefaultResolver,
		log:     slog.Default(),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Factory returns an [audio.SourceFactory] producing Sources with cfg.
func Factory(cfg Config, opts ...Option) audio.SourceFactory {
	return func() audio.Source { return New(cfg, opts...) }
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	stopped := s.stopping
	s.mu.Unlock()
	if stopped {
		close(s.done)
		return nil, errors.New("capture: source already stopped")
	}

	binary := s.binary()
	device := s.cfg.Device
	if device == "" {
		d, err := s.resolve(ctx, binary)
		if err != nil {
			close(s.done)
			return nil, err
		}
		device = d
	}

	proc, err := s.spawn(ctx, binary, commandArgs(binary, device, s.cfg.SampleRate)...)
	if err != nil {
		close(s.done)
		var se *SpawnError
		if !errors.As(err, &se) {
			err = &SpawnError{Binary: binary, Err: err}
		}
		return nil, err
	}

	s.mu.Lock()
	s.proc = proc
	s.recording = true
	// Stop may have raced in while we were spawning.
	if s.stopping {
		s.mu.Unlock()
		_ = proc.Kill()
	} else {
		s.mu.Unlock()
	}

	s.log.Debug("capture: started", "binary", binary, "device", device, "sample_rate", s.cfg.SampleRate)

	frames := make(chan audio.AudioFrame, frameBuffer)
	go s.readLoop(proc, binary, frames)
	return frames, nil
}

// readLoop slices stdout into frames until EOF, then reaps the process.
func (s *Source) readLoop(proc Process, binary string, frames chan<- audio.AudioFrame) {
	defer close(s.done)
	defer close(frames)

	framer := NewFramer(s.cfg.SampleRate, s.cfg.FrameDuration)
	buf := make([]byte, readChunk)
	stdout := proc.Stdout()
	discard := false
	emitted := 0
	for {
		n, err := stdout.Read(buf)
		if n > 0 && !discard {
			for _, f := range framer.Push(buf[:n]) {
				select {
				case frames <- f:
					emitted++
				case <-s.quit:
					// Keep reading until EOF so the process can be reaped.
					discard = true
				}
				if discard {
					break
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isStopping() {
				s.log.Debug("capture: read error", "err", err)
			}
			break
		}
	}

	waitErr := proc.Wait()

	s.mu.Lock()
	s.recording = false
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		return
	}
	ee := &ExitError{Binary: binary, Stderr: proc.Stderr(), Err: waitErr, Frames: emitted}
	s.log.Warn("capture: process exited unexpectedly", "err", ee)
	select {
	case s.errs <- ee:
	default:
	}
}

// Errors implements [audio.Source].
func (s *Source) Errors() <-chan error { return s.errs }

// Recording implements [audio.Source].
func (s *Source) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Stop implements [audio.Source]. It sends a terminate signal, waits up to
// StopGrace for the process to exit and then kills it.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		proc := s.proc
		started := s.started
		s.mu.Unlock()
		close(s.quit)

		if !started || proc == nil {
			return
		}

		if err := proc.Terminate(); err != nil {
			s.log.Debug("capture: terminate failed", "err", err)
		}
		select {
		case <-s.done:
		case <-time.After(s.cfg.StopGrace):
			s.log.Debug("capture: grace window elapsed, killing process")
			s.stopErr = proc.Kill()
			<-s.done
		}
		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()
	})
	return s.stopErr
}

func (s *Source) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Source) binary() string {
	if s.cfg.Command != "" {
		return s.cfg.Command
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c
		}
	}
	return candidates[0]
}
