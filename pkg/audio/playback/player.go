// Package playback implements [audio.Player] by piping PCM16 mono into an
// external player process (aplay, ffplay or play) on stdin.
//
// A new process is started for every Play call. Cancelling the context kills
// the process, which cuts the audio output immediately.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/MrWong99/vocalis/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// ErrNoPlayer is returned when no supported player binary is installed.
var ErrNoPlayer = errors.New("playback: no audio player found (install aplay, ffplay or sox)")

// Sink receives PCM for one utterance. Close signals end of input; Wait then
// blocks until everything has been played.
type Sink interface {
	io.WriteCloser
	Wait() error
}

// SinkFactory opens a [Sink] for the given sample rate. The sink must stop
// playing as soon as ctx is cancelled.
type SinkFactory func(ctx context.Context, sampleRate int) (Sink, error)

// Option is a functional option for [New].
type Option func(*Player)

// WithCommand forces a specific player binary.
func WithCommand(cmd string) Option {
	return func(p *Player) { p.command = cmd }
}

// WithSinkFactory replaces the subprocess sink. Tests use this to capture
// written audio in memory.
func WithSinkFactory(f SinkFactory) Option {
	return func(p *Player) { p.open = f }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// Player plays PCM through a subprocess.
type Player struct {
	command string
	open    SinkFactory
	log     *slog.Logger
}

// New returns a Player.
func New(opts ...Option) *Player {
	p := &Player{log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.open == nil {
		p.open = p.execSink
	}
	return p
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm <-chan []byte, sampleRate int) error {
	sink, err := p.open(ctx, sampleRate)
	if err != nil {
		return err
	}

	var writeErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case chunk, ok := <-pcm:
			if !ok {
				break loop
			}
			if writeErr != nil {
				continue // keep draining so the producer is not blocked
			}
			if _, err := sink.Write(chunk); err != nil {
				writeErr = fmt.Errorf("playback: write: %w", err)
			}
		}
	}

	_ = sink.Close()
	waitErr := sink.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if writeErr != nil {
		return writeErr
	}
	if waitErr != nil {
		return fmt.Errorf("playback: player exited: %w", waitErr)
	}
	return nil
}

func (p *Player) binary() (string, error) {
	if p.command != "" {
		return p.command, nil
	}
	order := []string{"aplay", "ffplay", "play"}
	if runtime.GOOS != "linux" {
		order = []string{"ffplay", "play"}
	}
	for _, c := range order {
		if _, err := exec.LookPath(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoPlayer
}

func playerArgs(binary string, sampleRate int) []string {
	rate := strconv.Itoa(sampleRate)
	switch binary {
	case "aplay":
		return []string{"-q", "-f", "S16_LE", "-c", "1", "-r", rate, "-t", "raw", "-"}
	case "play":
		return []string{"-q", "-t", "raw", "-r", rate, "-b", "16", "-e", "signed-integer", "-c", "1", "-"}
	default: // ffplay
		return []string{"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "error", "-f", "s16le", "-ar", rate, "-ac", "1", "-i", "-"}
	}
}

type execSink struct {
	io.WriteCloser
	cmd *exec.Cmd
}

func (s *execSink) Wait() error { return s.cmd.Wait() }

func (p *Player) execSink(ctx context.Context, sampleRate int) (Sink, error) {
	binary, err := p.binary()
	if err != nil {
		return nil, err
	}
	// CommandContext kills the player when ctx is cancelled.
	cmd := exec.CommandContext(ctx, binary, playerArgs(binary, sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("playback: start %s: %w", binary, err)
	}
	p.log.Debug("playback: started", "binary", binary, "sample_rate", sampleRate)
	return &execSink{WriteCloser: stdin, cmd: cmd}, nil
}
