// Package interrupt plays synthesized speech while listening for the user to
// cut in.
//
// [Coordinator.Speak] races two activities: playback of the synthesized
// text and a live-listening pipeline. Whichever settles first wins. If the
// user says something long enough to be more than echo, playback is cancelled
// and the transcript is returned so it can be used as the next turn's input.
// If the listening side cannot be started, playback carries on without it.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalis/internal/listen"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/provider/tts"
	"github.com/MrWong99/vocalis/pkg/types"
)

// DefaultMinChars is the shortest transcript, in runes after trimming, that
// counts as an interruption.
const DefaultMinChars = 3

// MsgUninterruptible is announced when live listening could not be started
// for a playback.
const MsgUninterruptible = "Interruption is unavailable right now, I will finish speaking first."

// ErrBusy is returned by [Coordinator.Speak] while another playback is
// running.
var ErrBusy = errors.New("interrupt: playback already in progress")

// Listener is the live-listening side of the race. *listen.Listener
// implements it.
type Listener interface {
	Monitor(ctx context.Context, fn func(types.Transcript) bool) (types.Transcript, error)
}

var _ Listener = (*listen.Listener)(nil)

// Outcome is the result of [Coordinator.Speak].
type Outcome struct {
	// Completed is true when playback ran to its end.
	Completed bool

	// Transcript is what the user said when Completed is false.
	Transcript types.Transcript

	// Elapsed is how long the playback ran.
	Elapsed time.Duration
}

// Config wires a [Coordinator].
type Config struct {
	TTS    tts.Provider
	Player audio.Player

	// Listener watches for interruptions. When nil every playback is
	// uninterruptible.
	Listener Listener

	Voice types.VoiceProfile

	// MinChars filters echo of our own speech. Zero means DefaultMinChars.
	MinChars int
}

// Option is a functional option for [New].
type Option func(*Coordinator)

// WithNotifier sets the degraded-mode announcer.
func WithNotifier(n listen.Notifier) Option {
	return func(c *Coordinator) { c.notify = n }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// playback is the single live playback owned by a Coordinator.
type playback struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// Coordinator owns at most one playback at a time.
type Coordinator struct {
	cfg     Config
	notify  listen.Notifier
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	current *playback
}

// New returns a Coordinator. It panics if cfg.TTS or cfg.Player is nil.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.TTS == nil || cfg.Player == nil {
		panic("interrupt: TTS and Player are required")
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	c := &Coordinator{
		cfg:    cfg,
		notify: func(context.Context, string) {},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

func (c *Coordinator) startedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return time.Now()
	}
	return c.current.startedAt
}

// Speaking reports whether a playback is running.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Cancel stops the running playback, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.cancel()
	}
}

func (c *Coordinator) begin(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, nil, ErrBusy
	}
	pctx, cancel := context.WithCancel(ctx)
	c.current = &playback{cancel: cancel, startedAt: time.Now()}
	return pctx, func() {
		cancel()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}, nil
}

// Speak synthesizes and plays text. With interruptible set and a Listener
// configured, speech heard meanwhile that passes the echo guard cancels
// playback and is returned in the Outcome.
func (c *Coordinator) Speak(ctx context.Context, text string, interruptible bool) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{Completed: true}, nil
	}
	ctx, span := observe.StartSpan(ctx, "interrupt.speak")
	defer span.End()

	playCtx, end, err := c.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	var pcm <-chan []byte
	defer func() {
		end()
		if pcm != nil {
			audio.Drain(pcm)
		}
	}()

	start := time.Now()
	raw, err := c.cfg.TTS.SynthesizeStream(playCtx, tts.Single(text), c.cfg.Voice)
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, "tts", "tts", "error")
		return Outcome{}, fmt.Errorf("interrupt: synthesize: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, "tts", "tts", "ok")
	pcm = firstChunk(raw, func() { observe.ObserveSince(ctx, c.metrics.TTSDuration, start) })

	if !interruptible || c.cfg.Listener == nil {
		if err := c.cfg.Player.Play(playCtx, pcm, c.cfg.TTS.SampleRate()); err != nil {
			return c.playbackErr(ctx, playCtx, err)
		}
		return Outcome{Completed: true, Elapsed: time.Since(start)}, nil
	}
	out, err := c.race(ctx, playCtx, pcm)
	out.Elapsed = time.Since(start)
	return out, err
}

// race runs playback against the listener. The first side to settle wins;
// later results from the other side are discarded. A failed playback is
// returned by the group and cancels the listener with it.
func (c *Coordinator) race(ctx, playCtx context.Context, pcm <-chan []byte) (Outcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	listenCtx, stopListening := context.WithCancel(gctx)
	defer stopListening()

	var (
		settle  sync.Once
		outcome Outcome
	)

	g.Go(func() error {
		defer stopListening()
		err := c.cfg.Player.Play(playCtx, pcm, c.cfg.TTS.SampleRate())
		won := false
		settle.Do(func() {
			outcome.Completed = true
			won = true
		})
		if !won {
			return nil
		}
		return err
	})
	g.Go(func() error {
		t, err := c.cfg.Listener.Monitor(listenCtx, c.accept)
		if err != nil {
			if listenCtx.Err() == nil {
				c.log.Warn("interrupt: live listening unavailable, playing uninterruptible", "err", err)
				c.metrics.RecordFallback(ctx, "uninterruptible")
				c.notify(ctx, MsgUninterruptible)
			}
			return nil
		}
		settle.Do(func() {
			outcome.Transcript = t
			c.Cancel()
		})
		return nil
	})
	playErr := g.Wait()

	if !outcome.Completed {
		c.metrics.RecordInterruption(ctx, "interrupted")
		c.log.Info("interrupt: playback cut off by user", "text", outcome.Transcript.Text, "after", time.Since(c.startedAt()))
		return outcome, nil
	}
	if playErr != nil {
		return c.playbackErr(ctx, playCtx, playErr)
	}
	return outcome, nil
}

// playbackErr maps a Play failure. Cancellation by the caller is reported as
// ctx.Err().
func (c *Coordinator) playbackErr(ctx, playCtx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if playCtx.Err() != nil {
		// Cancelled through Cancel.
		return Outcome{}, nil
	}
	return Outcome{}, fmt.Errorf("interrupt: playback: %w", err)
}

// accept is the echo guard.
func (c *Coordinator) accept(t types.Transcript) bool {
	text := strings.TrimSpace(t.Text)
	if utf8.RuneCountInString(text) >= c.cfg.MinChars {
		return true
	}
	if text != "" {
		c.log.Debug("interrupt: ignoring short fragment during playback", "text", text)
		c.metrics.RecordInterruption(context.Background(), "echo_ignored")
	}
	return false
}

// firstChunk relays in and calls fn when the first chunk passes through.
func firstChunk(in <-chan []byte, fn func()) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		first := true
		for b := range in {
			if first {
				fn()
				first = false
			}
			out <- b
		}
	}()
	return out
}
