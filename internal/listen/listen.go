// Package listen captures one user utterance and turns it into a final
// transcript.
//
// A [Listener] wires a fresh audio source, a VAD session, an utterance
// [segment.Segmenter] and a streaming STT session together for every call.
// If the streaming backend cannot be reached, or fails while the utterance
// is open, the utterance is abandoned, everything is torn down and a single
// batch attempt is made instead: a fixed-length recording is saved as WAV
// and submitted once to the batch transcriber.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/segment"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/provider/vad"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Defaults applied by [New] for zero Config fields.
const (
	DefaultSampleRate    = 16000
	DefaultCommitTimeout = 3 * time.Second
	DefaultBatchRecord   = 5 * time.Second
)

// MsgSimplerMode is announced when streaming transcription is abandoned for
// the batch path.
const MsgSimplerMode = "Live transcription is unavailable, switching to simpler mode."

var (
	// ErrNoFallback is returned when streaming fails and no batch
	// transcriber is configured.
	ErrNoFallback = errors.New("listen: streaming failed and no batch transcriber is configured")

	// ErrNoStream is returned by [Listener.Monitor] when no streaming
	// backend is configured.
	ErrNoStream = errors.New("listen: no streaming transcription backend")

	// ErrSourceEnded is returned when the audio source closes before any
	// audio was captured.
	ErrSourceEnded = errors.New("listen: audio source ended")
)

// Mode records which transcription path produced a [Result].
type Mode int

const (
	ModeStreaming Mode = iota
	ModeBatch
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "streaming"
}

// Result is the outcome of one captured utterance.
type Result struct {
	// Transcript is always a final; empty Text means no speech was
	// recognised.
	Transcript types.Transcript

	// AudioPath is the WAV recording submitted on the batch path. Empty in
	// streaming mode.
	AudioPath string

	Mode Mode

	// Reason is what ended the utterance in streaming mode.
	Reason segment.Reason
}

// Notifier announces degraded operation to the user, e.g. by speaking or
// printing msg.
type Notifier func(ctx context.Context, msg string)

// Config wires the collaborators of a [Listener].
type Config struct {
	// Sources builds a new audio source per capture. Required.
	Sources audio.SourceFactory

	// VAD classifies frames. Required.
	VAD vad.Engine

	// Stream is the streaming transcription backend. When nil every capture
	// takes the batch path.
	Stream stt.Provider

	// Batch is the one-shot fallback transcriber. May be nil.
	Batch stt.BatchTranscriber

	SampleRate int
	FrameMs    int
	Language   string

	// VADThreshold is handed to the VAD engine; zero selects its default.
	VADThreshold float64

	Segment segment.Config

	// CommitTimeout bounds the wait for a final after commit. On expiry the
	// utterance yields an empty final.
	CommitTimeout time.Duration

	// BatchRecord is how much audio the batch path records.
	BatchRecord time.Duration

	// AudioDir receives batch recordings. Empty uses os.TempDir.
	AudioDir string
}

// Option is a functional option for [New].
type Option func(*Listener)

// WithNotifier sets the degraded-mode announcer.
func WithNotifier(n Notifier) Option {
	return func(l *Listener) { l.notify = n }
}

// WithPartialHandler registers fn to receive the latest partial transcript
// whenever the segmenter asks for one. Each partial replaces the previous
// one.
func WithPartialHandler(fn func(types.Transcript)) Option {
	return func(l *Listener) { l.onPartial = fn }
}

// WithStreamFailureHandler registers fn to be told about every failure of
// an open streaming session, e.g. to feed a circuit breaker.
func WithStreamFailureHandler(fn func(error)) Option {
	return func(l *Listener) { l.onStreamFail = fn }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) { l.log = log }
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// Listener captures utterances. Calls may run concurrently; each one owns
// its own source and STT session.
type Listener struct {
	cfg       Config
	notify    Notifier
	onPartial func(types.Transcript)
	log       *slog.Logger
	metrics   *observe.Metrics

	onStreamFail func(error)
}

// New returns a Listener. It panics if cfg.Sources or cfg.VAD is nil.
func New(cfg Config, opts ...Option) *Listener {
	if cfg.Sources == nil || cfg.VAD == nil {
		panic("listen: Sources and VAD are required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.BatchRecord <= 0 {
		cfg.BatchRecord = DefaultBatchRecord
	}
	l := &Listener{
		cfg:    cfg,
		notify: func(context.Context, string) {},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// CaptureUtterance records until the segmenter finalizes one utterance.
func (l *Listener) CaptureUtterance(ctx context.Context) (Result, error) {
	return l.Capture(ctx, nil)
}

// Capture is [Listener.CaptureUtterance] with a manual stop: closing stop
// finalizes the utterance immediately.
//
// Errors are returned for a missing device, a capture process that cannot
// start or dies, a failed batch attempt and cancellation. Streaming backend
// failures are not errors; they switch to the batch path once.
func (l *Listener) Capture(ctx context.Context, stop <-chan struct{}) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "listen.capture")
	defer span.End()

	if l.cfg.Stream == nil {
		return l.batch(ctx, stop)
	}
	res, err := l.stream(ctx, stop)
	if err == nil || !fallbackable(err) {
		return res, err
	}

	l.log.Warn("listen: streaming transcription failed, falling back to batch", "err", err)
	l.metrics.RecordProviderError(ctx, "stream", "stt")
	l.metrics.RecordFallback(ctx, "batch_stt")
	l.notify(ctx, MsgSimplerMode)
	return l.batch(ctx, stop)
}

// fallbackable reports whether err came from the streaming backend rather
// than from the device or the caller.
func fallbackable(err error) bool {
	return errors.Is(err, stt.ErrConnection) ||
		errors.Is(err, stt.ErrMidStream) ||
		errors.Is(err, stt.ErrSessionClosed)
}

// pipeline holds the live resources of one streaming capture.
type pipeline struct {
	src  audio.Source
	sess stt.SessionHandle
	vad  vad.SessionHandle
	once sync.Once
}

// close tears everything down once. Safe on a partially opened pipeline.
func (p *pipeline) close() {
	p.once.Do(func() {
		if p.src != nil {
			_ = p.src.Stop()
		}
		if p.sess != nil {
			_ = p.sess.Close()
		}
		if p.vad != nil {
			_ = p.vad.Close()
		}
	})
}

// open connects the STT session first so that a backend outage never spawns
// a capture process.
func (l *Listener) open(ctx context.Context) (*pipeline, <-chan audio.AudioFrame, error) {
	p := &pipeline{}
	sess, err := l.cfg.Stream.StartStream(ctx, stt.StreamConfig{
		SampleRate: l.cfg.SampleRate,
		Channels:   1,
		Language:   l.cfg.Language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !errors.Is(err, stt.ErrConnection) {
			err = fmt.Errorf("%w: %w", stt.ErrConnection, err)
		}
		return nil, nil, fmt.Errorf("listen: start stream: %w", err)
	}
	p.sess = sess

	vs, err := l.cfg.VAD.NewSession(vad.Config{
		SampleRate:      l.cfg.SampleRate,
		FrameSizeMs:     l.cfg.FrameMs,
		SpeechThreshold: l.cfg.VADThreshold,
	})
	if err != nil {
		p.close()
		return nil, nil, fmt.Errorf("listen: vad session: %w", err)
	}
	p.vad = vs

	p.src = l.cfg.Sources()
	frames, err := p.src.Start(ctx)
	if err != nil {
		p.close()
		return nil, nil, fmt.Errorf("listen: start audio source: %w", err)
	}
	return p, frames, nil
}

// speech classifies f. A VAD failure counts as silence.
func (l *Listener) speech(vs vad.SessionHandle, f audio.AudioFrame) bool {
	ev, err := vs.ProcessFrame(f.Data)
	if err != nil {
		l.log.Debug("listen: vad failed, treating frame as silence", "err", err)
		return false
	}
	return ev.IsSpeech()
}

func (l *Listener) stream(ctx context.Context, stop <-chan struct{}) (Result, error) {
	p, frames, err := l.open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.close()

	seg := segment.New(l.cfg.Segment)
	partials := p.sess.Partials()
	var latest *types.Transcript

	for {
		var (
			ev    segment.Event
			fired bool
		)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()

		case <-stop:
			stop = nil
			ev, fired = seg.Stop()
			if !fired {
				// Nothing was captured; there is no utterance to commit.
				return Result{Transcript: types.Transcript{IsFinal: true}, Reason: segment.ReasonManual}, nil
			}

		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-p.src.Errors():
					return Result{}, fmt.Errorf("listen: audio source: %w", err)
				default:
				}
				if ev, fired = seg.Stop(); !fired {
					return Result{}, ErrSourceEnded
				}
				break
			}
			if err := p.sess.SendAudio(f.Data); err != nil {
				return Result{}, fmt.Errorf("listen: send audio: %w", err)
			}
			ev, fired = seg.Push(f, l.speech(p.vad, f))

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			latest = &t
			continue

		case t, ok := <-p.sess.Finals():
			if !ok {
				return Result{}, l.midStream(stt.ErrSessionClosed)
			}
			// The backend closed the utterance on its own.
			t.IsFinal = true
			l.metrics.RecordUtterance(ctx, "backend", ModeStreaming.String())
			return Result{Transcript: t, Mode: ModeStreaming}, nil

		case err := <-p.sess.Errors():
			return Result{}, l.midStream(err)

		case err := <-p.src.Errors():
			return Result{}, fmt.Errorf("listen: audio source: %w", err)
		}

		if !fired {
			continue
		}
		if ev.Type == segment.EventPartial {
			if latest != nil && l.onPartial != nil {
				l.onPartial(*latest)
			}
			continue
		}

		// The utterance is final: stop capturing before asking for text.
		_ = p.src.Stop()
		l.metrics.RecordUtterance(ctx, ev.Reason.String(), ModeStreaming.String())
		return l.commit(ctx, p, ev)
	}
}

// commit requests the final for ev and waits at most CommitTimeout for it.
// Partials arriving meanwhile belong to the closed utterance and are dropped.
func (l *Listener) commit(ctx context.Context, p *pipeline, ev segment.Event) (Result, error) {
	start := time.Now()
	if err := p.sess.Commit(); err != nil {
		return Result{}, fmt.Errorf("listen: commit: %w", err)
	}

	timer := time.NewTimer(l.cfg.CommitTimeout)
	defer timer.Stop()

	partials := p.sess.Partials()
	for {
		select {
		case t, ok := <-p.sess.Finals():
			if !ok {
				return Result{}, l.midStream(stt.ErrSessionClosed)
			}
			observe.ObserveSince(ctx, l.metrics.STTDuration, start, observe.Attr("mode", ModeStreaming.String()))
			t.IsFinal = true
			return Result{Transcript: t, Mode: ModeStreaming, Reason: ev.Reason}, nil

		case _, ok := <-partials:
			if !ok {
				partials = nil
			}

		case err := <-p.sess.Errors():
			return Result{}, l.midStream(err)

		case <-timer.C:
			l.log.Warn("listen: no final transcript after commit, treating as empty",
				"timeout", l.cfg.CommitTimeout, "utterance", ev.Utterance)
			return Result{
				Transcript: types.Transcript{IsFinal: true, Timestamp: ev.At},
				Mode:       ModeStreaming,
				Reason:     ev.Reason,
			}, nil

		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// midStream reports a failure of an open streaming session to the stream
// failure hook and wraps it as ErrMidStream. A nil err comes from a closed
// Errors channel and means the session went away.
func (l *Listener) midStream(err error) error {
	if err == nil {
		err = stt.ErrSessionClosed
	}
	if l.onStreamFail != nil {
		l.onStreamFail(err)
	}
	if errors.Is(err, stt.ErrMidStream) || errors.Is(err, stt.ErrConnection) {
		return fmt.Errorf("listen: %w", err)
	}
	return fmt.Errorf("listen: %w: %w", stt.ErrMidStream, err)
}

// batch records BatchRecord of audio with a fresh source, saves it and
// submits it once.
func (l *Listener) batch(ctx context.Context, stop <-chan struct{}) (Result, error) {
	if l.cfg.Batch == nil {
		return Result{}, ErrNoFallback
	}

	src := l.cfg.Sources()
	defer src.Stop()
	frames, err := src.Start(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listen: start audio source: %w", err)
	}

	var (
		buf      []audio.AudioFrame
		recorded time.Duration
	)
record:
	for recorded < l.cfg.BatchRecord {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-stop:
			break record
		case err := <-src.Errors():
			return Result{}, fmt.Errorf("listen: audio source: %w", err)
		case f, ok := <-frames:
			if !ok {
				break record
			}
			buf = append(buf, f)
			recorded += f.Duration()
		}
	}
	_ = src.Stop()
	l.metrics.RecordUtterance(ctx, "recorded", ModeBatch.String())

	if len(buf) == 0 {
		return Result{Transcript: types.Transcript{IsFinal: true}, Mode: ModeBatch}, nil
	}

	pcm := audio.Concat(buf)
	path, err := l.saveWAV(pcm)
	if err != nil {
		l.log.Warn("listen: could not save batch recording", "err", err)
	}

	start := time.Now()
	t, err := l.cfg.Batch.Transcribe(ctx, pcm, stt.StreamConfig{
		SampleRate: l.cfg.SampleRate,
		Channels:   1,
		Language:   l.cfg.Language,
	})
	if err != nil {
		l.metrics.RecordProviderRequest(ctx, "batch", "stt", "error")
		return Result{AudioPath: path, Mode: ModeBatch}, fmt.Errorf("listen: batch transcription: %w", err)
	}
	l.metrics.RecordProviderRequest(ctx, "batch", "stt", "ok")
	observe.ObserveSince(ctx, l.metrics.STTDuration, start, observe.Attr("mode", ModeBatch.String()))

	t.IsFinal = true
	t.Timestamp = recorded
	return Result{Transcript: t, AudioPath: path, Mode: ModeBatch}, nil
}

func (l *Listener) saveWAV(pcm []byte) (string, error) {
	f, err := os.CreateTemp(l.cfg.AudioDir, "vocalis-*.wav")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(audio.EncodeWAV(pcm, l.cfg.SampleRate, 1)); err != nil {
		f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}
