// Package turn implements the conversation loop: listen, plan, confirm when
// needed, act, speak.
//
// A [Session] has two states. In [StateListening] every final transcript is
// planned and either executed or parked as a pending action. In
// [StateAwaitingConfirmation] the next transcript is classified as yes, no
// or unclear. An exit directive ends the session from either state.
//
// Low-level failures arrive here as typed outcomes from the listen and
// interrupt packages. Missing audio devices or binaries end the loop, and so
// does a capture that keeps failing; both are reported as [ErrFatal].
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/vocalis/internal/executor"
	"github.com/MrWong99/vocalis/internal/interrupt"
	"github.com/MrWong99/vocalis/internal/listen"
	"github.com/MrWong99/vocalis/internal/memory"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/planner"
	"github.com/MrWong99/vocalis/pkg/audio/capture"
	"github.com/MrWong99/vocalis/pkg/audio/playback"
	"github.com/MrWong99/vocalis/pkg/types"
)

const (
	// DefaultMaxConfirmRetries is how often an unclear confirmation answer
	// is re-prompted before the pending action is dropped.
	DefaultMaxConfirmRetries = 2

	// DefaultConfidenceThreshold is the planner confidence below which run
	// and select actions need a confirmation.
	DefaultConfidenceThreshold = 0.6

	// DefaultMaxCaptureFailures is how many captures in a row may fail before
	// the session gives up.
	DefaultMaxCaptureFailures = 5

	// DefaultCaptureBackoff is the pause after the first failed capture. It
	// grows linearly with every further failure.
	DefaultCaptureBackoff = 200 * time.Millisecond
)

// Spoken messages.
const (
	MsgGoodbye        = "Goodbye."
	MsgNotUnderstood  = "Sorry, I did not catch that."
	MsgPlannerFailed  = "Sorry, I could not work out what to do."
	MsgConfirm        = "Should I go ahead?"
	MsgReprompt       = "Please answer yes or no."
	MsgCancelled      = "Okay, I will not do that."
	MsgGaveUp         = "I did not get a clear answer, so I dropped that request."
	MsgCommandFailed  = "The command could not be run."
	MsgDeviceFailure  = "I cannot access the audio device, ending the session."
	MsgNothingPending = "There is nothing to confirm."
)

// ErrFatal wraps failures that end the session.
var ErrFatal = errors.New("turn: fatal")

// errSkip ends a turn without further processing.
var errSkip = errors.New("turn: skip")

// State is the state of a [Session].
type State int

const (
	StateListening State = iota
	StateAwaitingConfirmation
)

// String returns the state's name.
func (s State) String() string {
	if s == StateAwaitingConfirmation {
		return "awaiting_confirmation"
	}
	return "listening"
}

// Capturer records and transcribes one utterance. *listen.Listener
// implements it.
type Capturer interface {
	CaptureUtterance(ctx context.Context) (listen.Result, error)
}

// Speaker plays text. *interrupt.Coordinator implements it.
type Speaker interface {
	Speak(ctx context.Context, text string, interruptible bool) (interrupt.Outcome, error)
}

var (
	_ Capturer = (*listen.Listener)(nil)
	_ Speaker  = (*interrupt.Coordinator)(nil)
)

// Config wires a [Session].
type Config struct {
	Capturer Capturer
	Speaker  Speaker
	Planner  planner.Planner
	Executor executor.Executor

	// Memory persists the session context after every turn. Nil keeps the
	// context in memory only.
	Memory memory.Store

	// MaxConfirmRetries caps re-prompts on unclear answers. Zero means
	// DefaultMaxConfirmRetries.
	MaxConfirmRetries int

	// ConfidenceThreshold forces confirmation for low-confidence run and
	// select actions. Zero means DefaultConfidenceThreshold.
	ConfidenceThreshold float64

	// Interruptible lets the user cut into replies.
	Interruptible bool

	// MaxCaptureFailures ends the session after that many consecutive failed
	// captures. Zero means DefaultMaxCaptureFailures.
	MaxCaptureFailures int

	// CaptureBackoff is the base pause between failed captures. Zero means
	// DefaultCaptureBackoff; negative disables the pause.
	CaptureBackoff time.Duration
}

// Option is a functional option for [New].
type Option func(*Session)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session runs turns for one [SessionContext]. It is not safe for concurrent
// use.
type Session struct {
	cfg     Config
	sc      *SessionContext
	log     *slog.Logger
	metrics *observe.Metrics

	state   State
	pending *planner.Action
	// pendingText is the request that produced pending.
	pendingText string
	retries     int

	// captureFailures counts failed captures since the last good one.
	captureFailures int

	// carry is an interrupting transcript waiting to be handled as the next
	// turn's input.
	carry *types.Transcript

	// fatal is set when speaking hit a missing output device.
	fatal error
}

// New returns a Session. It panics if Capturer, Speaker, Planner or Executor
// is nil. A nil sc starts a fresh context.
func New(cfg Config, sc *SessionContext, opts ...Option) *Session {
	if cfg.Capturer == nil || cfg.Speaker == nil || cfg.Planner == nil || cfg.Executor == nil {
		panic("turn: Capturer, Speaker, Planner and Executor are required")
	}
	if cfg.MaxConfirmRetries <= 0 {
		cfg.MaxConfirmRetries = DefaultMaxConfirmRetries
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxCaptureFailures <= 0 {
		cfg.MaxCaptureFailures = DefaultMaxCaptureFailures
	}
	if cfg.CaptureBackoff == 0 {
		cfg.CaptureBackoff = DefaultCaptureBackoff
	}
	if sc == nil {
		sc = NewSessionContext()
	}
	s := &Session{cfg: cfg, sc: sc, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", sc.ID)
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Pending returns the action awaiting confirmation, if any.
func (s *Session) Pending() (planner.Action, bool) {
	if s.pending == nil {
		return planner.Action{}, false
	}
	return *s.pending, true
}

// Context returns the session context.
func (s *Session) Context() *SessionContext { return s.sc }

// Run executes turns until an exit directive (returning nil), ctx ends
// (returning ctx.Err()) or a fatal failure (returning an error wrapping
// [ErrFatal]).
func (s *Session) Run(ctx context.Context) error {
	ctx = observe.WithSession(ctx, s.sc.ID)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.log.Info("turn: session started")
	for {
		done, err := s.Step(ctx)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				s.log.Error("turn: session ended on fatal error", "err", err)
			}
			return err
		}
		if done {
			s.log.Info("turn: session ended by user")
			return nil
		}
	}
}

// Step runs one turn. done is true once the user asked to exit.
func (s *Session) Step(ctx context.Context) (done bool, err error) {
	ctx, span := observe.StartSpan(ctx, "turn.step")
	defer span.End()
	start := time.Now()
	defer func() {
		observe.ObserveSince(ctx, s.metrics.TurnDuration, start, observe.Attr("state", s.state.String()))
	}()

	in, mode, err := s.input(ctx)
	if errors.Is(err, errSkip) {
		return false, s.fatalErr()
	}
	if err != nil {
		return false, err
	}
	text := strings.TrimSpace(in.Text)

	if IsExitDirective(text) {
		s.pending = nil
		s.state = StateListening
		s.say(ctx, MsgGoodbye, false)
		s.persist(ctx, memory.TurnRecord{At: time.Now(), User: text, Reply: MsgGoodbye, Action: string(planner.KindExit), Mode: mode})
		return true, s.fatalErr()
	}

	switch s.state {
	case StateAwaitingConfirmation:
		return s.confirm(ctx, text, mode)
	default:
		return s.listen(ctx, text, mode)
	}
}

// input returns the next user transcript and the path that produced it.
func (s *Session) input(ctx context.Context) (types.Transcript, string, error) {
	if s.carry != nil {
		t := *s.carry
		s.carry = nil
		return t, "interrupt", nil
	}
	res, err := s.cfg.Capturer.CaptureUtterance(ctx)
	if err == nil {
		s.captureFailures = 0
		return res.Transcript, res.Mode.String(), nil
	}
	if ctx.Err() != nil {
		return types.Transcript{}, "", ctx.Err()
	}
	if deviceFailure(err) {
		s.say(ctx, MsgDeviceFailure, false)
		return types.Transcript{}, "", fmt.Errorf("%w: capture: %w", ErrFatal, err)
	}
	s.captureFailures++
	if s.captureFailures >= s.cfg.MaxCaptureFailures {
		s.say(ctx, MsgDeviceFailure, false)
		return types.Transcript{}, "", fmt.Errorf("%w: capture failed %d times in a row: %w", ErrFatal, s.captureFailures, err)
	}
	s.log.Warn("turn: capture failed, skipping turn", "err", err, "failures", s.captureFailures)
	s.say(ctx, MsgNotUnderstood, false)
	if err := s.backoff(ctx); err != nil {
		return types.Transcript{}, "", err
	}
	return types.Transcript{}, "", errSkip
}

// backoff pauses before the next capture attempt.
func (s *Session) backoff(ctx context.Context) error {
	if s.cfg.CaptureBackoff < 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.CaptureBackoff * time.Duration(s.captureFailures))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) listen(ctx context.Context, text, mode string) (bool, error) {
	if text == "" {
		s.log.Debug("turn: empty transcript")
		return false, nil
	}

	planStart := time.Now()
	action, err := s.cfg.Planner.Plan(ctx, planner.Request{
		Text:          text,
		LastQuestion:  s.sc.LastQuestion,
		SelectedFiles: s.sc.SelectedFiles,
		ResponseStyle: s.sc.ResponseStyle,
		History:       s.sc.History,
	})
	observe.ObserveSince(ctx, s.metrics.PlannerDuration, planStart)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("turn: planning failed", "err", err)
		s.say(ctx, MsgPlannerFailed, s.cfg.Interruptible)
		return false, s.fatalErr()
	}
	s.sc.LastQuestion = text
	s.log.Debug("turn: planned", "kind", action.Kind, "confidence", action.Confidence)

	if action.Kind == planner.KindExit {
		s.say(ctx, replyOr(action.Reply, MsgGoodbye), false)
		s.persist(ctx, memory.TurnRecord{At: time.Now(), User: text, Reply: action.Reply, Action: string(action.Kind), Mode: mode})
		return true, s.fatalErr()
	}

	if s.needsConfirmation(action) {
		s.state = StateAwaitingConfirmation
		s.pending = &action
		s.pendingText = text
		s.retries = 0
		prompt := strings.TrimSpace(action.Reply + " " + MsgConfirm)
		s.say(ctx, prompt, s.cfg.Interruptible)
		return false, s.fatalErr()
	}

	return false, s.execute(ctx, text, mode, action, true)
}

func (s *Session) confirm(ctx context.Context, text, mode string) (bool, error) {
	if s.pending == nil {
		s.state = StateListening
		s.say(ctx, MsgNothingPending, false)
		return false, s.fatalErr()
	}

	answer := ClassifyConfirmation(text)
	s.log.Debug("turn: confirmation answer", "text", text, "answer", answer)

	switch answer {
	case AnswerYes:
		action, request := *s.pending, s.pendingText
		s.clearPending()
		return false, s.execute(ctx, request, mode, action, false)

	case AnswerNo:
		action := *s.pending
		s.clearPending()
		s.say(ctx, MsgCancelled, s.cfg.Interruptible)
		s.persist(ctx, memory.TurnRecord{At: time.Now(), User: text, Reply: MsgCancelled, Action: string(action.Kind) + ":declined", Mode: mode})
		return false, s.fatalErr()

	default:
		s.retries++
		if s.retries > s.cfg.MaxConfirmRetries {
			s.log.Info("turn: confirmation retries exhausted, dropping action", "retries", s.retries-1)
			s.clearPending()
			s.say(ctx, MsgGaveUp, s.cfg.Interruptible)
			return false, s.fatalErr()
		}
		s.say(ctx, MsgReprompt, s.cfg.Interruptible)
		return false, s.fatalErr()
	}
}

func (s *Session) clearPending() {
	s.state = StateListening
	s.pending = nil
	s.pendingText = ""
	s.retries = 0
}

func (s *Session) needsConfirmation(a planner.Action) bool {
	switch a.Kind {
	case planner.KindRun, planner.KindSelectFiles:
		return a.RequiresConfirmation || a.Confidence < s.cfg.ConfidenceThreshold
	default:
		return false
	}
}

// execute carries out a planned action and speaks the result. announce
// controls whether the action's reply is spoken before its result; it was
// already spoken as part of a confirmation prompt otherwise.
func (s *Session) execute(ctx context.Context, text, mode string, a planner.Action, announce bool) error {
	rec := memory.TurnRecord{At: time.Now(), User: text, Action: string(a.Kind), Mode: mode}

	switch a.Kind {
	case planner.KindRun:
		res, err := s.cfg.Executor.Run(ctx, a.Command)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.log.Warn("turn: command failed", "command", a.Command, "err", err)
			rec.Reply = MsgCommandFailed
			rec.ExitCode = -1
		default:
			rec.Reply = res.Summary()
			rec.ExitCode = res.ExitCode
		}
		if announce && a.Reply != "" {
			rec.Reply = a.Reply + " " + rec.Reply
		}

	case planner.KindSelectFiles:
		s.sc.SelectedFiles = append([]string(nil), a.Files...)
		rec.Reply = replyOr(a.Reply, fmt.Sprintf("Selected %d files.", len(a.Files)))

	default:
		rec.Reply = replyOr(a.Reply, MsgNotUnderstood)
	}

	s.say(ctx, rec.Reply, s.cfg.Interruptible)
	s.persist(ctx, rec)
	return s.fatalErr()
}

// say speaks text. Speaker failures are logged; an interrupting transcript
// is kept for the next turn. A missing output device is remembered and
// reported by fatalErr.
func (s *Session) say(ctx context.Context, text string, interruptible bool) {
	out, err := s.cfg.Speaker.Speak(ctx, text, interruptible)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if deviceFailure(err) {
			s.fatal = fmt.Errorf("%w: playback: %w", ErrFatal, err)
			return
		}
		s.log.Warn("turn: speaking failed", "err", err)
		return
	}
	if !out.Completed && strings.TrimSpace(out.Transcript.Text) != "" {
		t := out.Transcript
		s.carry = &t
	}
}

func (s *Session) persist(ctx context.Context, rec memory.TurnRecord) {
	s.sc.record(rec)
	if s.cfg.Memory == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.cfg.Memory.AppendTurn(ctx, s.sc.ID, rec); err != nil {
		s.log.Warn("turn: failed to persist turn", "err", err)
	}
	if err := s.cfg.Memory.Save(ctx, s.sc.Snapshot()); err != nil {
		s.log.Warn("turn: failed to persist session", "err", err)
	}
}

func (s *Session) fatalErr() error { return s.fatal }

func deviceFailure(err error) bool {
	return errors.Is(err, capture.ErrDeviceUnavailable) ||
		errors.Is(err, capture.ErrSpawn) ||
		errors.Is(err, playback.ErrNoPlayer)
}

func replyOr(reply, fallback string) string {
	if strings.TrimSpace(reply) == "" {
		return fallback
	}
	return reply
}
