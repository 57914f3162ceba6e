package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vocalis/internal/executor"
	"github.com/MrWong99/vocalis/internal/interrupt"
	"github.com/MrWong99/vocalis/internal/listen"
	"github.com/MrWong99/vocalis/internal/memory"
	"github.com/MrWong99/vocalis/internal/planner"
	"github.com/MrWong99/vocalis/pkg/audio/capture"
	"github.com/MrWong99/vocalis/pkg/audio/playback"
	"github.com/MrWong99/vocalis/pkg/types"
)

// ─── fakes ──────────────────────────────────────────────────────────────────

type captured struct {
	text string
	err  error
}

// scriptCapturer returns its script in order and then ends the context's
// life by reporting context.Canceled.
type scriptCapturer struct {
	script []captured
	calls  int
}

func (c *scriptCapturer) CaptureUtterance(ctx context.Context) (listen.Result, error) {
	if err := ctx.Err(); err != nil {
		return listen.Result{}, err
	}
	if c.calls >= len(c.script) {
		return listen.Result{}, context.Canceled
	}
	next := c.script[c.calls]
	c.calls++
	if next.err != nil {
		return listen.Result{}, next.err
	}
	return listen.Result{Transcript: types.Transcript{Text: next.text, IsFinal: true}}, nil
}

func say(texts ...string) []captured {
	out := make([]captured, len(texts))
	for i, t := range texts {
		out[i] = captured{text: t}
	}
	return out
}

type recordingSpeaker struct {
	said []string
	// interruptions maps a spoken text to what the user says over it.
	interruptions map[string]string
	err           error
}

func (s *recordingSpeaker) Speak(_ context.Context, text string, _ bool) (interrupt.Outcome, error) {
	s.said = append(s.said, text)
	if s.err != nil {
		return interrupt.Outcome{}, s.err
	}
	if cut, ok := s.interruptions[text]; ok {
		return interrupt.Outcome{Transcript: types.Transcript{Text: cut}}, nil
	}
	return interrupt.Outcome{Completed: true}, nil
}

type planFunc func(planner.Request) (planner.Action, error)

type recordingPlanner struct {
	fn       planFunc
	requests []planner.Request
}

func (p *recordingPlanner) Plan(_ context.Context, req planner.Request) (planner.Action, error) {
	p.requests = append(p.requests, req)
	if p.fn == nil {
		return planner.Rules{}.Plan(context.Background(), req)
	}
	return p.fn(req)
}

type recordingExecutor struct {
	commands []string
	result   executor.Result
	err      error
}

func (e *recordingExecutor) Run(_ context.Context, command string) (executor.Result, error) {
	e.commands = append(e.commands, command)
	return e.result, e.err
}

type harness struct {
	capturer *scriptCapturer
	speaker  *recordingSpeaker
	planner  *recordingPlanner
	executor *recordingExecutor
	store    *memory.InMemory
	session  *Session
}

func newHarness(t *testing.T, script []captured, fn planFunc) *harness {
	t.Helper()
	h := &harness{
		capturer: &scriptCapturer{script: script},
		speaker:  &recordingSpeaker{},
		planner:  &recordingPlanner{fn: fn},
		executor: &recordingExecutor{},
		store:    memory.NewInMemory(),
	}
	h.session = New(Config{
		Capturer:      h.capturer,
		Speaker:       h.speaker,
		Planner:       h.planner,
		Executor:      h.executor,
		Memory:         h.store,
		Interruptible:  true,
		CaptureBackoff: time.Millisecond,
	}, nil)
	return h
}

func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		done, err := h.session.Step(context.Background())
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if done {
			t.Fatalf("step %d: session ended early", i)
		}
	}
}

func (h *harness) lastSaid() string {
	if len(h.speaker.said) == 0 {
		return ""
	}
	return h.speaker.said[len(h.speaker.said)-1]
}

func runAction(cmd string, confidence float64, confirm bool) planFunc {
	return func(planner.Request) (planner.Action, error) {
		return planner.Action{
			Kind:                 planner.KindRun,
			Command:              cmd,
			Reply:                "I will run " + cmd + ".",
			Confidence:           confidence,
			RequiresConfirmation: confirm,
		}, nil
	}
}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestSession_Answer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("how are you"), func(planner.Request) (planner.Action, error) {
		return planner.Action{Kind: planner.KindAnswer, Reply: "All good.", Confidence: 1}, nil
	})
	h.step(t, 1)

	if h.lastSaid() != "All good." {
		t.Errorf("said %q, want %q", h.lastSaid(), "All good.")
	}
	if h.session.State() != StateListening {
		t.Errorf("state = %v, want listening", h.session.State())
	}
	turns, _ := h.store.Recent(context.Background(), h.session.Context().ID, 0)
	if len(turns) != 1 || turns[0].User != "how are you" || turns[0].Reply != "All good." {
		t.Errorf("persisted turns = %+v", turns)
	}
	snap, err := h.store.Load(context.Background(), h.session.Context().ID)
	if err != nil || snap.LastQuestion != "how are you" {
		t.Errorf("snapshot = %+v, %v", snap, err)
	}
}

func TestSession_ConfirmedRunExecutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run the tests", "yes"), runAction("go test ./...", 0.9, true))
	h.executor.result = executor.Result{ExitCode: 0}

	h.step(t, 1)
	if h.session.State() != StateAwaitingConfirmation {
		t.Fatalf("state = %v, want awaiting confirmation", h.session.State())
	}
	if p, ok := h.session.Pending(); !ok || p.Command != "go test ./..." {
		t.Errorf("pending = %+v, %v", p, ok)
	}
	if !strings.HasSuffix(h.lastSaid(), MsgConfirm) {
		t.Errorf("prompt = %q, want confirmation question", h.lastSaid())
	}
	if len(h.executor.commands) != 0 {
		t.Fatal("command ran before confirmation")
	}

	h.step(t, 1)
	if len(h.executor.commands) != 1 || h.executor.commands[0] != "go test ./..." {
		t.Errorf("commands = %v", h.executor.commands)
	}
	if h.session.State() != StateListening {
		t.Errorf("state = %v, want listening", h.session.State())
	}
	if _, ok := h.session.Pending(); ok {
		t.Error("pending action not cleared")
	}
	if h.lastSaid() != "The command finished successfully." {
		t.Errorf("said %q", h.lastSaid())
	}
	turns, _ := h.store.Recent(context.Background(), h.session.Context().ID, 0)
	if len(turns) != 1 || turns[0].User != "run the tests" || turns[0].Action != "run" {
		t.Errorf("persisted turns = %+v", turns)
	}
}

func TestSession_DeclinedRunIsDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("delete the build dir", "no"), runAction("rm -rf build", 0.9, true))
	h.step(t, 2)

	if len(h.executor.commands) != 0 {
		t.Errorf("declined command ran: %v", h.executor.commands)
	}
	if h.lastSaid() != MsgCancelled {
		t.Errorf("said %q, want %q", h.lastSaid(), MsgCancelled)
	}
	if h.session.State() != StateListening {
		t.Errorf("state = %v, want listening", h.session.State())
	}
}

func TestSession_UnclearRetriesAreCapped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run make", "maybe", "hmm", "what"), runAction("make", 0.9, true))
	h.step(t, 1)

	h.step(t, 1)
	if h.lastSaid() != MsgReprompt || h.session.State() != StateAwaitingConfirmation {
		t.Fatalf("after first unclear: said %q state %v", h.lastSaid(), h.session.State())
	}
	h.step(t, 1)
	if h.lastSaid() != MsgReprompt || h.session.State() != StateAwaitingConfirmation {
		t.Fatalf("after second unclear: said %q state %v", h.lastSaid(), h.session.State())
	}
	h.step(t, 1)
	if h.lastSaid() != MsgGaveUp {
		t.Errorf("said %q, want %q", h.lastSaid(), MsgGaveUp)
	}
	if h.session.State() != StateListening {
		t.Errorf("state = %v, want listening", h.session.State())
	}
	if len(h.executor.commands) != 0 {
		t.Error("command ran without a yes")
	}
}

func TestSession_EmptyConfirmationCountsAsUnclear(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run make", "", "yes"), runAction("make", 0.9, true))
	h.step(t, 2)
	if h.lastSaid() != MsgReprompt {
		t.Fatalf("said %q, want reprompt", h.lastSaid())
	}
	h.step(t, 1)
	if len(h.executor.commands) != 1 {
		t.Errorf("commands = %v, want make", h.executor.commands)
	}
}

func TestSession_ConfirmationPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		confidence  float64
		flag        bool
		wantConfirm bool
	}{
		{"confident without flag runs", 0.9, false, false},
		{"flagged asks", 0.95, true, true},
		{"low confidence asks", 0.3, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, say("run ls"), runAction("ls", tt.confidence, tt.flag))
			h.step(t, 1)
			asked := h.session.State() == StateAwaitingConfirmation
			if asked != tt.wantConfirm {
				t.Errorf("asked = %v, want %v", asked, tt.wantConfirm)
			}
			if ran := len(h.executor.commands) == 1; ran == tt.wantConfirm {
				t.Errorf("ran = %v, want %v", ran, !tt.wantConfirm)
			}
		})
	}
}

func TestSession_UnconfirmedRunAnnouncesAndReports(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run go vet"), runAction("go vet", 0.9, false))
	h.executor.result = executor.Result{ExitCode: 1, Stderr: "vet: bad printf\n"}
	h.step(t, 1)

	want := "I will run go vet. The command failed with exit code 1: vet: bad printf"
	if h.lastSaid() != want {
		t.Errorf("said %q, want %q", h.lastSaid(), want)
	}
	turns := h.session.Context().History
	if len(turns) != 1 || turns[0].ExitCode != 1 {
		t.Errorf("history = %+v", turns)
	}
}

func TestSession_ExecutorErrorIsSpoken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run ls"), runAction("ls", 0.9, false))
	h.executor.err = errors.New("sh: not found")
	h.step(t, 1)
	if !strings.Contains(h.lastSaid(), MsgCommandFailed) {
		t.Errorf("said %q, want command failure", h.lastSaid())
	}
}

func TestSession_ExitFromConfirmation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run make", "goodbye"), runAction("make", 0.9, true))
	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.lastSaid() != MsgGoodbye {
		t.Errorf("said %q, want %q", h.lastSaid(), MsgGoodbye)
	}
	if len(h.executor.commands) != 0 {
		t.Error("pending command ran on exit")
	}
	if len(h.planner.requests) != 1 {
		t.Errorf("planner called %d times, want 1", len(h.planner.requests))
	}
}

func TestSession_PlannerExitAction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("that is all for today"), func(planner.Request) (planner.Action, error) {
		return planner.Action{Kind: planner.KindExit, Reply: "See you.", Confidence: 1}, nil
	})
	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.lastSaid() != "See you." {
		t.Errorf("said %q", h.lastSaid())
	}
}

func TestSession_InterruptionBecomesNextInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("explain the build"), func(req planner.Request) (planner.Action, error) {
		if req.Text == "explain the build" {
			return planner.Action{Kind: planner.KindAnswer, Reply: "The build has many steps.", Confidence: 1}, nil
		}
		return planner.Action{Kind: planner.KindAnswer, Reply: "Stopped.", Confidence: 1}, nil
	})
	h.speaker.interruptions = map[string]string{"The build has many steps.": "stop that please"}

	h.step(t, 2)

	if h.capturer.calls != 1 {
		t.Errorf("capture calls = %d, want 1 (interruption reused)", h.capturer.calls)
	}
	if len(h.planner.requests) != 2 || h.planner.requests[1].Text != "stop that please" {
		t.Errorf("planner requests = %+v", h.planner.requests)
	}
	if got := h.session.Context().History[1].Mode; got != "interrupt" {
		t.Errorf("mode = %q, want interrupt", got)
	}
}

func TestSession_InterruptedConfirmationPromptAnswers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("run make"), runAction("make", 0.9, true))
	h.speaker.interruptions = map[string]string{"I will run make. " + MsgConfirm: "yes"}
	h.step(t, 2)
	if len(h.executor.commands) != 1 {
		t.Errorf("commands = %v, want make", h.executor.commands)
	}
}

func TestSession_SelectFilesFeedsPlanner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("select main.go util.go", "what do they do"), nil)
	h.planner.fn = func(req planner.Request) (planner.Action, error) {
		if strings.HasPrefix(req.Text, "select") {
			return planner.Action{Kind: planner.KindSelectFiles, Files: []string{"main.go", "util.go"}, Confidence: 0.9}, nil
		}
		return planner.Action{Kind: planner.KindAnswer, Reply: "They do things.", Confidence: 1}, nil
	}
	h.step(t, 2)

	if h.speaker.said[0] != "Selected 2 files." {
		t.Errorf("said %q", h.speaker.said[0])
	}
	req := h.planner.requests[1]
	if len(req.SelectedFiles) != 2 || req.LastQuestion != "select main.go util.go" || len(req.History) != 1 {
		t.Errorf("second request = %+v", req)
	}
}

func TestSession_EmptyTranscriptSkipsPlanner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("   "), nil)
	h.step(t, 1)
	if len(h.planner.requests) != 0 || len(h.speaker.said) != 0 {
		t.Errorf("planner=%d said=%v, want nothing", len(h.planner.requests), h.speaker.said)
	}
}

func TestSession_PlannerFailureIsSpoken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("hello"), func(planner.Request) (planner.Action, error) {
		return planner.Action{}, errors.New("all providers failed")
	})
	h.step(t, 1)
	if h.lastSaid() != MsgPlannerFailed {
		t.Errorf("said %q", h.lastSaid())
	}
}

func TestSession_RecoverableCaptureErrorContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []captured{{err: listen.ErrSourceEnded}, {text: "exit"}}, nil)
	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.speaker.said[0] != MsgNotUnderstood {
		t.Errorf("said %v", h.speaker.said)
	}
}

func TestSession_DeviceFailureIsFatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{"no input device", capture.ErrDeviceUnavailable},
		{"capture binary missing", &capture.SpawnError{Binary: "arecord", Err: errors.New("not found")}},
		{"recorder exits without audio", &capture.ExitError{Binary: "arecord", Stderr: "no such device", Err: errors.New("exit status 1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, []captured{{err: fmt.Errorf("listen: %w", tt.err)}}, nil)
			err := h.session.Run(context.Background())
			if !errors.Is(err, ErrFatal) || !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want fatal wrapping %v", err, tt.err)
			}
			if h.lastSaid() != MsgDeviceFailure {
				t.Errorf("said %q", h.lastSaid())
			}
		})
	}
}

// crashingCapturer fails every capture with a recorder that died after
// delivering some audio.
type crashingCapturer struct{ calls int }

func (c *crashingCapturer) CaptureUtterance(ctx context.Context) (listen.Result, error) {
	if err := ctx.Err(); err != nil {
		return listen.Result{}, err
	}
	c.calls++
	return listen.Result{}, fmt.Errorf("listen: %w", &capture.ExitError{Binary: "arecord", Frames: 3, Err: errors.New("exit status 1")})
}

func TestSession_RepeatedCaptureCrashesAreFatal(t *testing.T) {
	t.Parallel()
	c := &crashingCapturer{}
	sp := &recordingSpeaker{}
	s := New(Config{
		Capturer:           c,
		Speaker:            sp,
		Planner:            &recordingPlanner{},
		Executor:           &recordingExecutor{},
		MaxCaptureFailures: 3,
		CaptureBackoff:     time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	var ee *capture.ExitError
	if !errors.As(err, &ee) {
		t.Errorf("err = %v, want the last *capture.ExitError", err)
	}
	if c.calls != 3 {
		t.Errorf("capture attempts = %d, want 3", c.calls)
	}
	if got := sp.said[len(sp.said)-1]; got != MsgDeviceFailure {
		t.Errorf("last said %q, want %q", got, MsgDeviceFailure)
	}
}

func TestSession_CaptureFailuresBackOff(t *testing.T) {
	t.Parallel()
	c := &crashingCapturer{}
	s := New(Config{
		Capturer:           c,
		Speaker:            &recordingSpeaker{},
		Planner:            &recordingPlanner{},
		Executor:           &recordingExecutor{},
		MaxCaptureFailures: 1000,
		CaptureBackoff:     20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	// 20ms + 40ms + 60ms: at most three attempts fit before the deadline.
	if c.calls < 1 || c.calls > 4 {
		t.Errorf("capture attempts = %d, want a handful", c.calls)
	}
}

func TestSession_GoodCaptureResetsFailureCount(t *testing.T) {
	t.Parallel()
	boom := fmt.Errorf("listen: %w", listen.ErrSourceEnded)
	script := []captured{{err: boom}, {err: boom}, {text: "hello"}, {err: boom}, {err: boom}, {text: "exit"}}
	h := newHarness(t, script, nil)
	h.session.cfg.MaxCaptureFailures = 3
	if err := h.session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.planner.requests) != 1 {
		t.Errorf("planner requests = %d, want 1", len(h.planner.requests))
	}
}

func TestSession_MissingPlayerIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("hello"), nil)
	h.speaker.err = fmt.Errorf("interrupt: playback: %w", playback.ErrNoPlayer)
	if err := h.session.Run(context.Background()); !errors.Is(err, ErrFatal) {
		t.Errorf("err = %v, want ErrFatal", err)
	}
}

func TestSession_OtherSpeakErrorsContinue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, say("hello", "exit"), nil)
	h.speaker.err = errors.New("tts quota exceeded")
	if err := h.session.Run(context.Background()); err != nil {
		t.Errorf("Run: %v", err)
	}
	if len(h.planner.requests) != 1 {
		t.Errorf("planner requests = %d, want 1", len(h.planner.requests))
	}
}

func TestSession_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.session.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSession_ResumesStoredContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewInMemory()
	_ = store.Save(ctx, memory.Snapshot{SessionID: "s1", SelectedFiles: []string{"x.go"}})

	sc, err := LoadSessionContext(ctx, store, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	p := &recordingPlanner{}
	s := New(Config{
		Capturer: &scriptCapturer{script: say("what is in it")},
		Speaker:  &recordingSpeaker{},
		Planner:  p,
		Executor: &recordingExecutor{},
		Memory:   store,
	}, sc)
	if _, err := s.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if len(p.requests) != 1 || len(p.requests[0].SelectedFiles) != 1 || p.requests[0].SelectedFiles[0] != "x.go" {
		t.Errorf("request = %+v, want stored selection", p.requests)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if StateListening.String() != "listening" || StateAwaitingConfirmation.String() != "awaiting_confirmation" {
		t.Error("unexpected state names")
	}
	if AnswerYes.String() != "yes" || AnswerNo.String() != "no" || AnswerUnclear.String() != "unclear" {
		t.Error("unexpected answer names")
	}
}
