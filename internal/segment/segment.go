// Package segment decides where one utterance ends.
//
// A [Segmenter] is fed every captured frame together with its speech/silence
// classification and answers with events: periodic partial requests while
// the user is talking, and exactly one final when the utterance is over.
// Time is taken from frame timestamps, never from the wall clock, so a
// recorded stream always segments the same way.
//
// An utterance is finalized when
//
//   - the silence window has elapsed since the end of the last speech frame
//     (trailing noise below the threshold does not postpone this),
//   - [Segmenter.Stop] is called, or
//   - the user has been talking for MaxDuration, or
//   - nothing but silence has been captured for MaxIdle.
package segment

import (
	"fmt"
	"time"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// Defaults applied by [New] for zero Config fields.
const (
	DefaultSilenceWindow   = 3 * time.Second
	DefaultMaxDuration     = 30 * time.Second
	DefaultPartialInterval = 500 * time.Millisecond
)

// Config tunes a [Segmenter].
type Config struct {
	// SilenceWindow is how long after the last speech frame the utterance is
	// finalized.
	SilenceWindow time.Duration

	// MaxDuration is the hard upper bound on one utterance, measured from its
	// first speech frame. Silence before the user starts talking does not
	// count against it.
	MaxDuration time.Duration

	// MaxIdle bounds an utterance that has not seen any speech yet. It yields
	// an empty final with ReasonMaxDuration. Zero means MaxDuration.
	MaxIdle time.Duration

	// PartialInterval is the minimum spacing between partial requests.
	PartialInterval time.Duration
}

// State is the segmenter's position in Idle → Accumulating → Idle. The
// finalizing step happens inside a single Push or Stop call.
type State int

const (
	Idle State = iota
	Accumulating
)

func (s State) String() string {
	if s == Accumulating {
		return "accumulating"
	}
	return "idle"
}

// EventType distinguishes partial requests from finals.
type EventType int

const (
	EventPartial EventType = iota + 1
	EventFinal
)

func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Reason says what triggered a final.
type Reason int

const (
	ReasonSilence Reason = iota + 1
	ReasonManual
	ReasonMaxDuration
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonManual:
		return "manual"
	case ReasonMaxDuration:
		return "max_duration"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Event is emitted by [Segmenter.Push] and [Segmenter.Stop].
type Event struct {
	Type EventType

	// Utterance is the sequence number of the utterance the event belongs
	// to. Every final advances it, so a partial carrying an older number is
	// stale.
	Utterance uint64

	// At is the stream time at which the event fired.
	At time.Duration

	// Reason is set for finals.
	Reason Reason

	// Frames holds the buffered utterance for finals. The slice is handed
	// over; the segmenter does not touch it again.
	Frames []audio.AudioFrame
}

// Segmenter accumulates frames into utterances. It is not safe for
// concurrent use; the audio loop owns it.
type Segmenter struct {
	cfg Config

	utterance       uint64
	buf             []audio.AudioFrame
	startedAt       time.Duration
	speechStartedAt time.Duration
	lastSpeechAt    time.Duration
	speechSeen      bool
	lastPartialAt   time.Duration
}

// New returns a Segmenter. Zero fields of cfg get the package defaults.
func New(cfg Config) *Segmenter {
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.PartialInterval <= 0 {
		cfg.PartialInterval = DefaultPartialInterval
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = cfg.MaxDuration
	}
	return &Segmenter{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// State reports whether an utterance is being accumulated.
func (s *Segmenter) State() State {
	if len(s.buf) > 0 {
		return Accumulating
	}
	return Idle
}

// Utterance returns the sequence number of the current utterance.
func (s *Segmenter) Utterance() uint64 { return s.utterance }

// Buffered returns how many frames the current utterance holds.
func (s *Segmenter) Buffered() int { return len(s.buf) }

// Push adds frame to the current utterance and returns at most one event.
func (s *Segmenter) Push(frame audio.AudioFrame, speech bool) (Event, bool) {
	end := frame.End()
	if len(s.buf) == 0 {
		s.startedAt = frame.Timestamp
		s.lastPartialAt = frame.Timestamp
		s.speechSeen = false
	}
	s.buf = append(s.buf, frame)
	if speech {
		if !s.speechSeen {
			s.speechStartedAt = frame.Timestamp
			s.lastPartialAt = frame.Timestamp
		}
		s.lastSpeechAt = end
		s.speechSeen = true
	}

	switch {
	case s.speechSeen && end-s.lastSpeechAt >= s.cfg.SilenceWindow:
		return s.finalize(end, ReasonSilence), true
	case s.speechSeen && end-s.speechStartedAt >= s.cfg.MaxDuration:
		return s.finalize(end, ReasonMaxDuration), true
	case !s.speechSeen && end-s.startedAt >= s.cfg.MaxIdle:
		return s.finalize(end, ReasonMaxDuration), true
	case s.speechSeen && end-s.lastPartialAt >= s.cfg.PartialInterval:
		s.lastPartialAt = end
		return Event{Type: EventPartial, Utterance: s.utterance, At: end}, true
	}
	return Event{}, false
}

// Stop finalizes the current utterance immediately. With nothing buffered it
// is a no-op and reports false.
func (s *Segmenter) Stop() (Event, bool) {
	if len(s.buf) == 0 {
		return Event{}, false
	}
	return s.finalize(s.buf[len(s.buf)-1].End(), ReasonManual), true
}

// Reset drops the current utterance without emitting a final.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.speechSeen = false
}

func (s *Segmenter) finalize(at time.Duration, reason Reason) Event {
	ev := Event{
		Type:      EventFinal,
		Utterance: s.utterance,
		At:        at,
		Reason:    reason,
		Frames:    s.buf,
	}
	s.buf = nil
	s.speechSeen = false
	s.utterance++
	return ev
}
