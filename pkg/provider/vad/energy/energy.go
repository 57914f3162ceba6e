// Package energy implements a deterministic voice activity classifier based on
// the root-mean-square amplitude of PCM16 frames.
//
// The classification itself is a pure function ([Classify]); sessions only
// add start/end edge detection on top of it. No model is involved: the
// transcription backend does the real acoustic modelling, this classifier
// only gates timing decisions such as silence-based finalization.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/provider/vad"
	"github.com/MrWong99/vocalis/pkg/types"
)

// DefaultThreshold is a reasonable RMS threshold for a close-talking
// microphone at normal gain.
const DefaultThreshold = 300

var errClosed = errors.New("energy: session closed")

// Classify reports whether pcm is speech: its RMS amplitude is strictly
// greater than threshold.
func Classify(pcm []byte, threshold float64) bool {
	return audio.RMS(pcm) > threshold
}

// Engine creates energy VAD sessions.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold < 0 {
		return nil, fmt.Errorf("energy: threshold must be >= 0, got %v", cfg.SpeechThreshold)
	}
	if cfg.SampleRate < 0 || cfg.FrameSizeMs < 0 {
		return nil, fmt.Errorf("energy: invalid frame format %d Hz / %d ms", cfg.SampleRate, cfg.FrameSizeMs)
	}
	threshold := cfg.SpeechThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Session{threshold: threshold}, nil
}

// Session tracks speech edges for one stream.
type Session struct {
	threshold float64

	mu       sync.Mutex
	inSpeech bool
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if len(frame)%2 != 0 {
		return types.VADEvent{}, fmt.Errorf("energy: frame has odd length %d", len(frame))
	}
	energy := audio.RMS(frame)
	speech := energy > s.threshold

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errClosed
	}

	ev := types.VADEvent{Energy: energy}
	switch {
	case speech && !s.inSpeech:
		ev.Type = types.VADSpeechStart
	case speech:
		ev.Type = types.VADSpeechContinue
	case s.inSpeech:
		ev.Type = types.VADSpeechEnd
	default:
		ev.Type = types.VADSilence
	}
	s.inSpeech = speech
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
