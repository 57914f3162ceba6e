// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of speech/silence decisions so that
// pipeline tests can drive segmentation without crafting PCM levels.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{true, true, false}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/vocalis/pkg/provider/vad"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a Session that reports
	// silence for every frame is returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call in order.
	Configs []vad.Config
}

// NewSession records cfg and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the speech decision for each successive frame. Once the
	// script is exhausted every frame is classified as Default.
	Script []bool

	// Default is the decision after Script runs out.
	Default bool

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	frames   int
	inSpeech bool
	resets   int
	closes   int
}

// ProcessFrame returns the next scripted decision as an edge event.
func (s *Session) ProcessFrame(_ []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProcessFrameErr != nil {
		return types.VADEvent{}, s.ProcessFrameErr
	}
	speech := s.Default
	if s.frames < len(s.Script) {
		speech = s.Script[s.frames]
	}
	s.frames++

	var ev types.VADEvent
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

// Reset clears the edge state. The script position is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.resets++
}

// Close counts the call and returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ vad.SessionHandle = (*Session)(nil)
