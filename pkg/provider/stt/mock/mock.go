// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to control whether a streaming session can be opened. Use
// Session to feed transcript and error events and inspect which audio chunks
// and commits were delivered. Use Transcriber for the batch path.
//
// Example:
//
//	sess := mock.NewSession()
//	sess.CommitFinal = &types.Transcript{Text: "hello", IsFinal: true}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh [NewSession] is
	// returned on every call.
	Session *Session

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns how many times StartStream was called.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests send on the
// exported channels to inject events.
type Session struct {
	// PartialsCh, FinalsCh and ErrorsCh back the event accessors. They are
	// never closed by the mock.
	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript
	ErrorsCh   chan error

	// CommitFinal, if non-nil, is delivered on FinalsCh when Commit is
	// called.
	CommitFinal *types.Transcript

	// SendAudioErr and CommitErr are returned by the respective methods.
	SendAudioErr error
	CommitErr    error

	mu      sync.Mutex
	chunks  [][]byte
	commits int
	closes  int
	closed  bool
}

// NewSession returns a Session with buffered event channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		ErrorsCh:   make(chan error, 4),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	return s.SendAudioErr
}

// Commit records the call and delivers CommitFinal, if set.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	s.commits++
	final := s.CommitFinal
	err := s.CommitErr
	s.mu.Unlock()
	if err == nil && final != nil {
		s.FinalsCh <- *final
	}
	return err
}

func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan types.Transcript   { return s.FinalsCh }
func (s *Session) Errors() <-chan error              { return s.ErrorsCh }

// State reports Connected until Close, then Disconnected.
func (s *Session) State() stt.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.Disconnected
	}
	return stt.Connected
}

// Close records the call. Only the first call counts as a socket close.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closes++
	}
	s.closed = true
	return nil
}

// Chunks returns the audio chunks received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Commits returns how many times Commit was called.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Closes returns the number of effective closes (0 or 1).
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)

// Transcriber is a mock implementation of stt.BatchTranscriber.
type Transcriber struct {
	mu sync.Mutex

	// Result and Err are returned by Transcribe.
	Result types.Transcript
	Err    error

	calls [][]byte
}

// Transcribe records pcm and returns Result, Err.
func (t *Transcriber) Transcribe(_ context.Context, pcm []byte, _ stt.StreamConfig) (types.Transcript, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, pcm)
	return t.Result, t.Err
}

// Calls returns the recordings passed to Transcribe.
func (t *Transcriber) Calls() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.calls))
	copy(out, t.calls)
	return out
}

var _ stt.BatchTranscriber = (*Transcriber)(nil)
