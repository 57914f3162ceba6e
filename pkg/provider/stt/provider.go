// Package stt defines the Provider interfaces for Speech-to-Text backends.
//
// Two shapes are supported. A streaming [Provider] opens a persistent
// [SessionHandle] that accepts PCM frames and emits typed events: partial
// transcripts, exactly one final transcript per utterance, and errors. A
// [BatchTranscriber] takes a complete recording and returns one result; it is
// the fallback when streaming is unavailable.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/vocalis/pkg/types"
)

var (
	// ErrConnection is wrapped by errors returned when the backend cannot be
	// reached or rejects the session.
	ErrConnection = errors.New("stt: connection failed")

	// ErrMidStream is wrapped by errors the backend reports while an
	// utterance is open.
	ErrMidStream = errors.New("stt: backend error during utterance")

	// ErrSessionClosed is returned by SendAudio and Commit after Close.
	ErrSessionClosed = errors.New("stt: session closed")
)

// ConnectionState is the lifecycle state of a streaming session.
//
// Transitions only move forward (Disconnected → Connecting → Connected →
// Closing → Disconnected) with one exception: an error while Connected drops
// straight back to Disconnected.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// StreamConfig describes the audio format for a transcription request.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (typically 16000).
	SampleRate int

	// Channels is the number of audio channels. Always 1 in Vocalis.
	Channels int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// backend auto-detect.
	Language string
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a PCM16 chunk to the backend. Returns
	// ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Commit asks the backend to finalize the current utterance. Exactly one
	// final event follows, possibly with empty text.
	Commit() error

	// Partials emits interim transcripts. Each one replaces the previous.
	// Partials arriving after a final for the same utterance are dropped.
	// Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits one authoritative transcript per utterance. Closed when
	// the session ends.
	Finals() <-chan types.Transcript

	// Errors emits backend error events (wrapping ErrMidStream) and
	// connection loss. Closed when the session ends.
	Errors() <-chan error

	// State reports the current connection state.
	State() ConnectionState

	// Close terminates the session and releases its connection. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over a streaming STT backend.
type Provider interface {
	// StartStream connects and returns a session ready to accept audio.
	// Connection failures are returned wrapped in ErrConnection.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// BatchTranscriber transcribes a complete recording in one request.
type BatchTranscriber interface {
	// Transcribe returns the final transcript for pcm (PCM16 mono at
	// cfg.SampleRate). Empty text is a valid result.
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (types.Transcript, error)
}
