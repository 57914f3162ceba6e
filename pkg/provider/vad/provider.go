// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// per-stream session. The session turns per-frame speech/silence decisions
// into edge events (speech start, speech end) so that consumers do not have
// to track the previous classification themselves.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the audio loop that gates segmentation.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import "github.com/MrWong99/vocalis/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the level above which a frame is classified as
	// speech, in the engine's native scale. For the energy engine this is an
	// RMS amplitude in PCM16 sample units (typical: 300).
	SpeechThreshold float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies a single PCM16 frame. Returns an error for a
	// malformed frame or after Close.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears edge-detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
