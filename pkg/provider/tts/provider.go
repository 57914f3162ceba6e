// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a streaming cloud API or a
// local synthesizer process) behind a uniform streaming interface. The
// primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a channel of raw PCM16 mono audio as it becomes
// available, so playback can start before synthesis finishes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/vocalis/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// of raw PCM16 mono chunks at SampleRate().
	//
	// The returned channel is closed when all text has been synthesised or
	// when ctx is cancelled. The caller must drain it to avoid blocking the
	// provider's goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started (for
	// example the backend is unreachable). Errors during synthesis close the
	// audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// SampleRate is the rate of the PCM emitted by SynthesizeStream.
	SampleRate() int
}

// Single returns a closed channel holding exactly one text fragment. Use it
// to synthesise a complete sentence with SynthesizeStream.
func Single(text string) <-chan string {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return ch
}
