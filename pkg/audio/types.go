// Package audio defines the frame type and PCM helpers shared by the capture,
// voice-activity, transcription and playback stages of Vocalis.
//
// All PCM handled by this package is signed 16-bit little-endian. Frames are
// mono unless Channels says otherwise.
package audio

import "time"

// AudioFrame is a fixed-size block of PCM captured from the microphone.
//
// Frames are immutable once emitted: the capture source hands the same frame
// to the voice-activity classifier, the segmenter and the transcription client,
// and none of them may modify Data.
type AudioFrame struct {
	// Data holds the raw PCM16 samples.
	Data []byte

	// SampleRate in Hz (typically 16000).
	SampleRate int

	// Channels is 1 for every frame produced by the capture source.
	Channels int

	// Timestamp marks when this frame was captured, relative to the start of
	// the capture stream. Timestamps are monotonic within one stream.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// End returns the stream-relative time at which the frame ends.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}
