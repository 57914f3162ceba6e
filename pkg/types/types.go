// Package types defines the shared types used across Vocalis packages.
//
// These types are exchanged between providers, the listening pipeline and the
// turn loop. Each package defines its own domain types; only cross-cutting
// data structures live here to avoid circular imports.
package types

import "time"

// Transcript is one transcription event for an utterance. Partial and final
// results share this type.
//
// For a given utterance, zero or more partials precede exactly one final.
// A final with empty Text is valid and means "no speech detected".
type Transcript struct {
	// Text is the transcribed speech. Each partial is a full replacement of
	// the previous one, never a delta.
	Text string

	// IsFinal marks the authoritative result that terminates the utterance.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report one.
	Confidence float64

	// Timestamp is when the event was produced, relative to stream start.
	Timestamp time.Duration

	// Utterance is the sequence number of the utterance this event belongs
	// to. Events carrying a stale sequence are discarded by consumers.
	Utterance uint64
}

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}

// VADEvent is the voice activity result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the frame's RMS amplitude in PCM16 sample units.
	Energy float64
}

// IsSpeech reports whether the frame was classified as speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
