package audio

import "context"

// Source is a continuous microphone capture stream.
//
// A Source is single-use: Start may be called once, and Stop tears the
// underlying capture process down. Every independent listening pipeline owns
// its own Source so that two pipelines never contend for one device handle.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capturing and returns the frame channel. The channel is
	// closed when the stream ends for any reason. Start returns an error when
	// no device can be resolved or the capture process cannot be spawned.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Errors delivers at most one error describing an unexpected end of the
	// capture stream (e.g. the capture process crashed). A clean Stop never
	// produces an error here.
	Errors() <-chan error

	// Recording reports whether the capture process is currently live.
	Recording() bool

	// Stop ends the capture. It is safe to call Stop more than once and
	// before Start; only the first call has any effect.
	Stop() error
}

// SourceFactory creates a fresh, unstarted [Source].
type SourceFactory func() Source

// Player plays a stream of PCM16 mono chunks on the local output device.
//
// Play blocks until pcm is closed and everything written has been played,
// or until ctx is cancelled, in which case playback is cut immediately and
// ctx.Err() is returned.
type Player interface {
	Play(ctx context.Context, pcm <-chan []byte, sampleRate int) error
}
