package capture

import (
	"time"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// Framer slices an arbitrary byte stream into fixed-duration PCM16 mono
// frames. Bytes that do not fill a whole frame are carried over to the next
// call to Push. Timestamps are derived from the number of bytes emitted, so
// they are monotonic and start at zero.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	sampleRate int
	frameBytes int
	pending    []byte
	emitted    int
}

// NewFramer returns a Framer producing frames of frameDur at sampleRate.
func NewFramer(sampleRate int, frameDur time.Duration) *Framer {
	n := audio.FrameBytes(sampleRate, 1, frameDur)
	if n < 2 {
		n = 2
	}
	return &Framer{sampleRate: sampleRate, frameBytes: n}
}

// FrameBytes returns the size of every emitted frame.
func (f *Framer) FrameBytes() int { return f.frameBytes }

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int { return len(f.pending) }

// Push appends chunk and returns every complete frame now available.
func (f *Framer) Push(chunk []byte) []audio.AudioFrame {
	f.pending = append(f.pending, chunk...)
	if len(f.pending) < f.frameBytes {
		return nil
	}

	frames := make([]audio.AudioFrame, 0, len(f.pending)/f.frameBytes)
	for len(f.pending) >= f.frameBytes {
		data := make([]byte, f.frameBytes)
		copy(data, f.pending[:f.frameBytes])
		frames = append(frames, audio.AudioFrame{
			Data:       data,
			SampleRate: f.sampleRate,
			Channels:   1,
			Timestamp:  audio.PCMDuration(f.emitted, f.sampleRate, 1),
		})
		f.emitted += f.frameBytes
		f.pending = f.pending[f.frameBytes:]
	}

	// Compact so the backing array does not grow without bound.
	rest := make([]byte, len(f.pending))
	copy(rest, f.pending)
	f.pending = rest
	return frames
}
