// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test sets before use to script their behaviour.
//
// Typical usage:
//
//	src := &mock.Source{Frames: mock.Tone(16000, 20*time.Millisecond, 3*time.Second, 200, 8000)}
//	frames, err := src.Start(ctx)
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source] that replays a fixed
// list of frames.
type Source struct {
	// Frames are emitted in order after Start.
	Frames []audio.AudioFrame

	// Pace is slept between frames. Zero emits as fast as the consumer reads.
	Pace time.Duration

	// KeepOpen keeps the frame channel open after Frames are exhausted until
	// Stop is called. Otherwise the channel is closed right away.
	KeepOpen bool

	// StartErr is returned by Start when non-nil.
	StartErr error

	mu         sync.Mutex
	startCalls int
	stopCalls  int
	recording  bool
	errs       chan error
	stop       chan struct{}
	stopOnce   sync.Once
	initOnce   sync.Once
}

func (s *Source) init() {
	s.initOnce.Do(func() {
		s.errs = make(chan error, 1)
		s.stop = make(chan struct{})
	})
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.init()
	s.mu.Lock()
	s.startCalls++
	if s.StartErr != nil {
		s.mu.Unlock()
		return nil, s.StartErr
	}
	s.recording = true
	frames := s.Frames
	s.mu.Unlock()

	out := make(chan audio.AudioFrame)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			s.recording = false
			s.mu.Unlock()
		}()
		for _, f := range frames {
			if s.Pace > 0 {
				select {
				case <-time.After(s.Pace):
				case <-s.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if s.KeepOpen {
			select {
			case <-s.stop:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Errors implements [audio.Source].
func (s *Source) Errors() <-chan error {
	s.init()
	return s.errs
}

// Fail delivers err on the Errors channel, simulating a capture crash.
func (s *Source) Fail(err error) {
	s.init()
	select {
	case s.errs <- err:
	default:
	}
}

// Recording implements [audio.Source].
func (s *Source) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.init()
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// StartCalls returns how many times Start was called.
func (s *Source) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// StopCalls returns how many times Stop was called.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Factory returns an [audio.SourceFactory] that hands out the given sources
// in order. Once exhausted it keeps returning the last one.
func Factory(sources ...*Source) audio.SourceFactory {
	var mu sync.Mutex
	i := 0
	return func() audio.Source {
		mu.Lock()
		defer mu.Unlock()
		s := sources[i]
		if i < len(sources)-1 {
			i++
		}
		return s
	}
}

// ─── Player ──────────────────────────────────────────────────────────────────

var _ audio.Player = (*Player)(nil)

// Player is a mock implementation of [audio.Player].
type Player struct {
	// ChunkDelay is slept per chunk to simulate real playback time.
	ChunkDelay time.Duration

	// PlayErr is returned by Play (after draining) when non-nil.
	PlayErr error

	mu          sync.Mutex
	calls       int
	played      [][]byte
	interrupted int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm <-chan []byte, _ int) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.interrupted++
			p.mu.Unlock()
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				return p.PlayErr
			}
			p.mu.Lock()
			p.played = append(p.played, chunk)
			p.mu.Unlock()
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					p.mu.Lock()
					p.interrupted++
					p.mu.Unlock()
					return ctx.Err()
				}
			}
		}
	}
}

// Calls returns how many times Play was called.
func (p *Player) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Played returns a copy of every chunk handed to the device.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

// Interrupted returns how many Play calls ended by cancellation.
func (p *Player) Interrupted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

// ─── Frame builders ──────────────────────────────────────────────────────────

// Tone returns frames of a sine wave at freq Hz with peak amplitude amp,
// covering total, starting at timestamp 0.
func Tone(sampleRate int, frameDur, total time.Duration, freq, amp float64) []audio.AudioFrame {
	return ToneAt(sampleRate, frameDur, 0, total, freq, amp)
}

// ToneAt is like [Tone] but starts at timestamp start.
func ToneAt(sampleRate int, frameDur, start, total time.Duration, freq, amp float64) []audio.AudioFrame {
	spf := int(int64(sampleRate) * int64(frameDur) / int64(time.Second))
	n := int(total / frameDur)
	frames := make([]audio.AudioFrame, 0, n)
	sample := int(int64(sampleRate) * int64(start) / int64(time.Second))
	for i := range n {
		data := make([]byte, spf*2)
		for j := range spf {
			v := amp * math.Sin(2*math.Pi*freq*float64(sample)/float64(sampleRate))
			binary.LittleEndian.PutUint16(data[j*2:], uint16(int16(v)))
			sample++
		}
		frames = append(frames, audio.AudioFrame{
			Data:       data,
			SampleRate: sampleRate,
			Channels:   1,
			Timestamp:  start + time.Duration(i)*frameDur,
		})
	}
	return frames
}

// Silence returns all-zero frames covering total starting at start.
func Silence(sampleRate int, frameDur, start, total time.Duration) []audio.AudioFrame {
	return ToneAt(sampleRate, frameDur, start, total, 0, 0)
}
