package resilience

import (
	"context"

	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/provider/tts"
	"github.com/MrWong99/vocalis/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover across synthesis
// backends. Audio from a fallback whose rate differs from the primary's is
// resampled, so SampleRate always reports the primary's rate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	rate  int
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional synthesis backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SampleRate implements [tts.Provider].
func (f *TTSFallback) SampleRate() int { return f.rate }

// SynthesizeStream starts synthesis on the first healthy backend. Only stream
// setup is covered by failover: text fragments already consumed by a backend
// that later fails are not replayed.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	type started struct {
		ch   <-chan []byte
		rate int
	}
	s, _, err := ExecuteWithResult(f.group, func(p tts.Provider) (started, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		return started{ch: ch, rate: p.SampleRate()}, err
	})
	if err != nil {
		return nil, err
	}
	if s.rate == f.rate {
		return s.ch, nil
	}

	out := make(chan []byte, cap(s.ch))
	go func() {
		defer close(out)
		var carry []byte
		for chunk := range s.ch {
			// Keep sample alignment across odd-length chunks.
			buf := append(carry, chunk...)
			even := len(buf) &^ 1
			carry = append([]byte(nil), buf[even:]...)
			if even == 0 {
				continue
			}
			select {
			case out <- audio.ResampleMono16(buf[:even], s.rate, f.rate):
			case <-ctx.Done():
				audio.Drain(s.ch)
				return
			}
		}
	}()
	return out, nil
}
