package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/vocalis/pkg/provider/tts"
	ttsmock "github.com/MrWong99/vocalis/pkg/provider/tts/mock"
	"github.com/MrWong99/vocalis/pkg/types"
)

func collectAudio(ch <-chan []byte) []byte {
	var out []byte
	for c := range ch {
		out = append(out, c...)
	}
	return out
}

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("fallback")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.SynthesizeStream(context.Background(), tts.Single("hello"), types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(collectAudio(ch)); got != "audio1audio2" {
		t.Errorf("audio = %q, want audio1audio2", got)
	}
	if primary.Calls() != 1 || secondary.Calls() != 0 {
		t.Errorf("calls primary=%d secondary=%d, want 1/0", primary.Calls(), secondary.Calls())
	}
	if v := primary.SynthesizeStreamCalls[0].Voice.ID; v != "v1" {
		t.Errorf("voice = %q, want v1", v)
	}
}

func TestTTSFallback_FailoverSameRate(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("fallback")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.SynthesizeStream(context.Background(), tts.Single("hello"), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(collectAudio(ch)); got != "fallback" {
		t.Errorf("audio = %q, want fallback", got)
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("secondary texts = %v, want [hello]", got)
	}
}

func TestTTSFallback_FailoverResamples(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Rate: 16000, SynthesizeErr: errors.New("primary down")}
	// 3 + 5 bytes: the odd split must not shift sample alignment.
	secondary := &ttsmock.Provider{Rate: 8000, SynthesizeChunks: [][]byte{{1, 0, 2}, {0, 3, 0, 4, 0}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)
	if fb.SampleRate() != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", fb.SampleRate())
	}

	ch, err := fb.SynthesizeStream(context.Background(), tts.Single("hi"), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collectAudio(ch)
	// 4 samples at 8 kHz become 8 samples at 16 kHz.
	if len(got) != 16 {
		t.Fatalf("len = %d, want 16", len(got))
	}
	if got[0] != 1 || got[2] == 0 {
		t.Errorf("unexpected resampled head % x", got[:4])
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errors.New("b")})
	if _, err := fb.SynthesizeStream(context.Background(), tts.Single("x"), types.VoiceProfile{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
