// Package coqui provides a tts.Provider backed by a locally running Coqui TTS
// server (ghcr.io/coqui-ai/tts-cpu). It is the offline fallback used when the
// streaming synthesis backend is unreachable.
//
// The server is batch oriented (GET /api/tts returns one WAV per request), so
// SynthesizeStream groups incoming text fragments into sentences and keeps a
// few requests in flight while emitting PCM strictly in sentence order.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithSampleRate(16000))
//	audio, err := p.SynthesizeStream(ctx, tts.Single("All tests passed."), voice)
package coqui

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/provider/tts"
	"github.com/MrWong99/vocalis/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 16000
	apiTTSEndpoint    = "/api/tts"

	// sentenceLookahead bounds how many synthesis requests run concurrently.
	sentenceLookahead = 4

	pcmChunkSize = 4096
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language_id query parameter. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithSampleRate sets the rate PCM is resampled to before it is emitted.
// Default 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements tts.Provider. It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	sampleRate int
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Provider for the server at serverURL (e.g.
// "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.sampleRate }

type audioResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. A synthesis error ends the stream
// early; the error itself is logged.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, 64)
	sentences := splitSentences(ctx, text)

	// Each sentence gets a future; the queue preserves order.
	queue := make(chan chan audioResult, sentenceLookahead)
	go func() {
		defer close(queue)
		for s := range sentences {
			fut := make(chan audioResult, 1)
			select {
			case queue <- fut:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, s, voice)
				fut <- audioResult{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(audioCh)
		for fut := range queue {
			var res audioResult
			select {
			case res = <-fut:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				if ctx.Err() == nil {
					p.log.Warn("coqui: synthesis failed", "err", res.err)
				}
				return
			}
			for pcm := res.pcm; len(pcm) > 0; {
				end := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:end]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[end:]
			}
		}
	}()

	return audioCh, nil
}

// splitSentences regroups fragments into complete sentences. Whatever is left
// when text closes is flushed as a final sentence.
func splitSentences(ctx context.Context, text <-chan string) <-chan string {
	out := make(chan string, sentenceLookahead)
	go func() {
		defer close(out)
		var buf strings.Builder
		emit := func(s string) bool {
			if s = strings.TrimSpace(s); s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					emit(buf.String())
					return
				}
				buf.WriteString(frag)
				for {
					s := buf.String()
					idx := findSentenceBoundary(s)
					if idx < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if !emit(s[:idx+1]) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// synthesize performs one GET /api/tts and returns mono PCM at p.sampleRate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.DataOffset:]
	if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.ResampleMono16(pcm, info.SampleRate, p.sampleRate), nil
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that is
// at the end of s or followed by whitespace, or -1. "3.14" and "Dr.X" do not
// split.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}
	info := wavInfo{SampleRate: 22050, Channels: 1}
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.DataOffset = offset + 8
			return info, nil
		}
		// Chunks are word aligned.
		offset += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
