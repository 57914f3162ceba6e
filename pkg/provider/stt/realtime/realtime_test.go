package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/types"
)

// newBackend starts a fake streaming backend. handler runs after the
// session_started acknowledgement has been sent.
func newBackend(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if err := wsjson.Write(ctx, c, inboundMessage{MessageType: tagSessionStarted, SessionID: "sess-1"}); err != nil {
			return
		}
		handler(ctx, c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestProvider(t *testing.T, endpoint string) *Provider {
	t.Helper()
	p, err := New("", WithEndpoint(endpoint), WithHandshakeTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func readOutbound(ctx context.Context, c *websocket.Conn) (outboundMessage, error) {
	var m outboundMessage
	err := wsjson.Read(ctx, c, &m)
	return m, err
}

// drain reads until the client goes away.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func collect(ch <-chan types.Transcript) []types.Transcript {
	var out []types.Transcript
	for t := range ch {
		out = append(out, t)
	}
	return out
}

func TestSession_PartialsThenSingleFinal(t *testing.T) {
	t.Parallel()
	endpoint := newBackend(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			m, err := readOutbound(ctx, c)
			if err != nil {
				return
			}
			if !m.Commit {
				if pcm, _ := base64.StdEncoding.DecodeString(m.Audio); len(pcm) != 4 {
					return
				}
				_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagPartial, Text: "hel"})
				_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagPartial, Text: "hello"})
				continue
			}
			_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagCommitted, Text: "hello world"})
			// A second final and a late partial for the same utterance must be ignored.
			_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagCommitted, Text: "duplicate"})
			_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagPartial, Text: "stale"})
			return
		}
	})

	sess, err := newTestProvider(t, endpoint).StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()
	if sess.State() != stt.Connected {
		t.Errorf("State = %v, want connected", sess.State())
	}

	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	finals := collect(sess.Finals())
	partials := collect(sess.Partials())

	if len(finals) != 1 || finals[0].Text != "hello world" || !finals[0].IsFinal {
		t.Fatalf("finals = %+v, want exactly one \"hello world\"", finals)
	}
	if len(partials) != 2 {
		t.Fatalf("partials = %+v, want 2", partials)
	}
	for _, p := range partials {
		if p.Text == "stale" || p.IsFinal {
			t.Errorf("unexpected partial %+v", p)
		}
		if p.Utterance != finals[0].Utterance {
			t.Errorf("partial utterance %d, final utterance %d", p.Utterance, finals[0].Utterance)
		}
	}
}

func TestSession_EmptyFinalPropagates(t *testing.T) {
	t.Parallel()
	endpoint := newBackend(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			m, err := readOutbound(ctx, c)
			if err != nil {
				return
			}
			if m.Commit {
				_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagCommitted, Text: ""})
			}
		}
	})

	sess, err := newTestProvider(t, endpoint).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()
	_ = sess.Commit()

	select {
	case f := <-sess.Finals():
		if f.Text != "" || !f.IsFinal {
			t.Errorf("final = %+v, want empty final", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final received")
	}
}

func TestSession_NewAudioOpensNextUtterance(t *testing.T) {
	t.Parallel()
	endpoint := newBackend(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			m, err := readOutbound(ctx, c)
			if err != nil {
				return
			}
			if m.Commit {
				_ = wsjson.Write(ctx, c, inboundMessage{MessageType: tagCommitted, Text: "turn"})
			}
		}
	})

	sess, err := newTestProvider(t, endpoint).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	var seqs []uint64
	for range 2 {
		_ = sess.SendAudio([]byte{0, 0})
		_ = sess.Commit()
		select {
		case f := <-sess.Finals():
			seqs = append(seqs, f.Utterance)
		case <-time.After(2 * time.Second):
			t.Fatal("no final received")
		}
	}
	if seqs[1] != seqs[0]+1 {
		t.Errorf("utterance sequence = %v, want consecutive", seqs)
	}
}

func TestSession_MidStreamError(t *testing.T) {
	t.Parallel()
	endpoint := newBackend(t, func(ctx context.Context, c *websocket.Conn) {
		if _, err := readOutbound(ctx, c); err != nil {
			return
		}
		_ = wsjson.Write(ctx, c, inboundMessage{MessageType: "quota_exceeded_error", Error: "quota exceeded"})
		drain(ctx, c)
	})

	sess, err := newTestProvider(t, endpoint).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()
	_ = sess.SendAudio([]byte{0, 0})

	select {
	case err := <-sess.Errors():
		if !errors.Is(err, stt.ErrMidStream) {
			t.Errorf("err = %v, want ErrMidStream", err)
		}
		if !strings.Contains(err.Error(), "quota exceeded") {
			t.Errorf("err = %v, missing backend message", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
	if sess.State() != stt.Disconnected {
		t.Errorf("State = %v, want disconnected", sess.State())
	}
}

func TestStartStream_ConnectFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestProvider(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestStartStream_HandshakeRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_ = wsjson.Write(r.Context(), c, inboundMessage{MessageType: "auth_error", Error: "invalid key"})
		drain(r.Context(), c)
	}))
	defer srv.Close()

	p := newTestProvider(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !strings.Contains(err.Error(), "invalid key") {
		t.Errorf("err = %v, missing rejection reason", err)
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()
	var closes atomic.Int32
	endpoint := newBackend(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					closes.Add(1)
				}
				return
			}
		}
	})

	sess, err := newTestProvider(t, endpoint).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for i := range 3 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := sess.Commit(); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Commit after Close = %v, want ErrSessionClosed", err)
	}
	if sess.State() != stt.Disconnected {
		t.Errorf("State = %v, want disconnected", sess.State())
	}

	deadline := time.Now().Add(time.Second)
	for closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := closes.Load(); got > 1 {
		t.Errorf("backend saw %d close frames, want at most 1", got)
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithEndpoint("wss://stt.example/v1/realtime"), WithModel("m1"), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(stt.StreamConfig{}, 16000)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("model_id") != "m1" || q.Get("audio_format") != "pcm_16000" || q.Get("language_code") != "de" {
		t.Errorf("query = %v", q)
	}

	raw, _ = p.buildURL(stt.StreamConfig{Language: "fr"}, 24000)
	u, _ = url.Parse(raw)
	if got := u.Query().Get("language_code"); got != "fr" {
		t.Errorf("language_code = %q, want cfg override fr", got)
	}
}
