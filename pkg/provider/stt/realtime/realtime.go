// Package realtime provides a streaming STT provider that speaks a tagged
// JSON event protocol over a persistent WebSocket. It implements the
// stt.Provider interface.
//
// Outbound messages carry base64 PCM16 audio and a commit flag. Inbound
// messages are classified purely by their message_type tag:
//
//	session_started       handshake acknowledgement
//	partial_transcript    interim text for the open utterance
//	committed_transcript  the final text for the open utterance
//	error                 backend failure (any tag ending in "_error" too)
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/types"
)

const (
	defaultEndpoint         = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	defaultModel            = "scribe_v2_realtime"
	defaultSampleRate       = 16000
	defaultHandshakeTimeout = 5 * time.Second
)

// Inbound message tags.
const (
	tagSessionStarted = "session_started"
	tagPartial        = "partial_transcript"
	tagCommitted      = "committed_transcript"
	tagError          = "error"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithModel sets the backend model identifier.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithHandshakeTimeout bounds how long StartStream waits for the
// session_started acknowledgement.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) { p.handshakeTimeout = d }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider.
type Provider struct {
	apiKey           string
	endpoint         string
	model            string
	language         string
	handshakeTimeout time.Duration
	log              *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey may be empty for local backends that do not
// authenticate.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:           apiKey,
		endpoint:         defaultEndpoint,
		model:            defaultModel,
		handshakeTimeout: defaultHandshakeTimeout,
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return nil, fmt.Errorf("realtime: invalid endpoint %q: %w", p.endpoint, err)
	}
	return p, nil
}

// StartStream dials the backend and waits for the session_started tag.
// Any failure up to that point is reported wrapped in stt.ErrConnection.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	wsURL, err := p.buildURL(cfg, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("realtime: build URL: %w", err)
	}

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("xi-api-key", p.apiKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w: %w", stt.ErrConnection, err)
	}

	sessionID, err := awaitSessionStarted(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, fmt.Errorf("realtime: handshake: %w: %w", stt.ErrConnection, err)
	}

	sctx, scancel := context.WithCancel(ctx)
	s := &session{
		conn:       conn,
		sampleRate: sampleRate,
		cancel:     scancel,
		log:        p.log.With("stt_session", sessionID),
		started:    time.Now(),
		partials:   make(chan types.Transcript, 16),
		finals:     make(chan types.Transcript, 4),
		errs:       make(chan error, 4),
		out:        make(chan outbound, 256),
		done:       make(chan struct{}),
		state:      stt.Connected,
	}
	s.wg.Add(2)
	go s.readLoop(sctx)
	go s.writeLoop(sctx)
	go func() {
		// Event channels close only once both loops have stopped sending.
		s.wg.Wait()
		close(s.partials)
		close(s.finals)
		close(s.errs)
	}()

	p.log.Debug("realtime: session started", "session_id", sessionID, "sample_rate", sampleRate)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig, sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("audio_format", "pcm_"+strconv.Itoa(sampleRate))
	q.Set("commit_strategy", "manual")
	if lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire types ----

type outboundMessage struct {
	MessageType string `json:"message_type"`
	Audio       string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

type inboundMessage struct {
	MessageType string  `json:"message_type"`
	SessionID   string  `json:"session_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (m inboundMessage) isError() bool {
	return m.MessageType == tagError || strings.HasSuffix(m.MessageType, "_error")
}

func awaitSessionStarted(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", err
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch {
		case msg.MessageType == tagSessionStarted:
			return msg.SessionID, nil
		case msg.isError():
			return "", fmt.Errorf("backend rejected session: %s", msg.Error)
		}
	}
}

// ---- session ----

type outbound struct {
	audio  []byte
	commit bool
}

// session is a live streaming session. It implements stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	sampleRate int
	cancel     context.CancelFunc
	log        *slog.Logger
	started    time.Time

	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error
	out      chan outbound

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu        sync.Mutex
	state     stt.ConnectionState
	utterance uint64
	// finalized is set once the final for the current utterance has been
	// delivered; later partials are stale until new audio opens the next one.
	finalized bool
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues a PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.finalized {
		s.utterance++
		s.finalized = false
	}
	s.mu.Unlock()
	return s.enqueue(outbound{audio: chunk})
}

// Commit queues an empty, committing message.
func (s *session) Commit() error {
	return s.enqueue(outbound{commit: true})
}

func (s *session) enqueue(m outbound) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Errors() <-chan error              { return s.errs }

func (s *session) State() stt.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st stt.ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close terminates the session. Only the first call touches the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		s.setState(stt.Closing)
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
		s.setState(stt.Disconnected)
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.out:
			msg := outboundMessage{
				MessageType: "input_audio_chunk",
				Audio:       base64.StdEncoding.EncodeToString(m.audio),
				Commit:      m.commit,
				SampleRate:  s.sampleRate,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("realtime: write: %w: %w", stt.ErrConnection, err))
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	// Stop the writer as well once the read side is gone.
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("realtime: read: %w: %w", stt.ErrConnection, err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("realtime: ignoring malformed message", "err", err)
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch routes one inbound message by its tag.
func (s *session) dispatch(msg inboundMessage) {
	switch {
	case msg.MessageType == tagPartial:
		s.mu.Lock()
		if s.finalized {
			s.mu.Unlock()
			return
		}
		t := s.transcript(msg, false)
		s.mu.Unlock()
		// Partials supersede each other; drop rather than block a slow reader.
		select {
		case s.partials <- t:
		default:
		}

	case msg.MessageType == tagCommitted:
		s.mu.Lock()
		if s.finalized {
			s.mu.Unlock()
			return
		}
		s.finalized = true
		t := s.transcript(msg, true)
		s.mu.Unlock()
		select {
		case s.finals <- t:
		case <-s.done:
		}

	case msg.isError():
		s.setState(stt.Disconnected)
		err := fmt.Errorf("realtime: %w: %s", stt.ErrMidStream, msg.Error)
		s.log.Warn("realtime: backend error", "err", err)
		select {
		case s.errs <- err:
		default:
		}

	case msg.MessageType == tagSessionStarted:
		// Already handled during the handshake.
	}
}

// transcript builds an event for the current utterance. Caller holds s.mu.
func (s *session) transcript(msg inboundMessage, final bool) types.Transcript {
	return types.Transcript{
		Text:       strings.TrimSpace(msg.Text),
		IsFinal:    final,
		Confidence: msg.Confidence,
		Timestamp:  time.Since(s.started),
		Utterance:  s.utterance,
	}
}

// fail reports a transport error unless the session is being closed.
func (s *session) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.setState(stt.Disconnected)
	select {
	case s.errs <- err:
	default:
	}
}
