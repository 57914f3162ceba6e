package playback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) Wait() error { return nil }

func TestPlay_WritesAllChunks(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	var gotRate int
	p := New(WithSinkFactory(func(_ context.Context, rate int) (Sink, error) {
		gotRate = rate
		return sink, nil
	}))

	ch := make(chan []byte, 3)
	ch <- []byte{1, 2}
	ch <- []byte{3, 4}
	close(ch)

	if err := p.Play(context.Background(), ch, 22050); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if gotRate != 22050 {
		t.Errorf("rate = %d, want 22050", gotRate)
	}
	if !bytes.Equal(sink.buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("written = %v", sink.buf.Bytes())
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestPlay_CancelStopsImmediately(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	p := New(WithSinkFactory(func(context.Context, int) (Sink, error) { return sink, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan []byte) // never closed
	done := make(chan error, 1)
	go func() { done <- p.Play(ctx, ch, 16000) }()

	ch <- []byte{1, 2}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}

func TestPlay_OpenError(t *testing.T) {
	t.Parallel()
	p := New(WithSinkFactory(func(context.Context, int) (Sink, error) { return nil, ErrNoPlayer }))
	ch := make(chan []byte)
	close(ch)
	if err := p.Play(context.Background(), ch, 16000); !errors.Is(err, ErrNoPlayer) {
		t.Errorf("err = %v, want ErrNoPlayer", err)
	}
}

func TestPlayerArgs(t *testing.T) {
	t.Parallel()
	args := playerArgs("aplay", 24000)
	if args[len(args)-1] != "-" {
		t.Errorf("aplay args should read stdin: %v", args)
	}
	found := false
	for _, a := range args {
		if a == "24000" {
			found = true
		}
	}
	if !found {
		t.Errorf("aplay args missing rate: %v", args)
	}
}
