package listen

import (
	"context"
	"fmt"

	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/segment"
	"github.com/MrWong99/vocalis/pkg/provider/stt"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Monitor listens continuously and hands every live transcript event to fn
// until fn returns true, which makes Monitor return that transcript.
//
// Segmenter finals commit the open utterance so the backend keeps producing
// finals while the user talks in bursts. Partials older than the last
// delivered final are dropped. Monitor never falls back to batch mode: any
// backend failure is returned and the caller decides what to do without
// live transcription. It returns ctx.Err() when ctx ends first.
func (l *Listener) Monitor(ctx context.Context, fn func(types.Transcript) bool) (types.Transcript, error) {
	if l.cfg.Stream == nil {
		return types.Transcript{}, fmt.Errorf("listen: monitor: %w", ErrNoStream)
	}
	ctx, span := observe.StartSpan(ctx, "listen.monitor")
	defer span.End()

	p, frames, err := l.open(ctx)
	if err != nil {
		return types.Transcript{}, err
	}
	defer p.close()

	seg := segment.New(l.cfg.Segment)
	var (
		lastFinal uint64
		seenFinal bool
	)
	stale := func(t types.Transcript) bool {
		return seenFinal && t.Utterance <= lastFinal
	}

	for {
		select {
		case <-ctx.Done():
			return types.Transcript{}, ctx.Err()

		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-p.src.Errors():
					return types.Transcript{}, fmt.Errorf("listen: audio source: %w", err)
				default:
					return types.Transcript{}, ErrSourceEnded
				}
			}
			if err := p.sess.SendAudio(f.Data); err != nil {
				return types.Transcript{}, fmt.Errorf("listen: send audio: %w", err)
			}
			if ev, ok := seg.Push(f, l.speech(p.vad, f)); ok && ev.Type == segment.EventFinal {
				if err := p.sess.Commit(); err != nil {
					return types.Transcript{}, fmt.Errorf("listen: commit: %w", err)
				}
			}

		case t, ok := <-p.sess.Partials():
			if !ok {
				return types.Transcript{}, l.midStream(stt.ErrSessionClosed)
			}
			if stale(t) {
				continue
			}
			if fn(t) {
				return t, nil
			}

		case t, ok := <-p.sess.Finals():
			if !ok {
				return types.Transcript{}, l.midStream(stt.ErrSessionClosed)
			}
			if stale(t) {
				continue
			}
			seenFinal, lastFinal = true, t.Utterance
			t.IsFinal = true
			if fn(t) {
				return t, nil
			}

		case err := <-p.sess.Errors():
			return types.Transcript{}, l.midStream(err)

		case err := <-p.src.Errors():
			return types.Transcript{}, fmt.Errorf("listen: audio source: %w", err)
		}
	}
}
