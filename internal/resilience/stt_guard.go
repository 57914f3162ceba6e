package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vocalis/pkg/provider/stt"
)

// STTGuard puts a [CircuitBreaker] in front of a streaming [stt.Provider].
// While the breaker is open StartStream fails immediately with an error that
// wraps both [ErrCircuitOpen] and [stt.ErrConnection], so callers take their
// batch path without waiting for a dial timeout.
//
// Only StartStream failures count against the breaker. Errors reported on a
// live session are recorded through [STTGuard.ReportMidStream].
type STTGuard struct {
	provider stt.Provider
	breaker  *CircuitBreaker
}

var _ stt.Provider = (*STTGuard)(nil)

// NewSTTGuard wraps provider.
func NewSTTGuard(provider stt.Provider, cfg CircuitBreakerConfig) *STTGuard {
	if cfg.Name == "" {
		cfg.Name = "stt"
	}
	return &STTGuard{provider: provider, breaker: NewCircuitBreaker(cfg)}
}

// StartStream implements [stt.Provider].
func (g *STTGuard) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var sess stt.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		sess, err = g.provider.StartStream(ctx, cfg)
		// A cancelled caller says nothing about backend health.
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return nil, fmt.Errorf("stt guard: %w: %w", stt.ErrConnection, err)
	case err != nil:
		return nil, err
	case sess == nil:
		return nil, ctx.Err()
	}
	return sess, nil
}

// ReportMidStream records a backend failure on an open session. A nil err
// is ignored; it would otherwise count as a success.
func (g *STTGuard) ReportMidStream(err error) {
	if err == nil {
		return
	}
	_ = g.breaker.Execute(func() error { return err })
}

// State returns the breaker state.
func (g *STTGuard) State() State { return g.breaker.State() }
