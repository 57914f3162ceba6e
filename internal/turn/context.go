package turn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vocalis/internal/memory"
)

// DefaultHistorySize is the number of past turns kept in a [SessionContext].
const DefaultHistorySize = 10

// SessionContext is the passive state of one conversation. It is owned by a
// single [Session] and passed to the planner on every turn.
type SessionContext struct {
	ID            string
	LastQuestion  string
	SelectedFiles []string
	ResponseStyle string

	// History holds the most recent turns, oldest first.
	History []memory.TurnRecord

	historySize int
}

// NewSessionContext returns an empty context with a fresh ID.
func NewSessionContext() *SessionContext {
	return &SessionContext{ID: uuid.NewString(), historySize: DefaultHistorySize}
}

// LoadSessionContext restores the context with the given ID from store, or
// returns a new one under that ID when the store does not know it. An empty
// id generates a new one.
func LoadSessionContext(ctx context.Context, store memory.Store, id string, historySize int) (*SessionContext, error) {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if id == "" {
		id = uuid.NewString()
	}
	sc := &SessionContext{ID: id, historySize: historySize}

	snap, err := store.Load(ctx, id)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return sc, nil
	case err != nil:
		return nil, fmt.Errorf("turn: load session %s: %w", id, err)
	}
	sc.LastQuestion = snap.LastQuestion
	sc.SelectedFiles = slices.Clone(snap.SelectedFiles)
	sc.ResponseStyle = snap.ResponseStyle

	if sc.History, err = store.Recent(ctx, id, historySize); err != nil {
		return nil, fmt.Errorf("turn: load history %s: %w", id, err)
	}
	return sc, nil
}

// Snapshot returns the persistable part of sc.
func (sc *SessionContext) Snapshot() memory.Snapshot {
	return memory.Snapshot{
		SessionID:     sc.ID,
		LastQuestion:  sc.LastQuestion,
		SelectedFiles: slices.Clone(sc.SelectedFiles),
		ResponseStyle: sc.ResponseStyle,
		UpdatedAt:     time.Now(),
	}
}

func (sc *SessionContext) record(t memory.TurnRecord) {
	size := sc.historySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	sc.History = append(sc.History, t)
	if over := len(sc.History) - size; over > 0 {
		sc.History = slices.Delete(sc.History, 0, over)
	}
}
