// Package memory persists conversation session state between turns and
// between runs.
//
// The turn loop only reads and writes this data; it never derives anything
// from it. [InMemory] is the default store. The postgres subpackage provides
// a durable one.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned by [Store.Load] for an unknown session.
var ErrNotFound = errors.New("memory: session not found")

// Snapshot is the passive state of one session.
type Snapshot struct {
	SessionID string

	// LastQuestion is the most recent user request that was planned.
	LastQuestion string

	// SelectedFiles are paths the user referred to in earlier turns.
	SelectedFiles []string

	// ResponseStyle is a free-form hint for the planner, e.g. "brief".
	ResponseStyle string

	UpdatedAt time.Time
}

// TurnRecord is one completed exchange.
type TurnRecord struct {
	At       time.Time
	User     string
	Reply    string
	Action   string
	ExitCode int

	// Mode is the transcription path that produced User.
	Mode string
}

// Store is implemented by session state backends. Implementations must be
// safe for concurrent use.
type Store interface {
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	AppendTurn(ctx context.Context, sessionID string, t TurnRecord) error

	// Recent returns up to n turns, oldest first.
	Recent(ctx context.Context, sessionID string, n int) ([]TurnRecord, error)
}

// InMemory is a process-local [Store].
type InMemory struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	turns     map[string][]TurnRecord
}

var _ Store = (*InMemory)(nil)

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		snapshots: make(map[string]Snapshot),
		turns:     make(map[string][]TurnRecord),
	}
}

// Load implements [Store].
func (m *InMemory) Load(_ context.Context, sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s.SelectedFiles = slices.Clone(s.SelectedFiles)
	return s, nil
}

// Save implements [Store].
func (m *InMemory) Save(_ context.Context, s Snapshot) error {
	if s.SessionID == "" {
		return errors.New("memory: empty session id")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	s.SelectedFiles = slices.Clone(s.SelectedFiles)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.SessionID] = s
	return nil
}

// AppendTurn implements [Store].
func (m *InMemory) AppendTurn(_ context.Context, sessionID string, t TurnRecord) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return nil
}

// Recent implements [Store].
func (m *InMemory) Recent(_ context.Context, sessionID string, n int) ([]TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[sessionID]
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return slices.Clone(all), nil
}
