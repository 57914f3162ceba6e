package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalis/internal/memory"
	"github.com/MrWong99/vocalis/internal/memory/postgres"
)

// newTestStore returns a Store on a clean schema, or skips the test if
// VOCALIS_TEST_POSTGRES_DSN is not set.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("VOCALIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCALIS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS vocalis_turns",
		"DROP TABLE IF EXISTS vocalis_sessions",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_SaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Load missing = %v, want ErrNotFound", err)
	}

	snap := memory.Snapshot{SessionID: "s1", LastQuestion: "what changed", SelectedFiles: []string{"a.go", "b.go"}, ResponseStyle: "brief"}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap.LastQuestion = "run the tests"
	snap.SelectedFiles = nil
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}

	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastQuestion != "run the tests" || len(got.SelectedFiles) != 0 || got.ResponseStyle != "brief" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestStore_Turns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"one", "two", "three"} {
		if err := store.AppendTurn(ctx, "s1", memory.TurnRecord{User: u, Action: "answer", Mode: "streaming"}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	got, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].User != "two" || got[1].User != "three" {
		t.Errorf("Recent = %+v, want two, three", got)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
