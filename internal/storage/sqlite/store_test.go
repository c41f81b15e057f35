package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage/storagetest"
)

func openTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kudos.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store.WithClock(now)
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		return openTestStore(t, now)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kudos.db")
	started := time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC)
	now := func() time.Time { return started }

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.WithClock(now)

	session := kudos.Session{
		ID:             "sess_1",
		Code:           "KEEP23",
		Title:          "Sprint 12",
		Settings:       kudos.Settings{Anonymity: true, RoundSeconds: 90, RoundCount: 3, Language: "pl"},
		Status:         kudos.StatusLobby,
		CreatedAt:      started,
		LastActivityAt: started,
		AdminToken:     "tok",
		ExpiresAt:      started.Add(kudos.Retention),
	}
	ctx := context.Background()
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	session.Status = kudos.StatusRunning
	session.RoundStartedAt = &started
	if err := store.Commit(ctx, 0, storage.Change{Session: session}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	reopened.WithClock(now)

	got, err := reopened.GetSession(ctx, "KEEP23")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != kudos.StatusRunning || got.RoundStartedAt == nil || !got.RoundStartedAt.Equal(started) {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if !got.Settings.Anonymity || got.Settings.Language != "pl" || got.Settings.RoundCount != 3 {
		t.Fatalf("settings not preserved: %+v", got.Settings)
	}
	if got.Revision != 1 {
		t.Fatalf("revision = %d, want 1", got.Revision)
	}
}
