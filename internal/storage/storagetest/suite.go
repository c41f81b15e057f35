// Package storagetest holds a conformance suite shared by every storage.Store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

// Factory opens a fresh, empty store whose clock reads now().
type Factory func(t *testing.T, now func() time.Time) storage.Store

var base = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newSession(code string) kudos.Session {
	return kudos.Session{
		ID:             "sess_" + code,
		Code:           code,
		Title:          "Retro",
		Settings:       kudos.Settings{RoundSeconds: 60, RoundCount: 2, Language: "en"},
		Status:         kudos.StatusLobby,
		CreatedAt:      base,
		LastActivityAt: base,
		AdminToken:     "secret",
		ExpiresAt:      base.Add(kudos.Retention),
	}
}

// Run exercises the storage.Store contract.
func Run(t *testing.T, open Factory) {
	clock := func() time.Time { return base.Add(time.Minute) }

	t.Run("CreateAndGetSession", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()

		require.NoError(t, store.CreateSession(ctx, newSession("ABCD23")))
		assert.ErrorIs(t, store.CreateSession(ctx, newSession("ABCD23")), storage.ErrDuplicate)

		got, err := store.GetSession(ctx, "ABCD23")
		require.NoError(t, err)
		assert.Equal(t, "Retro", got.Title)
		assert.Equal(t, kudos.StatusLobby, got.Status)
		assert.Equal(t, 2, got.Settings.RoundCount)
		assert.Equal(t, "secret", got.AdminToken)

		_, err = store.GetSession(ctx, "MISSING")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CommitBumpsRevisionAndRejectsStale", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("REV234")
		require.NoError(t, store.CreateSession(ctx, session))

		session.SubmissionLocked = true
		require.NoError(t, store.Commit(ctx, 0, storage.Change{Session: session}))

		got, err := store.GetSession(ctx, "REV234")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision)
		assert.True(t, got.SubmissionLocked)

		assert.ErrorIs(t, store.Commit(ctx, 0, storage.Change{Session: session}), storage.ErrConflict)
	})

	t.Run("ParticipantsKeepJoinOrder", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("PART23")
		require.NoError(t, store.CreateSession(ctx, session))

		for i, name := range []string{"Ada", "Bo", "Cy"} {
			p := kudos.Participant{
				ID:          "part_" + name,
				SessionCode: session.Code,
				Name:        name,
				Email:       name + "@example.com",
				JoinedAt:    base.Add(time.Duration(i) * time.Second),
				ExpiresAt:   session.ExpiresAt,
			}
			require.NoError(t, store.Commit(ctx, int64(i), storage.Change{Session: session, Participant: &p}))
		}

		participants, err := store.ListParticipants(ctx, session.Code)
		require.NoError(t, err)
		require.Len(t, participants, 3)
		assert.Equal(t, "Ada", participants[0].Name)
		assert.Equal(t, "Cy", participants[2].Name)
		assert.Equal(t, "Bo@example.com", participants[1].Email)
	})

	t.Run("RoundsAreUniquePerIndex", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("ROUND2")
		require.NoError(t, store.CreateSession(ctx, session))

		round := kudos.Round{
			ID:          "round_0",
			SessionCode: session.Code,
			Index:       0,
			Mappings:    []kudos.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
			CreatedAt:   base,
			ExpiresAt:   session.ExpiresAt,
		}
		require.NoError(t, store.Commit(ctx, 0, storage.Change{Session: session, Round: &round}))

		dup := round
		dup.ID = "round_dup"
		assert.ErrorIs(t, store.Commit(ctx, 1, storage.Change{Session: session, Round: &dup}), storage.ErrConflict)

		got, err := store.GetSession(ctx, session.Code)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision, "failed commit must not bump the revision")

		rounds, err := store.ListRounds(ctx, session.Code)
		require.NoError(t, err)
		require.Len(t, rounds, 1)
		assert.Equal(t, round.Mappings, rounds[0].Mappings)
	})

	t.Run("NotesNewestFirstAndSoftDelete", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("NOTE23")
		require.NoError(t, store.CreateSession(ctx, session))

		for i := 0; i < 3; i++ {
			note := kudos.Note{
				ID:          []string{"note_a", "note_b", "note_c"}[i],
				SessionCode: session.Code,
				AuthorID:    "a",
				TargetID:    "b",
				Text:        "thanks for the help",
				CreatedAt:   base.Add(time.Duration(i) * time.Second),
				ExpiresAt:   session.ExpiresAt,
			}
			require.NoError(t, store.Commit(ctx, int64(i), storage.Change{Session: session, Note: &note}))
		}

		require.NoError(t, store.Commit(ctx, 3, storage.Change{Session: session, SoftDeleteNoteID: "note_c"}))
		assert.ErrorIs(t, store.Commit(ctx, 4, storage.Change{Session: session, SoftDeleteNoteID: "note_zz"}), storage.ErrNotFound)

		visible, err := store.ListNotes(ctx, session.Code, storage.NoteQuery{})
		require.NoError(t, err)
		require.Len(t, visible, 2)
		assert.Equal(t, "note_b", visible[0].ID)
		assert.Equal(t, "note_a", visible[1].ID)

		all, err := store.ListNotes(ctx, session.Code, storage.NoteQuery{IncludeDeleted: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "note_c", all[0].ID)
		assert.True(t, all[0].SoftDeleted)

		kept, err := store.GetNote(ctx, session.Code, "note_c")
		require.NoError(t, err)
		assert.True(t, kept.SoftDeleted)
	})

	t.Run("ConcurrentCommitsSingleWinner", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("RACE23")
		require.NoError(t, store.CreateSession(ctx, session))

		const racers = 8
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				round := kudos.Round{
					ID:          "round_" + string(rune('a'+i)),
					SessionCode: session.Code,
					Index:       0,
					Mappings:    []kudos.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
					CreatedAt:   base,
					ExpiresAt:   session.ExpiresAt,
				}
				results <- store.Commit(ctx, 0, storage.Change{Session: session, Round: &round})
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}
		assert.Equal(t, 1, wins)

		rounds, err := store.ListRounds(ctx, session.Code)
		require.NoError(t, err)
		assert.Len(t, rounds, 1)
	})

	t.Run("ExpiredRecordsHiddenAndPurged", func(t *testing.T) {
		now := base
		store := open(t, func() time.Time { return now })
		ctx := context.Background()
		session := newSession("OLD234")
		require.NoError(t, store.CreateSession(ctx, session))

		now = base.Add(kudos.Retention + time.Second)
		_, err := store.GetSession(ctx, session.Code)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		removed, err := store.Purge(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(1))

		// the code is free again once the old session expired
		require.NoError(t, store.CreateSession(ctx, newSession("OLD234")))
	})

	t.Run("AppendChecksGuardWithoutBumpingRevision", func(t *testing.T) {
		store := open(t, clock)
		ctx := context.Background()
		session := newSession("APND23")
		require.NoError(t, store.CreateSession(ctx, session))

		later := base.Add(30 * time.Second)
		participant := kudos.Participant{ID: "p1", SessionCode: session.Code, Name: "Ann", JoinedAt: later, ExpiresAt: session.ExpiresAt}
		require.NoError(t, store.Append(ctx, session.Code, storage.Append{Participant: &participant, ActivityAt: later}))

		got, err := store.GetSession(ctx, session.Code)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Revision)
		assert.True(t, got.LastActivityAt.Equal(later))

		// 活动时间只前进不后退。
		require.NoError(t, store.Append(ctx, session.Code, storage.Append{ActivityAt: base}))
		got, err = store.GetSession(ctx, session.Code)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(later))

		zero, one := 0, 1
		note := kudos.Note{ID: "n1", SessionCode: session.Code, AuthorID: "p1", TargetID: "p2", Text: "Thanks!", CreatedAt: later, ExpiresAt: session.ExpiresAt}
		assert.ErrorIs(t, store.Append(ctx, session.Code, storage.Append{Guard: storage.Guard{Rounds: &one}, Note: &note}), storage.ErrConflict)
		require.NoError(t, store.Append(ctx, session.Code, storage.Append{Guard: storage.Guard{Open: true, Unlocked: true, Rounds: &zero}, Note: &note}))

		session.SubmissionLocked = true
		require.NoError(t, store.Commit(ctx, 0, storage.Change{Session: session}))
		note2 := note
		note2.ID = "n2"
		assert.ErrorIs(t, store.Append(ctx, session.Code, storage.Append{Guard: storage.Guard{Unlocked: true}, Note: &note2}), storage.ErrConflict)

		session.SubmissionLocked = false
		session.Status = kudos.StatusFinished
		require.NoError(t, store.Commit(ctx, 1, storage.Change{Session: session}))
		assert.ErrorIs(t, store.Append(ctx, session.Code, storage.Append{Guard: storage.Guard{Open: true}, Note: &note2}), storage.ErrConflict)

		// the stale activity time in the committed session did not win
		got, err = store.GetSession(ctx, session.Code)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(later))

		notes, err := store.ListNotes(ctx, session.Code, storage.NoteQuery{})
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "n1", notes[0].ID)

		assert.ErrorIs(t, store.Append(ctx, "MISSING", storage.Append{}), storage.ErrNotFound)
	})
}
