// Package storage defines the persistence contract the session engine runs on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

var (
	// ErrNotFound is returned when a record is missing or expired.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by Commit when the session revision moved or a
	// round index is already taken, and by Append when its guard no longer holds.
	ErrConflict = errors.New("storage: revision conflict")
	// ErrDuplicate is returned when creating a session whose code is in use.
	ErrDuplicate = errors.New("storage: duplicate key")
)

// Change is the set of writes applied by one Commit. Session is always
// written; the other fields are optional.
type Change struct {
	Session          kudos.Session
	Participant      *kudos.Participant
	Round            *kudos.Round
	Note             *kudos.Note
	SoftDeleteNoteID string
}

// Guard lists the session state an Append depends on. Zero values check nothing.
type Guard struct {
	// Open requires the session not to be finished.
	Open bool
	// Unlocked requires note submission to be open.
	Unlocked bool
	// Rounds, when non-nil, requires exactly this many stored rounds.
	Rounds *int
}

// Append adds one participant or note to a session without taking part in the
// revision compare-and-swap. Appends only conflict with writes that break
// their Guard.
type Append struct {
	Guard       Guard
	Participant *kudos.Participant
	Note        *kudos.Note
	// ActivityAt moves the session's last activity forward, never backwards.
	ActivityAt time.Time
}

// NoteQuery filters ListNotes.
type NoteQuery struct {
	IncludeDeleted bool
	// Limit caps the result size; zero means no limit.
	Limit int
}

// Store persists sessions and their scoped records. Every record of a
// session shares the session's expiry; expired records are invisible.
type Store interface {
	CreateSession(ctx context.Context, session kudos.Session) error
	GetSession(ctx context.Context, code string) (kudos.Session, error)
	ListParticipants(ctx context.Context, code string) ([]kudos.Participant, error)
	// ListRounds returns rounds ordered by index ascending.
	ListRounds(ctx context.Context, code string) ([]kudos.Round, error)
	// ListNotes returns notes newest first.
	ListNotes(ctx context.Context, code string, query NoteQuery) ([]kudos.Note, error)
	GetNote(ctx context.Context, code, noteID string) (kudos.Note, error)
	// Commit atomically applies change if the stored session revision equals
	// expectedRevision. The stored revision becomes expectedRevision+1. The
	// stored last activity time never moves backwards.
	Commit(ctx context.Context, expectedRevision int64, change Change) error
	// Append atomically checks rec.Guard and inserts its records. It leaves the
	// revision untouched.
	Append(ctx context.Context, code string, rec Append) error
	// Purge removes records expired at now and reports how many were removed.
	Purge(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
