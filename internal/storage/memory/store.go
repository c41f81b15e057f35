// Package memory keeps sessions in process memory. It suits single-instance
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

type sessionState struct {
	session      kudos.Session
	participants []kudos.Participant
	rounds       []kudos.Round
	notes        []kudos.Note
}

// Store implements storage.Store with a mutex-guarded map keyed by session code.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*sessionState),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used to hide expired records.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// live returns the state for code if it exists and has not expired. Callers hold mu.
func (s *Store) live(code string) (*sessionState, bool) {
	state, ok := s.sessions[code]
	if !ok || state.session.Expired(s.now()) {
		return nil, false
	}
	return state, true
}

func (s *Store) CreateSession(ctx context.Context, session kudos.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(session.Code); ok {
		return storage.ErrDuplicate
	}
	s.sessions[session.Code] = &sessionState{session: session}
	return nil
}

func (s *Store) GetSession(ctx context.Context, code string) (kudos.Session, error) {
	if err := ctx.Err(); err != nil {
		return kudos.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.live(code)
	if !ok {
		return kudos.Session{}, storage.ErrNotFound
	}
	return copySession(state.session), nil
}

func (s *Store) ListParticipants(ctx context.Context, code string) ([]kudos.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.live(code)
	if !ok {
		return []kudos.Participant{}, nil
	}
	return append([]kudos.Participant{}, state.participants...), nil
}

func (s *Store) ListRounds(ctx context.Context, code string) ([]kudos.Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.live(code)
	if !ok {
		return []kudos.Round{}, nil
	}
	rounds := make([]kudos.Round, len(state.rounds))
	for i, round := range state.rounds {
		rounds[i] = copyRound(round)
	}
	return rounds, nil
}

func (s *Store) ListNotes(ctx context.Context, code string, query storage.NoteQuery) ([]kudos.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.live(code)
	if !ok {
		return []kudos.Note{}, nil
	}
	notes := make([]kudos.Note, 0, len(state.notes))
	for i := len(state.notes) - 1; i >= 0; i-- {
		note := state.notes[i]
		if note.SoftDeleted && !query.IncludeDeleted {
			continue
		}
		notes = append(notes, note)
	}
	// 按创建时间倒序，时间相同时后写入者在前。
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
	if query.Limit > 0 && len(notes) > query.Limit {
		notes = notes[:query.Limit]
	}
	return notes, nil
}

func (s *Store) GetNote(ctx context.Context, code, noteID string) (kudos.Note, error) {
	if err := ctx.Err(); err != nil {
		return kudos.Note{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.live(code)
	if !ok {
		return kudos.Note{}, storage.ErrNotFound
	}
	for _, note := range state.notes {
		if note.ID == noteID {
			return note, nil
		}
	}
	return kudos.Note{}, storage.ErrNotFound
}

func (s *Store) Commit(ctx context.Context, expectedRevision int64, change storage.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.live(change.Session.Code)
	if !ok {
		return storage.ErrNotFound
	}
	if state.session.Revision != expectedRevision {
		return storage.ErrConflict
	}
	if change.Round != nil {
		for _, round := range state.rounds {
			if round.Index == change.Round.Index {
				return storage.ErrConflict
			}
		}
	}
	deleteAt := -1
	if change.SoftDeleteNoteID != "" {
		for i, note := range state.notes {
			if note.ID == change.SoftDeleteNoteID {
				deleteAt = i
				break
			}
		}
		if deleteAt < 0 {
			return storage.ErrNotFound
		}
	}

	session := copySession(change.Session)
	session.Revision = expectedRevision + 1
	if state.session.LastActivityAt.After(session.LastActivityAt) {
		session.LastActivityAt = state.session.LastActivityAt
	}
	state.session = session

	if change.Participant != nil {
		state.participants = append(state.participants, *change.Participant)
	}
	if change.Round != nil {
		state.rounds = append(state.rounds, copyRound(*change.Round))
		sort.Slice(state.rounds, func(i, j int) bool { return state.rounds[i].Index < state.rounds[j].Index })
	}
	if change.Note != nil {
		state.notes = append(state.notes, *change.Note)
	}
	if deleteAt >= 0 {
		state.notes[deleteAt].SoftDeleted = true
	}
	return nil
}

func (s *Store) Append(ctx context.Context, code string, rec storage.Append) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.live(code)
	if !ok {
		return storage.ErrNotFound
	}
	guard := rec.Guard
	if guard.Open && state.session.Finished() {
		return storage.ErrConflict
	}
	if guard.Unlocked && state.session.SubmissionLocked {
		return storage.ErrConflict
	}
	if guard.Rounds != nil && len(state.rounds) != *guard.Rounds {
		return storage.ErrConflict
	}

	if rec.Participant != nil {
		state.participants = append(state.participants, *rec.Participant)
	}
	if rec.Note != nil {
		state.notes = append(state.notes, *rec.Note)
	}
	if rec.ActivityAt.After(state.session.LastActivityAt) {
		state.session.LastActivityAt = rec.ActivityAt
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for code, state := range s.sessions {
		if !state.session.Expired(now) {
			continue
		}
		removed += int64(1 + len(state.participants) + len(state.rounds) + len(state.notes))
		delete(s.sessions, code)
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func copySession(session kudos.Session) kudos.Session {
	if session.RoundStartedAt != nil {
		started := *session.RoundStartedAt
		session.RoundStartedAt = &started
	}
	return session
}

func copyRound(round kudos.Round) kudos.Round {
	round.Mappings = append([]kudos.Edge(nil), round.Mappings...)
	return round
}

var _ storage.Store = (*Store)(nil)
