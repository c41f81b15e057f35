// Package kudos implements the session state machine: lobby, running rounds and
// the finished state. Admin transitions are compare-and-swap commits against the
// session revision; joins and notes are guarded appends that only conflict with
// the transitions they depend on.
package kudos

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/analysis/positivity"
	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/pairing"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

// DefaultMaxRetries bounds how often a mutation re-reads after a conflict.
const DefaultMaxRetries = 8

// retryBackoff is the base delay before a conflicting attempt is retried.
const retryBackoff = 2 * time.Millisecond

// Publisher pushes best-effort events to a session channel.
type Publisher interface {
	Publish(ctx context.Context, sessionCode, event string, payload any)
}

// ContentPolicy decides whether a note may be stored.
type ContentPolicy interface {
	Check(ctx context.Context, text string) positivity.Result
}

// PairingGenerator produces the author to recipient mapping of a new round.
type PairingGenerator interface {
	GenerateWithReport(participants []string, used pairing.EdgeSet) ([]model.Edge, pairing.Phase)
}

// Service 负责会话生命周期，所有写操作都通过存储层的 revision CAS 完成。
type Service struct {
	store      storage.Store
	publisher  Publisher
	policy     ContentPolicy
	pairing    PairingGenerator
	now        func() time.Time
	maxRetries int
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPairing replaces the pairing generator.
func WithPairing(g PairingGenerator) Option {
	return func(s *Service) { s.pairing = g }
}

// WithContentPolicy replaces the heuristic content check.
func WithContentPolicy(p ContentPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMaxRetries bounds conflict retries.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewService creates the session engine. A nil publisher disables push.
func NewService(store storage.Store, publisher Publisher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		publisher:  publisher,
		policy:     heuristicPolicy{},
		pairing:    pairing.Generator{},
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	return s
}

type heuristicPolicy struct{}

func (heuristicPolicy) Check(_ context.Context, text string) positivity.Result {
	return positivity.Check(text)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) {}

// clock returns the current time at the precision every store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// mutation builds the change for one attempt. Returning a nil change ends the
// loop without writing.
type mutation func(session model.Session) (*storage.Change, error)

// update loads the session, lets apply decide, and commits against the revision
// that was read. A revision conflict re-runs apply on fresh state.
func (s *Service) update(ctx context.Context, code string, apply mutation) (model.Session, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		session, err := s.loadSession(ctx, code)
		if err != nil {
			return model.Session{}, err
		}

		change, err := apply(session)
		if err != nil {
			return session, err
		}
		if change == nil {
			return session, nil
		}

		err = s.store.Commit(ctx, session.Revision, *change)
		switch {
		case err == nil:
			committed := change.Session
			committed.Revision = session.Revision + 1
			return committed, nil
		case errors.Is(err, storage.ErrConflict):
			if err := s.backoff(ctx, attempt); err != nil {
				return session, err
			}
			continue
		case errors.Is(err, storage.ErrNotFound):
			if change.SoftDeleteNoteID != "" {
				return session, ErrNoteNotFound
			}
			return session, ErrSessionNotFound
		default:
			return session, fmt.Errorf("commit session %s: %w", code, err)
		}
	}

	log.Printf("[kudos] session=%s gave up after %d conflicting commits", code, s.maxRetries)
	return model.Session{}, ErrBusy
}

// appender builds the guarded append for one attempt from the session it read.
type appender func(session model.Session) (storage.Append, error)

// appendTo inserts a participant or note. A guard conflict means an admin
// transition landed in between, so build runs again on fresh state.
func (s *Service) appendTo(ctx context.Context, code string, build appender) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		session, err := s.loadSession(ctx, code)
		if err != nil {
			return err
		}
		rec, err := build(session)
		if err != nil {
			return err
		}

		err = s.store.Append(ctx, code, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrConflict):
			if err := s.backoff(ctx, attempt); err != nil {
				return err
			}
		case errors.Is(err, storage.ErrNotFound):
			return ErrSessionNotFound
		default:
			return fmt.Errorf("append to session %s: %w", code, err)
		}
	}

	log.Printf("[kudos] session=%s gave up after %d conflicting appends", code, s.maxRetries)
	return ErrBusy
}

// backoff sleeps a jittered, growing delay before the next attempt.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	delay := retryBackoff << min(attempt, 6)
	delay = delay/2 + rand.N(delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) loadSession(ctx context.Context, code string) (model.Session, error) {
	session, err := s.store.GetSession(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load session %s: %w", code, err)
	}
	return session, nil
}

// authorized compares the presented token with the stored one in constant time.
func authorized(session model.Session, token string) bool {
	if token == "" || session.AdminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.AdminToken), []byte(token)) == 1
}

// touch bumps the activity timestamp; it never moves backwards.
func touch(session *model.Session, now time.Time) {
	if now.After(session.LastActivityAt) {
		session.LastActivityAt = now
	}
}
