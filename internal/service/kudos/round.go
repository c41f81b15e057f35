package kudos

import (
	"context"
	"fmt"
	"log"
	"time"

	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/pairing"
	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

// RoundResult describes the session's round position after StartRound or EndRound.
type RoundResult struct {
	Finished       bool       `json:"finished"`
	RoundIndex     int        `json:"roundIndex"`
	RoundStartedAt *time.Time `json:"roundStartUtc,omitempty"`
	// Advanced is false when another caller had already moved the session on
	// and this call changed nothing.
	Advanced bool `json:"advanced"`
}

type advanceMode int

const (
	advanceStart advanceMode = iota
	advanceEnd
)

// StartRound pairs all participants into the next round.
func (s *Service) StartRound(ctx context.Context, code, token string) (RoundResult, error) {
	return s.advance(ctx, code, token, advanceStart, nil)
}

// EndRound closes the current round and starts the next one, or finishes the
// session once every configured round has run. observedRound is the index the
// caller saw expiring; nil means whatever the first read shows. Calls racing on
// the same round collapse into one advance.
func (s *Service) EndRound(ctx context.Context, code, token string, observedRound *int) (RoundResult, error) {
	return s.advance(ctx, code, token, advanceEnd, observedRound)
}

func (s *Service) advance(ctx context.Context, rawCode, token string, mode advanceMode, observedRound *int) (RoundResult, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return RoundResult{}, err
	}
	// observed 是调用方看到的已创建轮数，-1 表示以首次读取为准。
	observed := -1
	if observedRound != nil {
		if *observedRound < 0 {
			return RoundResult{}, invalid("round must not be negative")
		}
		observed = *observedRound + 1
	}

	var (
		result  RoundResult
		started *model.Round
		phase   pairing.Phase
		seconds int
	)
	_, err = s.update(ctx, code, func(session model.Session) (*storage.Change, error) {
		started, result = nil, current(session)
		seconds = session.Settings.RoundSeconds
		if !authorized(session, token) {
			return nil, ErrUnauthorized
		}

		rounds, err := s.store.ListRounds(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("list rounds: %w", err)
		}
		if observed < 0 {
			observed = len(rounds)
		}
		switch {
		case len(rounds) > observed:
			return nil, nil
		case len(rounds) < observed:
			return nil, ErrNoActiveRound
		}

		if session.Finished() {
			if mode == advanceStart {
				return nil, ErrSessionEnded
			}
			return nil, nil
		}

		now := s.clock()
		if len(rounds) >= session.Settings.RoundCount {
			if mode == advanceStart {
				return nil, ErrRoundsExhausted
			}
			session.Status = model.StatusFinished
			touch(&session, now)
			result = current(session)
			result.Advanced = true
			return &storage.Change{Session: session}, nil
		}

		participants, err := s.store.ListParticipants(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		if len(participants) < 2 {
			return nil, ErrInsufficientParticipants
		}
		ids := make([]string, len(participants))
		for i, p := range participants {
			ids[i] = p.ID
		}

		var mappings []model.Edge
		mappings, phase = s.pairing.GenerateWithReport(ids, pairing.UsedEdges(rounds))

		round := model.Round{
			ID:          newID("round"),
			SessionCode: code,
			Index:       len(rounds),
			Mappings:    mappings,
			CreatedAt:   now,
			ExpiresAt:   session.ExpiresAt,
		}
		startedAt := now
		session.Status = model.StatusRunning
		session.RoundIndex = round.Index
		session.RoundStartedAt = &startedAt
		touch(&session, now)

		started = &round
		result = current(session)
		result.Advanced = true
		return &storage.Change{Session: session, Round: &round}, nil
	})
	if err != nil {
		return RoundResult{}, err
	}

	switch {
	case started != nil:
		if phase != pairing.PhaseStrict {
			log.Printf("[kudos] session=%s round=%d paired with %s phase, repeats possible", code, started.Index, phase)
		}
		log.Printf("[kudos] session=%s round=%d started participants=%d", code, started.Index, len(started.Mappings))
		s.publisher.Publish(ctx, code, realtime.EventRoundStart, map[string]any{
			"roundIndex":    started.Index,
			"roundStartUtc": result.RoundStartedAt,
			"roundSeconds":  seconds,
		})
	case result.Advanced && result.Finished:
		log.Printf("[kudos] session=%s finished after round=%d", code, result.RoundIndex)
		s.publisher.Publish(ctx, code, realtime.EventSessionUpdate, map[string]any{
			"status": model.StatusFinished,
		})
	}
	return result, nil
}

func current(session model.Session) RoundResult {
	return RoundResult{
		Finished:       session.Finished(),
		RoundIndex:     session.RoundIndex,
		RoundStartedAt: session.RoundStartedAt,
	}
}
