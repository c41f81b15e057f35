package kudos

import (
	"context"
	"fmt"

	"github.com/zhouzirui/kudos-pass/backend/internal/digest"
	"github.com/zhouzirui/kudos-pass/backend/internal/export"
	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

// RecentNotes caps the notes returned by Hydrate.
const RecentNotes = 200

// State is the public view of a session.
type State struct {
	Session      model.Session       `json:"session"`
	Participants []model.Participant `json:"participants"`
	CurrentRound *model.Round        `json:"currentRound"`
	Notes        []model.Note        `json:"notes"`
}

// HydrateResult is State plus its digest. State is nil when Unchanged.
type HydrateResult struct {
	State     *State
	ETag      string
	Unchanged bool
}

// Hydrate returns the public view of a session, or Unchanged when ifNoneMatch
// matches the current digest.
func (s *Service) Hydrate(ctx context.Context, rawCode, ifNoneMatch string) (HydrateResult, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return HydrateResult{}, err
	}
	session, err := s.loadSession(ctx, code)
	if err != nil {
		return HydrateResult{}, err
	}
	participants, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return HydrateResult{}, fmt.Errorf("list participants: %w", err)
	}
	rounds, err := s.store.ListRounds(ctx, code)
	if err != nil {
		return HydrateResult{}, fmt.Errorf("list rounds: %w", err)
	}
	notes, err := s.store.ListNotes(ctx, code, storage.NoteQuery{Limit: RecentNotes})
	if err != nil {
		return HydrateResult{}, fmt.Errorf("list notes: %w", err)
	}

	in := digest.Input{
		Session:          session,
		ParticipantCount: len(participants),
		LatestRoundIndex: digest.NoRound,
	}
	if len(rounds) > 0 {
		in.LatestRoundIndex = rounds[len(rounds)-1].Index
	}
	if len(notes) > 0 {
		in.LatestNoteAt = notes[0].CreatedAt
	}
	tag := digest.Compute(in)
	if digest.Match(ifNoneMatch, tag) {
		return HydrateResult{ETag: tag, Unchanged: true}, nil
	}

	state := &State{
		Session:      session.Public(),
		Participants: make([]model.Participant, len(participants)),
		Notes:        make([]model.Note, len(notes)),
	}
	for i, p := range participants {
		state.Participants[i] = p.Public()
	}
	anonymous := session.Settings.Anonymity
	for i, n := range notes {
		state.Notes[i] = n.Public(anonymous)
	}
	if session.Status == model.StatusRunning && len(rounds) > 0 {
		round := rounds[len(rounds)-1].Public(anonymous)
		state.CurrentRound = &round
	}
	return HydrateResult{State: state, ETag: tag}, nil
}

// Assignment is one participant's edge in the running round.
type Assignment struct {
	RoundIndex int    `json:"roundIndex"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName"`
}

// Assignment looks up who participantID writes to in the running round. It is
// how clients of anonymous sessions learn their recipient, since the public
// round omits the full mapping there.
func (s *Service) Assignment(ctx context.Context, rawCode, participantID string) (Assignment, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return Assignment{}, err
	}
	if participantID == "" {
		return Assignment{}, invalid("participantId is required")
	}
	session, err := s.loadSession(ctx, code)
	if err != nil {
		return Assignment{}, err
	}
	if session.Status != model.StatusRunning {
		return Assignment{}, ErrNoActiveRound
	}
	rounds, err := s.store.ListRounds(ctx, code)
	if err != nil {
		return Assignment{}, fmt.Errorf("list rounds: %w", err)
	}
	if len(rounds) == 0 {
		return Assignment{}, ErrNoActiveRound
	}
	round := rounds[len(rounds)-1]
	target, ok := round.Target(participantID)
	if !ok {
		return Assignment{}, ErrNoAssignment
	}

	participants, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return Assignment{}, fmt.Errorf("list participants: %w", err)
	}
	out := Assignment{RoundIndex: round.Index, TargetID: target}
	for _, p := range participants {
		if p.ID == target {
			out.TargetName = p.Name
			break
		}
	}
	return out, nil
}

// ExportNotes returns the visible notes oldest first with participant names
// resolved. Author names are left blank for anonymous sessions.
func (s *Service) ExportNotes(ctx context.Context, rawCode, token string) ([]export.Row, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authorized(session, token) {
		return nil, ErrUnauthorized
	}

	participants, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	names := make(map[string]string, len(participants))
	for _, p := range participants {
		names[p.ID] = p.Name
	}
	notes, err := s.store.ListNotes(ctx, code, storage.NoteQuery{})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	rows := make([]export.Row, 0, len(notes))
	for i := len(notes) - 1; i >= 0; i-- {
		note := notes[i]
		row := export.Row{
			TargetName: names[note.TargetID],
			Text:       note.Text,
			RoundIndex: note.RoundIndex,
			CreatedAt:  note.CreatedAt,
		}
		if !session.Settings.Anonymity {
			row.AuthorName = names[note.AuthorID]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AuditNotes returns every note including soft-deleted ones, newest first.
// It backs the admin's moderation view.
func (s *Service) AuditNotes(ctx context.Context, rawCode, token string) ([]model.Note, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authorized(session, token) {
		return nil, ErrUnauthorized
	}
	notes, err := s.store.ListNotes(ctx, code, storage.NoteQuery{IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	for i := range notes {
		notes[i] = notes[i].Public(session.Settings.Anonymity)
	}
	return notes, nil
}
