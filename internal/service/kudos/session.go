package kudos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

// codeAttempts bounds retries when a generated code is already taken.
const codeAttempts = 5

// CreateSessionInput 创建会话请求
type CreateSessionInput struct {
	Title    string
	Settings model.Settings
}

// CreateSessionResult carries the capability returned to the creator.
type CreateSessionResult struct {
	SessionCode string `json:"sessionCode"`
	AdminToken  string `json:"adminToken"`
}

// CreateSession stores a new session in the lobby.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (CreateSessionResult, error) {
	title := strings.TrimSpace(in.Title)
	if n := runeLen(title); n < 1 || n > maxTitleLen {
		return CreateSessionResult{}, invalid("title must be 1-%d characters", maxTitleLen)
	}
	settings, err := normalizeSettings(in.Settings)
	if err != nil {
		return CreateSessionResult{}, err
	}

	now := s.clock()
	session := model.Session{
		ID:             newID("session"),
		Title:          title,
		Settings:       settings,
		Status:         model.StatusLobby,
		RoundIndex:     0,
		CreatedAt:      now,
		LastActivityAt: now,
		AdminToken:     newAdminToken(),
		ExpiresAt:      now.Add(model.Retention),
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		session.Code = newSessionCode()
		err = s.store.CreateSession(ctx, session)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return CreateSessionResult{}, fmt.Errorf("create session: %w", err)
		}

		log.Printf("[kudos] session=%s created rounds=%d seconds=%d", session.Code, settings.RoundCount, settings.RoundSeconds)
		s.publisher.Publish(ctx, session.Code, realtime.EventSessionUpdate, map[string]any{
			"sessionCode": session.Code,
			"status":      session.Status,
		})
		return CreateSessionResult{SessionCode: session.Code, AdminToken: session.AdminToken}, nil
	}
	return CreateSessionResult{}, fmt.Errorf("create session: no free code after %d attempts", codeAttempts)
}

// JoinInput 加入会话请求。AdminToken 可选，有效时参与者被标记为主持人。
type JoinInput struct {
	SessionCode string
	Name        string
	Email       string
	AdminToken  string
}

// Join records a participant.
func (s *Service) Join(ctx context.Context, in JoinInput) (model.Participant, error) {
	code, err := parseCode(in.SessionCode)
	if err != nil {
		return model.Participant{}, err
	}
	name := strings.TrimSpace(in.Name)
	if n := runeLen(name); n < 1 || n > maxNameLen {
		return model.Participant{}, invalid("name must be 1-%d characters", maxNameLen)
	}
	email := strings.TrimSpace(in.Email)
	if err := validateEmail(email); err != nil {
		return model.Participant{}, err
	}

	participant := model.Participant{
		ID:          newID("participant"),
		SessionCode: code,
		Name:        name,
		Email:       email,
	}
	err = s.appendTo(ctx, code, func(session model.Session) (storage.Append, error) {
		if in.AdminToken != "" && !authorized(session, in.AdminToken) {
			return storage.Append{}, ErrUnauthorized
		}
		now := s.clock()
		participant.Host = in.AdminToken != ""
		participant.JoinedAt = now
		participant.ExpiresAt = session.ExpiresAt
		return storage.Append{Participant: &participant, ActivityAt: now}, nil
	})
	if err != nil {
		return model.Participant{}, err
	}

	log.Printf("[kudos] session=%s participant=%s joined", code, participant.ID)
	s.publisher.Publish(ctx, code, realtime.EventSessionUpdate, map[string]any{
		"participant": participant.Public(),
	})
	return participant, nil
}

// SetSubmissionLock opens or closes note submission.
func (s *Service) SetSubmissionLock(ctx context.Context, rawCode, token string, locked bool) (model.Session, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return model.Session{}, err
	}
	changed := false
	session, err := s.update(ctx, code, func(session model.Session) (*storage.Change, error) {
		if !authorized(session, token) {
			return nil, ErrUnauthorized
		}
		changed = false
		if session.SubmissionLocked == locked {
			return nil, nil
		}
		changed = true
		session.SubmissionLocked = locked
		touch(&session, s.clock())
		return &storage.Change{Session: session}, nil
	})
	if err != nil {
		return model.Session{}, err
	}

	if changed {
		log.Printf("[kudos] session=%s submissionLocked=%t", code, locked)
		s.publisher.Publish(ctx, code, realtime.EventSessionUpdate, map[string]any{
			"submissionLocked": locked,
		})
	}
	return session.Public(), nil
}

// EndSession moves the session to finished from any state.
func (s *Service) EndSession(ctx context.Context, rawCode, token string) (model.Session, error) {
	code, err := parseCode(rawCode)
	if err != nil {
		return model.Session{}, err
	}
	changed := false
	session, err := s.update(ctx, code, func(session model.Session) (*storage.Change, error) {
		if !authorized(session, token) {
			return nil, ErrUnauthorized
		}
		changed = false
		if session.Finished() {
			return nil, nil
		}
		changed = true
		session.Status = model.StatusFinished
		touch(&session, s.clock())
		return &storage.Change{Session: session}, nil
	})
	if err != nil {
		return model.Session{}, err
	}

	if changed {
		log.Printf("[kudos] session=%s ended by admin", code)
		s.publisher.Publish(ctx, code, realtime.EventSessionUpdate, map[string]any{
			"status": model.StatusFinished,
		})
	}
	return session.Public(), nil
}
