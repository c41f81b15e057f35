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

// SubmitNoteInput 提交感谢便签请求。RecipientID 可选，仅用于校验。
type SubmitNoteInput struct {
	SessionCode string
	AuthorID    string
	RecipientID string
	Text        string
}

// SubmitNote stores a note for the author's assigned recipient in the current round.
func (s *Service) SubmitNote(ctx context.Context, in SubmitNoteInput) (model.Note, error) {
	code, err := parseCode(in.SessionCode)
	if err != nil {
		return model.Note{}, err
	}
	author := strings.TrimSpace(in.AuthorID)
	if author == "" {
		return model.Note{}, invalid("authorId is required")
	}
	text := strings.TrimSpace(in.Text)
	if n := runeLen(text); n < minNoteLen || n > maxNoteLen {
		return model.Note{}, invalid("text must be %d-%d characters", minNoteLen, maxNoteLen)
	}

	var (
		note    model.Note
		checked bool
	)
	err = s.appendTo(ctx, code, func(session model.Session) (storage.Append, error) {
		if session.Finished() {
			return storage.Append{}, ErrSessionEnded
		}
		if session.SubmissionLocked {
			return storage.Append{}, ErrSubmissionsLocked
		}

		rounds, err := s.store.ListRounds(ctx, code)
		if err != nil {
			return storage.Append{}, fmt.Errorf("list rounds: %w", err)
		}
		if len(rounds) == 0 {
			return storage.Append{}, ErrNoActiveRound
		}
		round := rounds[len(rounds)-1]
		target, ok := round.Target(author)
		if !ok {
			return storage.Append{}, ErrNoAssignment
		}
		if in.RecipientID != "" && in.RecipientID != target {
			return storage.Append{}, ErrNoAssignment
		}

		// 内容检查可能调用模型，冲突重试时不重复执行。
		if !checked {
			if verdict := s.policy.Check(ctx, text); !verdict.OK {
				return storage.Append{}, &ContentError{Hint: verdict.Hint}
			}
			checked = true
		}

		now := s.clock()
		note = model.Note{
			ID:          newID("note"),
			SessionCode: code,
			RoundIndex:  round.Index,
			AuthorID:    author,
			TargetID:    target,
			Text:        text,
			CreatedAt:   now,
			ExpiresAt:   session.ExpiresAt,
		}
		// 便签只依赖会话未结束、未锁定且轮次未推进。
		seen := len(rounds)
		return storage.Append{
			Guard:      storage.Guard{Open: true, Unlocked: true, Rounds: &seen},
			Note:       &note,
			ActivityAt: now,
		}, nil
	})
	if err != nil {
		var contentErr *ContentError
		if errors.As(err, &contentErr) {
			log.Printf("[kudos] session=%s note from %s rejected by content policy", code, author)
		}
		return model.Note{}, err
	}

	log.Printf("[kudos] session=%s round=%d note=%s submitted", code, note.RoundIndex, note.ID)
	s.publisher.Publish(ctx, code, realtime.EventNoteSubmitted, map[string]any{
		"noteId":     note.ID,
		"roundIndex": note.RoundIndex,
	})
	return note, nil
}

// SoftDeleteNote hides a note from reads and exports. The record stays stored.
func (s *Service) SoftDeleteNote(ctx context.Context, rawCode, token, noteID string) error {
	code, err := parseCode(rawCode)
	if err != nil {
		return err
	}
	noteID = strings.TrimSpace(noteID)
	if noteID == "" {
		return invalid("noteId is required")
	}

	changed := false
	_, err = s.update(ctx, code, func(session model.Session) (*storage.Change, error) {
		if !authorized(session, token) {
			return nil, ErrUnauthorized
		}
		changed = false
		note, err := s.store.GetNote(ctx, code, noteID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoteNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get note: %w", err)
		}
		if note.SoftDeleted {
			return nil, nil
		}
		changed = true
		touch(&session, s.clock())
		return &storage.Change{Session: session, SoftDeleteNoteID: noteID}, nil
	})
	if err != nil {
		return err
	}

	if changed {
		log.Printf("[kudos] session=%s note=%s soft deleted", code, noteID)
		s.publisher.Publish(ctx, code, realtime.EventModerationUpdate, map[string]any{
			"noteId": noteID,
		})
	}
	return nil
}
