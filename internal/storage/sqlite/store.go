// Package sqlite persists sessions in a SQLite database using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage"
)

//go:embed schema.sql
var schema string

// Store provides SQLite-backed persistence for kudos sessions.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at the provided path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers so a Commit never fails on lock upgrade.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		sqlDB: sqlDB,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the clock used to hide expired records.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

// CreateSession inserts a new session, replacing an expired one with the same code.
func (s *Store) CreateSession(ctx context.Context, session kudos.Session) error {
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := purgeCode(ctx, tx, session.Code, toMillis(s.now())); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (code, id, title, settings_json, status, round_index, round_started_at,
    submission_locked, created_at, last_activity_at, admin_token, revision, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(code) DO NOTHING
`, session.Code, session.ID, session.Title, string(settings), string(session.Status), session.RoundIndex,
		nullableMillis(session.RoundStartedAt), boolInt(session.SubmissionLocked), toMillis(session.CreatedAt),
		toMillis(session.LastActivityAt), session.AdminToken, session.Revision, toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrDuplicate
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession loads a live session by code.
func (s *Store) GetSession(ctx context.Context, code string) (kudos.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT code, id, title, settings_json, status, round_index, round_started_at, submission_locked,
    created_at, last_activity_at, admin_token, revision, expires_at
FROM sessions
WHERE code = ? AND expires_at > ?
`, code, toMillis(s.now()))

	var (
		session      kudos.Session
		settingsJSON string
		status       string
		roundStarted sql.NullInt64
		locked       int
		createdAt    int64
		lastActivity int64
		expiresAt    int64
	)
	err := row.Scan(&session.Code, &session.ID, &session.Title, &settingsJSON, &status, &session.RoundIndex,
		&roundStarted, &locked, &createdAt, &lastActivity, &session.AdminToken, &session.Revision, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kudos.Session{}, storage.ErrNotFound
		}
		return kudos.Session{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &session.Settings); err != nil {
		return kudos.Session{}, fmt.Errorf("decode settings: %w", err)
	}
	session.Status = kudos.Status(status)
	if roundStarted.Valid {
		started := fromMillis(roundStarted.Int64)
		session.RoundStartedAt = &started
	}
	session.SubmissionLocked = locked != 0
	session.CreatedAt = fromMillis(createdAt)
	session.LastActivityAt = fromMillis(lastActivity)
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// ListParticipants returns participants in join order.
func (s *Store) ListParticipants(ctx context.Context, code string) ([]kudos.Participant, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_code, name, email, host, joined_at, expires_at
FROM participants
WHERE session_code = ? AND expires_at > ?
ORDER BY seq ASC
`, code, toMillis(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]kudos.Participant, 0)
	for rows.Next() {
		var (
			p         kudos.Participant
			host      int
			joinedAt  int64
			expiresAt int64
		)
		if err := rows.Scan(&p.ID, &p.SessionCode, &p.Name, &p.Email, &host, &joinedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Host = host != 0
		p.JoinedAt = fromMillis(joinedAt)
		p.ExpiresAt = fromMillis(expiresAt)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// ListRounds returns rounds ordered by index.
func (s *Store) ListRounds(ctx context.Context, code string) ([]kudos.Round, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_code, idx, mappings_json, created_at, expires_at
FROM rounds
WHERE session_code = ? AND expires_at > ?
ORDER BY idx ASC
`, code, toMillis(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	rounds := make([]kudos.Round, 0)
	for rows.Next() {
		var (
			round        kudos.Round
			mappingsJSON string
			createdAt    int64
			expiresAt    int64
		)
		if err := rows.Scan(&round.ID, &round.SessionCode, &round.Index, &mappingsJSON, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(mappingsJSON), &round.Mappings); err != nil {
			return nil, fmt.Errorf("decode round mappings: %w", err)
		}
		round.CreatedAt = fromMillis(createdAt)
		round.ExpiresAt = fromMillis(expiresAt)
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return rounds, nil
}

// ListNotes returns notes newest first.
func (s *Store) ListNotes(ctx context.Context, code string, query storage.NoteQuery) ([]kudos.Note, error) {
	stmt := `
SELECT id, session_code, round_idx, author_id, target_id, body, created_at, soft_deleted, expires_at
FROM notes
WHERE session_code = ? AND expires_at > ?`
	args := []any{code, toMillis(s.now())}
	if !query.IncludeDeleted {
		stmt += ` AND soft_deleted = 0`
	}
	stmt += ` ORDER BY created_at DESC, seq DESC`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]kudos.Note, 0)
	for rows.Next() {
		note, err := scanNote(rows.Scan)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

// GetNote loads one note, including soft-deleted ones.
func (s *Store) GetNote(ctx context.Context, code, noteID string) (kudos.Note, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, session_code, round_idx, author_id, target_id, body, created_at, soft_deleted, expires_at
FROM notes
WHERE session_code = ? AND id = ? AND expires_at > ?
`, code, noteID, toMillis(s.now()))
	note, err := scanNote(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kudos.Note{}, storage.ErrNotFound
		}
		return kudos.Note{}, err
	}
	return note, nil
}

// Commit applies change in one transaction guarded by the session revision.
func (s *Store) Commit(ctx context.Context, expectedRevision int64, change storage.Change) error {
	session := change.Session
	now := toMillis(s.now())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET title = ?, status = ?, round_index = ?, round_started_at = ?, submission_locked = ?,
    last_activity_at = MAX(last_activity_at, ?), revision = ?
WHERE code = ? AND revision = ? AND expires_at > ?
`, session.Title, string(session.Status), session.RoundIndex, nullableMillis(session.RoundStartedAt),
		boolInt(session.SubmissionLocked), toMillis(session.LastActivityAt), expectedRevision+1,
		session.Code, expectedRevision, now)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE code = ? AND expires_at > ?`, session.Code, now).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return storage.ErrConflict
	}

	if err := insertParticipant(ctx, tx, change.Participant); err != nil {
		return err
	}

	if round := change.Round; round != nil {
		mappings, err := json.Marshal(round.Mappings)
		if err != nil {
			return fmt.Errorf("encode round mappings: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO rounds (session_code, idx, id, mappings_json, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_code, idx) DO NOTHING
`, round.SessionCode, round.Index, round.ID, string(mappings), toMillis(round.CreatedAt), toMillis(round.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert round: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrConflict
		}
	}

	if err := insertNote(ctx, tx, change.Note); err != nil {
		return err
	}

	if change.SoftDeleteNoteID != "" {
		res, err := tx.ExecContext(ctx, `
UPDATE notes SET soft_deleted = 1 WHERE session_code = ? AND id = ? AND expires_at > ?
`, session.Code, change.SoftDeleteNoteID, now)
		if err != nil {
			return fmt.Errorf("soft delete note: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change: %w", err)
	}
	return nil
}

// Append inserts rec's records after checking its guard against the session
// row, all in one transaction. The revision is left alone.
func (s *Store) Append(ctx context.Context, code string, rec storage.Append) error {
	now := toMillis(s.now())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status string
		locked int
		rounds int
	)
	err = tx.QueryRowContext(ctx, `
SELECT status, submission_locked, (SELECT COUNT(*) FROM rounds WHERE session_code = sessions.code AND expires_at > ?)
FROM sessions WHERE code = ? AND expires_at > ?
`, now, code, now).Scan(&status, &locked, &rounds)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}

	guard := rec.Guard
	if guard.Open && kudos.Status(status) == kudos.StatusFinished {
		return storage.ErrConflict
	}
	if guard.Unlocked && locked != 0 {
		return storage.ErrConflict
	}
	if guard.Rounds != nil && rounds != *guard.Rounds {
		return storage.ErrConflict
	}

	if err := insertParticipant(ctx, tx, rec.Participant); err != nil {
		return err
	}
	if err := insertNote(ctx, tx, rec.Note); err != nil {
		return err
	}
	if !rec.ActivityAt.IsZero() {
		if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE code = ?
`, toMillis(rec.ActivityAt), code); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p *kudos.Participant) error {
	if p == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO participants (session_code, id, name, email, host, joined_at, seq, expires_at)
VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM participants WHERE session_code = ?), ?)
`, p.SessionCode, p.ID, p.Name, p.Email, boolInt(p.Host), toMillis(p.JoinedAt), p.SessionCode, toMillis(p.ExpiresAt)); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func insertNote(ctx context.Context, tx *sql.Tx, note *kudos.Note) error {
	if note == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO notes (session_code, id, round_idx, author_id, target_id, body, created_at, seq, soft_deleted, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM notes WHERE session_code = ?), ?, ?)
`, note.SessionCode, note.ID, note.RoundIndex, note.AuthorID, note.TargetID, note.Text, toMillis(note.CreatedAt),
		note.SessionCode, boolInt(note.SoftDeleted), toMillis(note.ExpiresAt)); err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// Purge deletes every record whose expiry is at or before now.
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	cutoff := toMillis(now)
	var removed int64
	for _, table := range []string{"notes", "rounds", "participants", "sessions"} {
		res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

func purgeCode(ctx context.Context, tx *sql.Tx, code string, now int64) error {
	for _, table := range []string{"notes", "rounds", "participants"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_code = ? AND expires_at <= ?`, code, now); err != nil {
			return fmt.Errorf("purge expired %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE code = ? AND expires_at <= ?`, code, now); err != nil {
		return fmt.Errorf("purge expired session: %w", err)
	}
	return nil
}

func scanNote(scan func(dest ...any) error) (kudos.Note, error) {
	var (
		note      kudos.Note
		createdAt int64
		deleted   int
		expiresAt int64
	)
	if err := scan(&note.ID, &note.SessionCode, &note.RoundIndex, &note.AuthorID, &note.TargetID, &note.Text,
		&createdAt, &deleted, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kudos.Note{}, err
		}
		return kudos.Note{}, fmt.Errorf("scan note: %w", err)
	}
	note.CreatedAt = fromMillis(createdAt)
	note.SoftDeleted = deleted != 0
	note.ExpiresAt = fromMillis(expiresAt)
	return note, nil
}

func nullableMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

var _ storage.Store = (*Store)(nil)
