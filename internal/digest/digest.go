// Package digest derives the weak ETag that lets pollers skip unchanged state.
package digest

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

// NoRound marks a session without rounds.
const NoRound = -1

// Input is everything a digest depends on.
type Input struct {
	Session          kudos.Session
	ParticipantCount int
	LatestRoundIndex int
	// LatestNoteAt is the creation time of the newest note that is not soft
	// deleted; zero when there is none.
	LatestNoteAt time.Time
}

// Compute returns a weak ETag for in.
func Compute(in Input) string {
	s := in.Session

	var b strings.Builder
	b.WriteString(s.Code)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(s.Revision, 10))
	b.WriteByte('|')
	b.WriteString(string(s.Status))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.RoundIndex))
	b.WriteByte('|')
	if s.RoundStartedAt != nil {
		b.WriteString(strconv.FormatInt(s.RoundStartedAt.UnixNano(), 10))
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.SubmissionLocked))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(s.LastActivityAt.UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(in.ParticipantCount))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(in.LatestRoundIndex))
	b.WriteByte('|')
	if !in.LatestNoteAt.IsZero() {
		b.WriteString(strconv.FormatInt(in.LatestNoteAt.UnixNano(), 10))
	}

	sum := blake3.Sum256([]byte(b.String()))
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:16]) + `"`
}

// Match reports whether an If-None-Match header value matches tag.
func Match(header, tag string) bool {
	header = strings.TrimSpace(header)
	if header == "" || tag == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := opaque(tag)
	for _, candidate := range strings.Split(header, ",") {
		if opaque(candidate) == want {
			return true
		}
	}
	return false
}

// opaque strips the weak prefix so W/"x" and "x" compare equal.
func opaque(tag string) string {
	tag = strings.TrimSpace(tag)
	return strings.TrimPrefix(tag, "W/")
}
