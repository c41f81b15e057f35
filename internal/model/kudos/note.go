package kudos

import "time"

// Note is one kudos message written during a round.
type Note struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	RoundIndex  int       `json:"roundIndex"`
	AuthorID    string    `json:"authorId,omitempty"`
	TargetID    string    `json:"targetId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
	SoftDeleted bool      `json:"softDeleted"`
	ExpiresAt   time.Time `json:"-"`
}

// Public hides the author when the session runs anonymously.
func (n Note) Public(anonymous bool) Note {
	if anonymous {
		n.AuthorID = ""
	}
	return n
}
