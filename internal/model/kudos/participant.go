package kudos

import "time"

// Participant is a person who joined a session. Participants are never removed.
type Participant struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Host        bool      `json:"host,omitempty"`
	JoinedAt    time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"-"`
}

// Public strips the contact field.
func (p Participant) Public() Participant {
	p.Email = ""
	return p
}
