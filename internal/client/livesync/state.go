package livesync

import (
	"time"

	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

// State is the connectivity mode of a Syncer.
type State int

const (
	StateConnecting State = iota
	StateLive
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StatePolling:
		return "degraded-polling"
	default:
		return "unknown"
	}
}

// Snapshot mirrors the hydrate response.
type Snapshot struct {
	Session      model.Session       `json:"session"`
	Participants []model.Participant `json:"participants"`
	CurrentRound *model.Round        `json:"currentRound"`
	Notes        []model.Note        `json:"notes"`
}

// RoundStart is the payload of a pushed round:start event.
type RoundStart struct {
	RoundIndex    int        `json:"roundIndex"`
	RoundStartUtc *time.Time `json:"roundStartUtc"`
	RoundSeconds  int        `json:"roundSeconds"`
}

// Countdown returns the time left in a round that started at start and lasts
// seconds, seen from a client whose clock runs skew behind the server.
// It never returns a negative duration.
func Countdown(start time.Time, seconds int, now time.Time, skew time.Duration) time.Duration {
	end := start.Add(time.Duration(seconds) * time.Second)
	remaining := end.Sub(now.Add(skew))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// roundClock is what the countdown needs to know about the current round.
type roundClock struct {
	running bool
	index   int
	start   time.Time
	seconds int
}

func clockFromSnapshot(snap Snapshot) roundClock {
	session := snap.Session
	if session.Status != model.StatusRunning || session.RoundStartedAt == nil {
		return roundClock{}
	}
	return roundClock{
		running: true,
		index:   session.RoundIndex,
		start:   *session.RoundStartedAt,
		seconds: session.Settings.RoundSeconds,
	}
}
