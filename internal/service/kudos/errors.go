package kudos

import "errors"

var (
	ErrValidation               = errors.New("invalid payload")
	ErrSessionNotFound          = errors.New("session not found")
	ErrNoteNotFound             = errors.New("note not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrSessionEnded             = errors.New("session ended")
	ErrSubmissionsLocked        = errors.New("submissions locked")
	ErrNoActiveRound            = errors.New("no active round")
	ErrNoAssignment             = errors.New("no target assigned")
	ErrRoundsExhausted          = errors.New("all rounds completed")
	ErrInsufficientParticipants = errors.New("need at least 2 participants")
	ErrContentRejected          = errors.New("content rejected")
	ErrRateLimited              = errors.New("too many requests")
	ErrBusy                     = errors.New("session busy, retry")
)

// Kind groups errors by how a caller should react.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindConflict
	KindContent
	KindRateLimited
)

// ContentError carries the hint shown to an author whose note was rejected.
type ContentError struct {
	Hint string
}

func (e *ContentError) Error() string {
	if e.Hint == "" {
		return ErrContentRejected.Error()
	}
	return e.Hint
}

// Is makes errors.Is(err, ErrContentRejected) hold.
func (e *ContentError) Is(target error) bool {
	return target == ErrContentRejected
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoteNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrContentRejected):
		return KindContent
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrSessionEnded),
		errors.Is(err, ErrSubmissionsLocked),
		errors.Is(err, ErrNoActiveRound),
		errors.Is(err, ErrNoAssignment),
		errors.Is(err, ErrRoundsExhausted),
		errors.Is(err, ErrInsufficientParticipants),
		errors.Is(err, ErrBusy):
		return KindConflict
	default:
		return KindInternal
	}
}
