package kudos

import (
	"fmt"
	"math/rand/v2"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	model "github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

const (
	maxTitleLen     = 120
	maxNameLen      = 50
	minNoteLen      = 3
	maxNoteLen      = 280
	minCodeLen      = 4
	maxCodeLen      = 10
	minRoundSeconds = 30
	maxRoundSeconds = 600
	maxRoundCount   = 10
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var languages = map[string]bool{"en": true, "pl": true}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// parseCode normalises a typed session code.
func parseCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if n := len(code); n < minCodeLen || n > maxCodeLen {
		return "", invalid("sessionCode must be %d-%d characters", minCodeLen, maxCodeLen)
	}
	return code, nil
}

// normalizeSettings fills defaults and checks ranges.
func normalizeSettings(in model.Settings) (model.Settings, error) {
	if in.RoundCount == 0 {
		in.RoundCount = 1
	}
	if in.Language == "" {
		in.Language = "en"
	}
	in.Language = strings.ToLower(in.Language)

	if in.RoundSeconds < minRoundSeconds || in.RoundSeconds > maxRoundSeconds {
		return in, invalid("roundSeconds must be between %d and %d", minRoundSeconds, maxRoundSeconds)
	}
	if in.RoundCount < 1 || in.RoundCount > maxRoundCount {
		return in, invalid("roundCount must be between 1 and %d", maxRoundCount)
	}
	if !languages[in.Language] {
		return in, invalid("unsupported language %q", in.Language)
	}
	return in, nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email is not a valid address")
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func newAdminToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newSessionCode returns 6 to 8 characters from codeAlphabet.
func newSessionCode() string {
	n := 6 + rand.IntN(3)
	b := make([]byte, n)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}
