// Package pairing draws the author→recipient derangement for a round.
package pairing

import (
	"math/rand/v2"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

// DefaultAttempts bounds each sampling phase.
const DefaultAttempts = 200

// Phase identifies which sampling phase produced a mapping.
type Phase string

const (
	PhaseNone     Phase = "none"
	PhaseStrict   Phase = "strict"
	PhaseRelaxed  Phase = "relaxed"
	PhaseRotation Phase = "rotation"
)

// EdgeSet holds edges already used by earlier rounds, keyed by Edge.Key.
type EdgeSet map[string]struct{}

// Has reports whether the edge from→to is in the set.
func (s EdgeSet) Has(from, to string) bool {
	_, ok := s[kudos.Edge{From: from, To: to}.Key()]
	return ok
}

// Add records edge.
func (s EdgeSet) Add(edge kudos.Edge) {
	s[edge.Key()] = struct{}{}
}

// UsedEdges collects every edge of the supplied rounds.
func UsedEdges(rounds []kudos.Round) EdgeSet {
	used := make(EdgeSet)
	for _, round := range rounds {
		for _, edge := range round.Mappings {
			used.Add(edge)
		}
	}
	return used
}

// Generator samples derangements. The zero value is ready to use.
type Generator struct {
	// Attempts per phase; zero means DefaultAttempts.
	Attempts int
	// Rand is the random source; nil uses the runtime's global source.
	Rand *rand.Rand
}

// Generate returns one edge per participant, no participant paired with
// themselves, avoiding edges in used whenever the sampling budget allows.
func (g Generator) Generate(participants []string, used EdgeSet) []kudos.Edge {
	edges, _ := g.GenerateWithReport(participants, used)
	return edges
}

// GenerateWithReport is Generate plus the phase that produced the mapping.
func (g Generator) GenerateWithReport(participants []string, used EdgeSet) ([]kudos.Edge, Phase) {
	n := len(participants)
	if n < 2 {
		return []kudos.Edge{}, PhaseNone
	}

	authors := append([]string(nil), participants...)
	targets := append([]string(nil), participants...)

	if g.sample(authors, targets, used) {
		return zip(authors, targets), PhaseStrict
	}

	// Used-edge constraint dropped; a repeat pairing is better than no round.
	if g.sample(authors, targets, nil) {
		return zip(authors, targets), PhaseRelaxed
	}

	return rotate(authors), PhaseRotation
}

func (g Generator) sample(authors, targets []string, used EdgeSet) bool {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		g.shuffle(targets)
		if valid(authors, targets, used) {
			return true
		}
	}
	return false
}

func (g Generator) shuffle(items []string) {
	swap := func(i, j int) { items[i], items[j] = items[j], items[i] }
	if g.Rand != nil {
		g.Rand.Shuffle(len(items), swap)
		return
	}
	rand.Shuffle(len(items), swap)
}

func valid(authors, targets []string, used EdgeSet) bool {
	for i := range authors {
		if authors[i] == targets[i] {
			return false
		}
		if used != nil && used.Has(authors[i], targets[i]) {
			return false
		}
	}
	return true
}

func zip(authors, targets []string) []kudos.Edge {
	edges := make([]kudos.Edge, len(authors))
	for i := range authors {
		edges[i] = kudos.Edge{From: authors[i], To: targets[i]}
	}
	return edges
}

// rotate pairs each author with the next one, a derangement for any n >= 2
// with distinct ids.
func rotate(authors []string) []kudos.Edge {
	edges := make([]kudos.Edge, len(authors))
	for i := range authors {
		edges[i] = kudos.Edge{From: authors[i], To: authors[(i+1)%len(authors)]}
	}
	return edges
}
