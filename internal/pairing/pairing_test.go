package pairing

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kudos-pass/backend/internal/model/kudos"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("part_%d", i)
	}
	return out
}

func seeded(seed uint64) Generator {
	return Generator{Rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func requireDerangement(t *testing.T, participants []string, edges []kudos.Edge) {
	t.Helper()
	require.Len(t, edges, len(participants))

	authors := make(map[string]int)
	recipients := make(map[string]int)
	for _, edge := range edges {
		assert.NotEqual(t, edge.From, edge.To, "self edge %s", edge.Key())
		authors[edge.From]++
		recipients[edge.To]++
	}
	for _, id := range participants {
		assert.Equal(t, 1, authors[id], "author count for %s", id)
		assert.Equal(t, 1, recipients[id], "recipient count for %s", id)
	}
}

func TestGenerateIsDerangement(t *testing.T) {
	for n := 2; n <= 12; n++ {
		for seed := uint64(0); seed < 25; seed++ {
			participants := ids(n)
			edges := seeded(seed).Generate(participants, nil)
			requireDerangement(t, participants, edges)
		}
	}
}

func TestGenerateTooFewParticipants(t *testing.T) {
	var g Generator
	assert.Empty(t, g.Generate(nil, nil))

	edges, phase := g.GenerateWithReport([]string{"solo"}, nil)
	assert.Empty(t, edges)
	assert.Equal(t, PhaseNone, phase)
}

func TestGenerateAvoidsUsedEdges(t *testing.T) {
	participants := ids(6)
	previous := seeded(7).Generate(participants, nil)
	used := UsedEdges([]kudos.Round{{Index: 0, Mappings: previous}})

	for seed := uint64(0); seed < 50; seed++ {
		edges, phase := seeded(seed).GenerateWithReport(participants, used)
		require.Equal(t, PhaseStrict, phase)
		requireDerangement(t, participants, edges)
		for _, edge := range edges {
			assert.False(t, used.Has(edge.From, edge.To), "repeated edge %s", edge.Key())
		}
	}
}

func TestGenerateThreeParticipantsSecondRoundDisjoint(t *testing.T) {
	participants := []string{"a", "b", "c"}
	for seed := uint64(0); seed < 30; seed++ {
		g := seeded(seed)
		first := g.Generate(participants, nil)
		used := UsedEdges([]kudos.Round{{Mappings: first}})

		second, phase := g.GenerateWithReport(participants, used)
		require.Equal(t, PhaseStrict, phase)
		requireDerangement(t, participants, second)
		for _, edge := range second {
			assert.False(t, used.Has(edge.From, edge.To))
		}
	}
}

func TestGenerateRelaxesWhenEveryEdgeUsed(t *testing.T) {
	participants := []string{"a", "b"}
	used := make(EdgeSet)
	used.Add(kudos.Edge{From: "a", To: "b"})
	used.Add(kudos.Edge{From: "b", To: "a"})

	edges, phase := seeded(3).GenerateWithReport(participants, used)
	require.Equal(t, PhaseRelaxed, phase)
	requireDerangement(t, participants, edges)
}

func TestGenerateIsReproducible(t *testing.T) {
	participants := ids(8)
	first := seeded(42).Generate(participants, nil)
	second := seeded(42).Generate(participants, nil)
	assert.Equal(t, first, second)
}

func TestGenerateDoesNotMutateInput(t *testing.T) {
	participants := ids(5)
	before := append([]string(nil), participants...)
	seeded(1).Generate(participants, nil)
	assert.Equal(t, before, participants)
}

func TestRotateIsDerangement(t *testing.T) {
	for n := 2; n <= 6; n++ {
		participants := ids(n)
		requireDerangement(t, participants, rotate(participants))
	}
}
