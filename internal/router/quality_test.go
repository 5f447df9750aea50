package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverallIsFixedWeightedSum(t *testing.T) {
	cases := []struct{ prompt, response string }{
		{"Explain the caching layer design", "The caching layer uses a two-tier design. Hot entries live in memory.\n\nCold entries spill to disk."},
		{"Summarize the release", "Done."},
		{"Describe authentication flow", ""},
	}
	for _, c := range cases {
		s := Evaluate(c.prompt, c.response)
		assert.InDelta(t, 0.40*s.Completeness+0.35*s.Relevance+0.25*s.Coherence, s.Overall, 1e-12)
		for _, comp := range []float64{s.Completeness, s.Relevance, s.Coherence} {
			assert.GreaterOrEqual(t, comp, 0.0)
			assert.LessOrEqual(t, comp, 1.0)
		}
	}
}

func TestEmptyResponseScoresZeroCompleteness(t *testing.T) {
	s := Evaluate("anything at all", "   ")
	assert.Equal(t, 0.0, s.Completeness)
}

func TestShortDismissiveResponseScoresLow(t *testing.T) {
	s := Evaluate("Provide a detailed explanation of the authentication system", "No")
	assert.Less(t, s.Overall, 0.7)
	assert.InDelta(t, 0.5, s.Completeness, 1e-9)
	assert.Equal(t, 0.0, s.Relevance)
}

func TestErrorIndicatorPenalty(t *testing.T) {
	withErr := Evaluate("Explain widgets thoroughly and completely today",
		"I cannot help with that particular widget topic right now, sorry about it all.")
	clean := Evaluate("Explain widgets thoroughly and completely today",
		"Widgets compose thoroughly documented behaviors and completely standard layouts today.")
	assert.Less(t, withErr.Completeness, clean.Completeness)
}

func TestEllipsisPenalty(t *testing.T) {
	full := "The deployment pipeline builds, tests, and promotes artifacts through three environments."
	truncated := full + "..."
	assert.Less(t, Evaluate("deployment pipeline", truncated).Completeness,
		Evaluate("deployment pipeline", full).Completeness)
}

func TestRelevanceMatchesContentWords(t *testing.T) {
	s := Evaluate("Describe the database migration strategy",
		"This describes the database migration strategy: forward-only numbered steps with a recorded schema version.")
	assert.InDelta(t, 1.0, s.Relevance, 1e-9)

	s = Evaluate("Describe the database migration strategy",
		"Weather tomorrow looks sunny with light winds across most regions and some coastal fog.")
	assert.Equal(t, 0.0, s.Relevance)
}

func TestLongResponseRelevanceBoostClamped(t *testing.T) {
	long := strings.Repeat("The database migration strategy uses forward-only steps. ", 6)
	s := Evaluate("database migration strategy", long)
	assert.LessOrEqual(t, s.Relevance, 1.0)
	assert.InDelta(t, 1.0, s.Relevance, 1e-9)
}

func TestCoherenceRepetitionPenalty(t *testing.T) {
	babble := "alpha alpha alpha alpha alpha beta gamma delta epsilon zeta."
	normal := "alpha beta gamma delta epsilon zeta theta kappa sigma omega."
	assert.Less(t, Evaluate("x", babble).Coherence, Evaluate("x", normal).Coherence)
}

func TestCoherenceStructureBoost(t *testing.T) {
	flat := "The worker reads one line and writes one line per task in order."
	structured := flat + "\n\n```go\nfor scanner.Scan() {\n}\n```"
	assert.GreaterOrEqual(t, Evaluate("x", structured).Coherence, Evaluate("x", flat).Coherence)
}

func TestDisabledEvaluationIsPerfect(t *testing.T) {
	s := perfectScore()
	assert.Equal(t, 1.0, s.Overall)
	assert.Equal(t, 1.0, s.Completeness)
	assert.Equal(t, 1.0, s.Relevance)
	assert.Equal(t, 1.0, s.Coherence)
}
