package router

import (
	"strings"
)

// Score holds the three heuristic quality components and their fixed-weight
// combination: overall = 0.40*completeness + 0.35*relevance + 0.25*coherence.
type Score struct {
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
	Overall      float64 `json:"overall"`
}

var errIndicators = []string{
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"as an ai",
	"error occurred",
	"something went wrong",
	"failed to",
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "from": {}, "they": {}, "will": {}, "what": {},
	"when": {}, "make": {}, "like": {}, "time": {}, "just": {}, "about": {},
	"into": {}, "than": {}, "them": {}, "some": {}, "would": {}, "there": {},
	"their": {}, "which": {}, "please": {},
}

// Evaluate scores a model response against the prompt that produced it. When
// evaluation is disabled for a call every component is 1.
func Evaluate(prompt, response string) Score {
	s := Score{
		Completeness: completeness(response),
		Relevance:    relevance(prompt, response),
		Coherence:    coherence(response),
	}
	s.Overall = 0.40*s.Completeness + 0.35*s.Relevance + 0.25*s.Coherence
	return s
}

// perfectScore is returned when evaluation is disabled for a call.
func perfectScore() Score {
	return Score{Completeness: 1, Relevance: 1, Coherence: 1, Overall: 1}
}

func completeness(response string) float64 {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return 0
	}
	score := 1.0
	if len(trimmed) < 50 {
		score *= 0.5
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range errIndicators {
		if strings.Contains(lower, phrase) {
			score *= 0.6
			break
		}
	}
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		score *= 0.8
	}
	return score
}

func relevance(prompt, response string) float64 {
	keywords := contentWords(prompt)
	if len(keywords) == 0 {
		return 1
	}
	lowerResp := strings.ToLower(response)
	matched := 0
	for _, w := range keywords {
		if strings.Contains(lowerResp, w) {
			matched++
		}
	}
	score := float64(matched) / float64(len(keywords))
	if len(response) > 200 {
		score *= 1.1
		if score > 1 {
			score = 1
		}
	}
	return score
}

func coherence(response string) float64 {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return 0
	}
	score := 1.0

	if !strings.ContainsAny(trimmed, ".!?") {
		score *= 0.7
	}

	// Repetition: any non-trivial token appearing in more than 20% of the
	// non-trivial tokens reads as babble.
	tokens := nonTrivialTokens(trimmed)
	if len(tokens) >= 5 {
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[tok]++
		}
		for _, n := range freq {
			if float64(n) > 0.2*float64(len(tokens)) {
				score *= 0.6
				break
			}
		}
	}

	if avg := avgSentenceLength(trimmed); avg > 0 {
		if avg < 3 {
			score *= 0.7
		} else if avg > 50 {
			score *= 0.8
		}
	}

	if strings.Contains(trimmed, "```") || strings.Contains(trimmed, "\n\n") {
		score *= 1.1
		if score > 1 {
			score = 1
		}
	}
	return score
}

func contentWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func nonTrivialTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

func avgSentenceLength(text string) float64 {
	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	var total, count int
	for _, s := range sentences {
		words := strings.Fields(s)
		if len(words) == 0 {
			continue
		}
		total += len(words)
		count++
	}
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}
