package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
)

// RequestParser turns raw request text into a ParsedRequest. Real intent
// extraction lives outside the kernel; callers plug their own implementation.
type RequestParser interface {
	Parse(ctx context.Context, raw string) (ParsedRequest, error)
}

// ClarifierFunc asks the requester for a refinement of an ambiguous request
// and returns the new raw text. attempt starts at 1.
type ClarifierFunc func(ctx context.Context, req ParsedRequest, attempt int) (string, error)

// Intake runs a parser under the confidence and clarification policy: parses
// below min_confidence_threshold trigger clarification rounds, capped at
// max_clarification_attempts, after which the best parse so far stands.
type Intake struct {
	parser  RequestParser
	clarify ClarifierFunc
	cfg     config.EngineConfig
	logger  *zap.Logger
}

// NewIntake builds an intake boundary. clarify may be nil; low-confidence
// parses then proceed immediately.
func NewIntake(parser RequestParser, clarify ClarifierFunc, cfg config.EngineConfig, logger *zap.Logger) *Intake {
	return &Intake{parser: parser, clarify: clarify, cfg: cfg, logger: logger}
}

// Parse resolves raw text to the most confident ParsedRequest reachable
// within the clarification budget.
func (in *Intake) Parse(ctx context.Context, raw string) (ParsedRequest, error) {
	req, err := in.parser.Parse(ctx, raw)
	if err != nil {
		return ParsedRequest{}, err
	}

	best := req
	for attempt := 1; req.Confidence < in.cfg.MinConfidenceThreshold; attempt++ {
		if in.clarify == nil || attempt > in.cfg.MaxClarificationAttempts {
			in.logger.Warn("Proceeding with low-confidence request",
				zap.String("request_id", best.ID),
				zap.Float64("confidence", best.Confidence),
				zap.Int("attempts", attempt-1))
			return best, nil
		}

		refined, err := in.clarify(ctx, req, attempt)
		if err != nil {
			in.logger.Warn("Clarification failed, proceeding with best parse",
				zap.String("request_id", best.ID), zap.Error(err))
			return best, nil
		}
		req, err = in.parser.Parse(ctx, refined)
		if err != nil {
			return ParsedRequest{}, err
		}
		if req.Confidence > best.Confidence {
			best = req
		}
	}
	if req.Confidence >= in.cfg.MinConfidenceThreshold {
		return req, nil
	}
	return best, nil
}

// Action verbs the keyword stub recognizes, mapped to intents.
var keywordIntents = map[string]string{
	"create":      "create",
	"build":       "create",
	"new":         "create",
	"fix":         "fix",
	"patch":       "fix",
	"review":      "review",
	"audit":       "review",
	"research":    "research",
	"investigate": "research",
	"analyze":     "research",
}

// KeywordParser is the trivial built-in parser: first recognized verb wins,
// `key:value` tokens become entities, complexity follows request length.
// It exists for tests and for embedding without an NLP front end.
type KeywordParser struct{}

func (KeywordParser) Parse(ctx context.Context, raw string) (ParsedRequest, error) {
	req := ParsedRequest{
		ID:         uuid.NewString(),
		RawText:    raw,
		Timestamp:  time.Now().UTC(),
		Intent:     "unknown",
		Confidence: 0.2,
		Complexity: ComplexityLow,
		Entities:   map[string][]string{},
	}

	words := strings.Fields(strings.ToLower(raw))
	for _, w := range words {
		if intent, ok := keywordIntents[strings.Trim(w, ".,!?")]; ok {
			req.Intent = intent
			req.Confidence = 0.8
			break
		}
	}
	for _, w := range words {
		if k, v, ok := strings.Cut(w, ":"); ok && k != "" && v != "" {
			req.Entities[k] = append(req.Entities[k], v)
		}
	}
	switch {
	case len(words) > 40:
		req.Complexity = ComplexityHigh
	case len(words) > 12:
		req.Complexity = ComplexityMedium
	}
	return req, nil
}
