package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-ai/orchestrator/internal/config"
)

// scriptedParser returns canned confidences in order, repeating the last.
type scriptedParser struct {
	confidences []float64
	calls       int
}

func (p *scriptedParser) Parse(ctx context.Context, raw string) (ParsedRequest, error) {
	i := p.calls
	if i >= len(p.confidences) {
		i = len(p.confidences) - 1
	}
	p.calls++
	return ParsedRequest{ID: "req", RawText: raw, Confidence: p.confidences[i]}, nil
}

func intakeConfig() config.EngineConfig {
	return config.EngineConfig{
		MinConfidenceThreshold:   0.5,
		MaxClarificationAttempts: 3,
	}
}

func TestIntakeReturnsConfidentParseImmediately(t *testing.T) {
	p := &scriptedParser{confidences: []float64{0.9}}
	in := NewIntake(p, func(ctx context.Context, req ParsedRequest, attempt int) (string, error) {
		t.Fatal("clarifier must not run for confident parses")
		return "", nil
	}, intakeConfig(), zap.NewNop())

	req, err := in.Parse(context.Background(), "create project")
	require.NoError(t, err)
	assert.Equal(t, 0.9, req.Confidence)
	assert.Equal(t, 1, p.calls)
}

func TestIntakeClarifiesUntilConfident(t *testing.T) {
	p := &scriptedParser{confidences: []float64{0.2, 0.3, 0.7}}
	attempts := 0
	in := NewIntake(p, func(ctx context.Context, req ParsedRequest, attempt int) (string, error) {
		attempts = attempt
		return "refined " + req.RawText, nil
	}, intakeConfig(), zap.NewNop())

	req, err := in.Parse(context.Background(), "do stuff")
	require.NoError(t, err)
	assert.Equal(t, 0.7, req.Confidence)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 3, p.calls)
}

func TestIntakeProceedsBestEffortAfterBudget(t *testing.T) {
	p := &scriptedParser{confidences: []float64{0.2, 0.4, 0.3, 0.1}}
	in := NewIntake(p, func(ctx context.Context, req ParsedRequest, attempt int) (string, error) {
		return req.RawText, nil
	}, intakeConfig(), zap.NewNop())

	req, err := in.Parse(context.Background(), "do stuff")
	require.NoError(t, err)
	assert.Equal(t, 0.4, req.Confidence)
	assert.Equal(t, 4, p.calls)
}

func TestIntakeWithoutClarifierProceedsImmediately(t *testing.T) {
	p := &scriptedParser{confidences: []float64{0.2}}
	in := NewIntake(p, nil, intakeConfig(), zap.NewNop())

	req, err := in.Parse(context.Background(), "do stuff")
	require.NoError(t, err)
	assert.Equal(t, 0.2, req.Confidence)
	assert.Equal(t, 1, p.calls)
}

func TestIntakeClarifierErrorKeepsBestParse(t *testing.T) {
	p := &scriptedParser{confidences: []float64{0.3}}
	in := NewIntake(p, func(ctx context.Context, req ParsedRequest, attempt int) (string, error) {
		return "", errors.New("requester gone")
	}, intakeConfig(), zap.NewNop())

	req, err := in.Parse(context.Background(), "do stuff")
	require.NoError(t, err)
	assert.Equal(t, 0.3, req.Confidence)
}

func TestKeywordParser(t *testing.T) {
	req, err := KeywordParser{}.Parse(context.Background(), "Create a new project languages:go frameworks:gin")
	require.NoError(t, err)
	assert.Equal(t, "create", req.Intent)
	assert.Equal(t, 0.8, req.Confidence)
	assert.Equal(t, []string{"go"}, req.Entities["languages"])
	assert.Equal(t, []string{"gin"}, req.Entities["frameworks"])
	assert.Equal(t, ComplexityLow, req.Complexity)

	req, err = KeywordParser{}.Parse(context.Background(), "please do something with the thing")
	require.NoError(t, err)
	assert.Equal(t, "unknown", req.Intent)
	assert.Equal(t, 0.2, req.Confidence)
}
