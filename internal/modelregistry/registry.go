// Package modelregistry maintains the catalog of backend model endpoints:
// pricing, rate limits, capabilities, and tiering. The catalog is loaded from
// a YAML file and is static at runtime apart from the enabled flag.
package modelregistry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrModelNotFound is returned when a model id is not in the catalog.
var ErrModelNotFound = errors.New("model not found in catalog")

// Tier is the coarse backend classification used to pick defaults per role.
type Tier string

const (
	TierStrategic   Tier = "strategic"
	TierOperational Tier = "operational"
	TierResearch    Tier = "research"
)

// RateLimits holds provider-declared per-minute limits.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
}

// Metadata describes one backend model endpoint.
type Metadata struct {
	ID                string     `yaml:"id" json:"id"`
	Provider          string     `yaml:"provider" json:"provider"`
	Tier              Tier       `yaml:"tier" json:"tier"`
	Capabilities      []string   `yaml:"capabilities" json:"capabilities"`
	InputPricePerK    float64    `yaml:"input_price_per_1k" json:"input_price_per_1k"`
	OutputPricePerK   float64    `yaml:"output_price_per_1k" json:"output_price_per_1k"`
	RateLimits        RateLimits `yaml:"rate_limits" json:"rate_limits"`
	ContextWindow     int        `yaml:"context_window" json:"context_window"`
	AvgResponseTimeMS float64    `yaml:"avg_response_time_ms" json:"avg_response_time_ms"`
	Enabled           bool       `yaml:"enabled" json:"enabled"`
}

// Cost computes the exact call cost for a token split.
func (m *Metadata) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*m.InputPricePerK +
		float64(outputTokens)/1000.0*m.OutputPricePerK
}

// HasCapability reports whether the model declares the capability tag.
func (m *Metadata) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Models []Metadata `yaml:"models"`
}

// Registry is the loaded catalog. Order of models preserves the catalog file
// order; the router uses that order as the final tie-break.
type Registry struct {
	mu     sync.RWMutex
	models []Metadata
	byID   map[string]int
	logger *zap.Logger
}

// Load reads the catalog from a YAML file.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}
	return Parse(data, logger)
}

// Parse builds a registry from raw catalog YAML.
func Parse(data []byte, logger *zap.Logger) (*Registry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("unmarshal model catalog: %w", err)
	}
	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("model catalog contains no models")
	}

	r := &Registry{
		models: cf.Models,
		byID:   make(map[string]int, len(cf.Models)),
		logger: logger,
	}
	for i, m := range cf.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("model catalog entry %d has no id", i)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q in catalog", m.ID)
		}
		r.byID[m.ID] = i
	}

	logger.Info("Model catalog loaded", zap.Int("models", len(cf.Models)))
	return r, nil
}

// Get returns the metadata for a model id.
func (r *Registry) Get(id string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return r.models[i], nil
}

// Provider returns the provider name for a model id, or "" if unknown.
func (r *Registry) Provider(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byID[id]; ok {
		return r.models[i].Provider
	}
	return ""
}

// List returns all models in catalog order.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, len(r.models))
	copy(out, r.models)
	return out
}

// Enabled returns enabled models in catalog order.
func (r *Registry) Enabled() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.models))
	for _, m := range r.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// ByTier returns enabled models of the given tier in catalog order.
func (r *Registry) ByTier(tier Tier) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.models))
	for _, m := range r.models {
		if m.Enabled && m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// SetEnabled flips a model's availability, e.g. when an operator disables a
// misbehaving endpoint.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	r.models[i].Enabled = enabled
	return nil
}

// Position returns the catalog index of a model id; used as the stable final
// tie-break when scores are equal.
func (r *Registry) Position(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byID[id]; ok {
		return i
	}
	return len(r.models)
}

// Providers returns the distinct provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, m := range r.models {
		seen[m.Provider] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
