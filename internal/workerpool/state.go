package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// State files older than this are removed on shutdown.
const staleStateAge = 7 * 24 * time.Hour

// PersistedState is the durable per-process record under states/<pid>.json.
type PersistedState struct {
	Snapshot
	SavedAt time.Time `json:"saved_at"`
}

// RecoveryResult reports one respawn attempt from RecoverAll.
type RecoveryResult struct {
	ProcessID  string
	InstanceID string
	Err        error
}

func (p *Pool) statePath(processID string) string {
	return filepath.Join(p.cfg.StatesDir, processID+".json")
}

// SaveState persists the worker's current snapshot.
func (p *Pool) SaveState(processID string) error {
	w, ok := p.lookup(processID)
	if !ok {
		return ErrProcessNotFound
	}
	state := PersistedState{Snapshot: w.snapshot(), SavedAt: p.clock()}
	raw, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", processID, err)
	}
	if err := os.MkdirAll(p.cfg.StatesDir, 0o755); err != nil {
		return fmt.Errorf("create states dir: %w", err)
	}
	if err := os.WriteFile(p.statePath(processID), raw, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", processID, err)
	}
	return nil
}

// LoadState reads a persisted worker record.
func (p *Pool) LoadState(processID string) (*PersistedState, error) {
	raw, err := os.ReadFile(p.statePath(processID))
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", processID, err)
	}
	var state PersistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", processID, err)
	}
	return &state, nil
}

// RecoverAll respawns workers from every persisted state file. Recovery is
// best-effort; individual failures are reported, not fatal. Workers that were
// terminated when saved are skipped, and consumed state files are removed.
func (p *Pool) RecoverAll(ctx context.Context) []RecoveryResult {
	entries, err := os.ReadDir(p.cfg.StatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		p.logger.Warn("States dir unreadable", zap.Error(err))
		return nil
	}

	var results []RecoveryResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		processID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := p.LoadState(processID)
		if err != nil {
			results = append(results, RecoveryResult{ProcessID: processID, Err: err})
			continue
		}
		if state.Status == StatusTerminated {
			os.Remove(p.statePath(processID))
			continue
		}

		_, err = p.Spawn(ctx, state.Role, state.InstanceID, state.Config)
		results = append(results, RecoveryResult{
			ProcessID:  processID,
			InstanceID: state.InstanceID,
			Err:        err,
		})
		if err != nil {
			p.logger.Warn("Worker recovery failed",
				zap.String("instance_id", state.InstanceID),
				zap.String("role", string(state.Role)),
				zap.Error(err))
			continue
		}
		os.Remove(p.statePath(processID))
		p.logger.Info("Worker recovered",
			zap.String("instance_id", state.InstanceID),
			zap.String("role", string(state.Role)))
	}
	return results
}

// cleanupStaleStates drops state files past the retention age.
func (p *Pool) cleanupStaleStates() {
	entries, err := os.ReadDir(p.cfg.StatesDir)
	if err != nil {
		return
	}
	cutoff := p.clock().Add(-staleStateAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(p.cfg.StatesDir, entry.Name()))
		}
	}
}
