// Package listgen produces the periodic public-facing snapshot of known
// instances, grouped by state (spec §4.G). It runs roughly every six hours,
// dispatched by the orchestrator onto the same pool that runs checks.
package listgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/instance"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/metrics"
)

// Store is the subset of *store.Store the list generator reads from.
type Store interface {
	CountsByState() (map[instance.State]int, error)
	HostnamesByState(ctx context.Context, st instance.State) ([]string, error)
}

// allStates lists every lifecycle state in the fixed order the snapshot
// reports them, regardless of which ones currently have members.
var allStates = []instance.State{
	instance.Discovered,
	instance.Alive,
	instance.Dying,
	instance.Dead,
	instance.Moving,
	instance.Moved,
}

// snapshot is the on-disk JSON shape, one entry per lifecycle state.
type snapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	States      map[string]stateDoc `json:"states"`
}

type stateDoc struct {
	Count     int      `json:"count"`
	Hostnames []string `json:"hostnames"`
}

// Generate reads the current state of the store and writes a fresh
// snapshot to path, also refreshing the instances-by-state gauge.
func Generate(ctx context.Context, s Store, path string) error {
	counts, err := s.CountsByState()
	if err != nil {
		return fmt.Errorf("listgen: counts by state: %w", err)
	}

	snap := snapshot{
		GeneratedAt: time.Now().UTC(),
		States:      make(map[string]stateDoc, len(allStates)),
	}

	for _, st := range allStates {
		hostnames, err := s.HostnamesByState(ctx, st)
		if err != nil {
			return fmt.Errorf("listgen: hostnames for %s: %w", st, err)
		}
		sort.Strings(hostnames)
		snap.States[st.String()] = stateDoc{
			Count:     counts[st],
			Hostnames: hostnames,
		}
		metrics.InstancesByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}

	return save(path, snap)
}

// save writes snap to path using a temp-file-then-rename strategy so a
// reader (or a crash mid-write) never observes a partially written file.
func save(path string, snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("listgen: marshal: %w", err)
	}

	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".instances-*.json.tmp")
	if err != nil {
		return fmt.Errorf("listgen: create temp: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("listgen: write: %w", writeErr)
		}
		return fmt.Errorf("listgen: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("listgen: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("listgen: rename: %w", err)
	}
	return nil
}
