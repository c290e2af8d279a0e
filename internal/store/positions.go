package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"drivegrid/internal/grid"
	appLog "drivegrid/internal/log"
)

var ErrEmptyID = errors.New("store: change without instructor id")

// PersistFunc writes a change batch to the system of record before it is
// committed locally. A returned error aborts the whole batch.
type PersistFunc func(ctx context.Context, changes []grid.Change) error

// OrderChangedFunc is notified once per committed descriptor change.
type OrderChangedFunc func(instructorID, descriptor string)

// Positions is the descriptor store for instructors. It implements
// grid.Store. Reads never block on a pending persist.
type Positions struct {
	writeMu sync.Mutex // serializes Apply

	mu        sync.RWMutex
	descs     map[string]string
	persist   PersistFunc
	listeners []OrderChangedFunc
}

// NewPositions seeds the store. persist may be nil.
func NewPositions(initial map[string]string, persist PersistFunc) *Positions {
	descs := make(map[string]string, len(initial))
	for k, v := range initial {
		descs[k] = v
	}
	return &Positions{descs: descs, persist: persist}
}

// Descriptor returns the descriptor for id, "" when unknown.
func (p *Positions) Descriptor(id string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descs[id]
}

// Accessor adapts the store to grid.Accessor.
func (p *Positions) Accessor() grid.Accessor {
	return p.Descriptor
}

// Seed sets descriptors for ids not yet known, e.g. from the instructor
// directory. Known ids keep their local value; no callbacks fire.
func (p *Positions) Seed(descs map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, d := range descs {
		if _, ok := p.descs[id]; !ok {
			p.descs[id] = d
		}
	}
}

// OnOrderChanged registers fn for committed changes.
func (p *Positions) OnOrderChanged(fn OrderChangedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Snapshot returns a copy of all descriptors.
func (p *Positions) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.descs))
	for k, v := range p.descs {
		out[k] = v
	}
	return out
}

// Apply persists and commits changes as one batch.
func (p *Positions) Apply(ctx context.Context, changes []grid.Change) error {
	if len(changes) == 0 {
		return nil
	}
	for _, c := range changes {
		if c.ID == "" {
			return ErrEmptyID
		}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.persist != nil {
		if err := p.persist(ctx, changes); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}
	}

	p.mu.Lock()
	for _, c := range changes {
		p.descs[c.ID] = c.Descriptor
	}
	listeners := append([]OrderChangedFunc(nil), p.listeners...)
	p.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c.ID, c.Descriptor)
		}
	}
	appLog.Debug("positions applied", "changes", len(changes))
	return nil
}

var _ grid.Store = (*Positions)(nil)

type positionsFile struct {
	Positions map[string]string `yaml:"positions"`
}

// OpenFile loads a YAML position file (missing file means empty) and returns
// a store that rewrites the file on every applied batch.
func OpenFile(path string) (*Positions, error) {
	if path == "" {
		return nil, errors.New("positions path is empty")
	}
	initial, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	p := NewPositions(initial, nil)
	p.persist = func(_ context.Context, changes []grid.Change) error {
		merged := p.Snapshot()
		for _, c := range changes {
			merged[c.ID] = c.Descriptor
		}
		return SaveFile(path, merged)
	}
	return p, nil
}

// LoadFile reads descriptors from path. A missing file yields an empty map.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var f positionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Positions == nil {
		f.Positions = map[string]string{}
	}
	return f.Positions, nil
}

// SaveFile writes descriptors atomically via a temp file + rename (0600).
func SaveFile(path string, descs map[string]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(positionsFile{Positions: descs})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".drivegrid-positions-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
