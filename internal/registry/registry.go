// Package registry is the authoritative list of minds, their assigned ports,
// and their variants, persisted as a JSON array at <home>/minds.json.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/voluteio/volute/internal/config"
)

// Mind stages.
const (
	StageSeed     = "seed"
	StageSprouted = "sprouted"
)

var (
	ErrInvalidName   = errors.New("invalid mind name")
	ErrDuplicateName = errors.New("mind already exists")
	ErrPortInUse     = errors.New("port already in use")
	ErrNotFound      = errors.New("mind not found")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name is a legal mind identifier.
func ValidName(name string) bool {
	return len(name) >= 1 && len(name) <= 64 && nameRe.MatchString(name)
}

// Variant is a branch-ish alternate of a mind with its own working directory
// and port, addressed as parent@variant.
type Variant struct {
	Name    string `json:"name"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	Port    int    `json:"port"`
	Created string `json:"created"`
}

// Entry is one registered mind.
type Entry struct {
	Name     string    `json:"name"`
	Port     int       `json:"port"`
	Created  string    `json:"created"`
	Running  bool      `json:"running"`
	Stage    string    `json:"stage"`
	Template string    `json:"template,omitempty"`
	Variants []Variant `json:"variants,omitempty"`
}

// Registry owns minds.json. All mutations go through the write path, which
// replaces the file atomically.
type Registry struct {
	mu       sync.RWMutex
	path     string
	basePort int
	entries  []Entry
}

// Open loads the registry from <home>/minds.json. Read errors degrade to an
// empty registry with a logged warning; write errors propagate to callers.
func Open(cfg *config.Config) *Registry {
	r := &Registry{
		path:     cfg.DaemonPath("minds.json"),
		basePort: cfg.BasePort,
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("registry unreadable, starting empty", "path", r.path, "error", err)
		}
		return r
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		slog.Warn("registry corrupt, starting empty", "path", r.path, "error", err)
		r.entries = nil
	}
	return r
}

// List returns a copy of all entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Find returns the entry for name, or ok=false.
func (r *Registry) Find(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Add registers a new mind. Stage defaults to seed.
func (r *Registry) Add(name string, port int, stage, template string) (Entry, error) {
	if !ValidName(name) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if stage == "" {
		stage = StageSeed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Name == name {
			return Entry{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	if r.portTakenLocked(port) {
		return Entry{}, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	entry := Entry{
		Name:     name,
		Port:     port,
		Created:  time.Now().UTC().Format(time.RFC3339),
		Stage:    stage,
		Template: template,
	}
	r.entries = append(r.entries, entry)
	if err := r.saveLocked(); err != nil {
		r.entries = r.entries[:len(r.entries)-1]
		return Entry{}, err
	}
	return entry, nil
}

// Remove retires a mind and its variants.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Name == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return r.saveLocked()
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// SetRunning updates the running flag.
func (r *Registry) SetRunning(name string, running bool) error {
	return r.update(name, func(e *Entry) error {
		e.Running = running
		return nil
	})
}

// SetStage updates the stage flag.
func (r *Registry) SetStage(name, stage string) error {
	if stage != StageSeed && stage != StageSprouted {
		return fmt.Errorf("unknown stage %q", stage)
	}
	return r.update(name, func(e *Entry) error {
		e.Stage = stage
		return nil
	})
}

// AddVariant attaches a variant to an existing mind. Variant ports share the
// uniqueness domain of registry ports.
func (r *Registry) AddVariant(mind string, v Variant) error {
	return r.update(mind, func(e *Entry) error {
		for _, existing := range e.Variants {
			if existing.Name == v.Name {
				return fmt.Errorf("%w: %s@%s", ErrDuplicateName, mind, v.Name)
			}
		}
		if r.portTakenLocked(v.Port) {
			return fmt.Errorf("%w: %d", ErrPortInUse, v.Port)
		}
		if v.Created == "" {
			v.Created = time.Now().UTC().Format(time.RFC3339)
		}
		e.Variants = append(e.Variants, v)
		return nil
	})
}

// RemoveVariant detaches a variant.
func (r *Registry) RemoveVariant(mind, variant string) error {
	return r.update(mind, func(e *Entry) error {
		for i, v := range e.Variants {
			if v.Name == variant {
				e.Variants = append(e.Variants[:i], e.Variants[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s@%s", ErrNotFound, mind, variant)
	})
}

// FindVariant resolves parent and variant by names.
func (r *Registry) FindVariant(mind, variant string) (Entry, Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Name != mind {
			continue
		}
		for _, v := range e.Variants {
			if v.Name == variant {
				return e, v, true
			}
		}
	}
	return Entry{}, Variant{}, false
}

// NextPort returns the smallest port >= basePort not assigned to any entry
// or variant.
func (r *Registry) NextPort() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port := r.basePort
	for r.portTakenLocked(port) {
		port++
	}
	return port
}

func (r *Registry) portTakenLocked(port int) bool {
	for _, e := range r.entries {
		if e.Port == port {
			return true
		}
		for _, v := range e.Variants {
			if v.Port == port {
				return true
			}
		}
	}
	return false
}

func (r *Registry) update(name string, fn func(*Entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].Name == name {
			saved := r.entries[i]
			if err := fn(&r.entries[i]); err != nil {
				r.entries[i] = saved
				return err
			}
			if err := r.saveLocked(); err != nil {
				r.entries[i] = saved
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	if err := config.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
