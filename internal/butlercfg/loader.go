package butlercfg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Loader holds the current roster and allows hot-reloads, mirroring the
// gosuto config loader's load -> validate -> atomic-swap shape.
type Loader struct {
	mu     sync.RWMutex
	roster *Roster
	hash   string
}

// New creates an empty Loader with no roster loaded yet.
func New() *Loader {
	return &Loader{}
}

// LoadFile reads a roster YAML file from disk, merges each butler against
// the defaults block, validates the result, and applies it.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read roster file: %w", err)
	}
	return l.Apply(data)
}

// Apply parses a raw YAML payload, merges defaults into every butler entry,
// validates the merged result, and atomically replaces the live roster. It
// returns an error without touching the live roster when anything fails.
func (l *Loader) Apply(data []byte) error {
	var raw Roster
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse roster yaml: %w", err)
	}

	merged, err := applyDefaults(raw)
	if err != nil {
		return fmt.Errorf("merge roster defaults: %w", err)
	}
	if err := Validate(merged); err != nil {
		return fmt.Errorf("invalid roster: %w", err)
	}

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roster = merged
	l.hash = hash

	slog.Info("roster applied", "butlers", len(merged.Butlers), "hash", hash[:12])
	return nil
}

// applyDefaults merges r.Defaults into every butler entry. mergo.Merge only
// fills zero-valued destination fields, so a butler's own settings always
// win over the fleet-wide defaults; Schema defaults to Name when unset.
func applyDefaults(r Roster) (*Roster, error) {
	out := r
	out.Butlers = make([]Butler, len(r.Butlers))
	for i, b := range r.Butlers {
		if b.Schema == "" {
			b.Schema = b.Name
		}
		if err := mergo.Merge(&b, Butler{
			RuntimeAdapter:  r.Defaults.RuntimeAdapter,
			InvokeTimeout:   r.Defaults.InvokeTimeout,
			TickInterval:    r.Defaults.TickInterval,
			ApprovalTTL:     r.Defaults.ApprovalTTL,
			LivenessTTLS:    r.Defaults.LivenessTTLS,
			CoreCredentials: r.Defaults.CoreCredentials,
			Sandbox:         r.Defaults.Sandbox,
			SandboxImage:    r.Defaults.SandboxImage,
			MaxQueued:       r.Defaults.MaxQueued,
		}); err != nil {
			return nil, fmt.Errorf("butler %q: %w", b.Name, err)
		}
		out.Butlers[i] = b
	}
	return &out, nil
}

// Roster returns the current live roster, or nil if none has been loaded.
func (l *Loader) Roster() *Roster {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roster
}

// Hash returns the SHA-256 hex digest of the current applied YAML.
// Returns "" when no roster is loaded.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}
