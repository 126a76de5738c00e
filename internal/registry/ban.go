package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BanEntry records a single banned agent: when, why, and by whom.
type BanEntry struct {
	Agent    string    `yaml:"agent"`
	BannedAt time.Time `yaml:"banned_at"`
	Reason   string    `yaml:"reason"`
	BannedBy string    `yaml:"banned_by"`
}

// BanList manages the set of agents barred from claiming or registering.
// It persists to a YAML file and keeps an in-memory set for fast lookups.
//
// IsBanned is consulted by the request surface on every claim and
// register call, so it must stay cheap: an O(1) map lookup under a read
// lock. BanList lives in this package for proximity to the agent/work
// unit types it bans, but it is wired into internal/httpapi's Options,
// not into the Registry itself — Claim and Register never consult it, so
// the registry's own never-fails contract is untouched by ban state. The
// operator CLI writes the ban file through Ban/Unban, and the config file
// watcher calls Reload, so a ban applies without restarting the daemon.
type BanList struct {
	mu      sync.RWMutex
	banned  map[string]BanEntry
	entries []BanEntry
	path    string
}

// NewBanList loads ban state from path. A missing file means nobody is
// banned, not an error.
func NewBanList(path string) (*BanList, error) {
	b := &BanList{
		banned: make(map[string]BanEntry),
		path:   path,
	}
	if err := b.loadFromFile(); err != nil {
		return nil, err
	}
	return b, nil
}

// IsBanned reports whether agentID is currently barred.
func (b *BanList) IsBanned(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, banned := b.banned[agentID]
	return banned
}

// Ban adds agentID to the ban list. A no-op, not an error, if already
// banned.
func (b *BanList) Ban(agentID, reason, by string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.banned[agentID]; exists {
		return nil
	}

	entry := BanEntry{
		Agent:    agentID,
		BannedAt: time.Now().UTC(),
		Reason:   reason,
		BannedBy: by,
	}
	b.banned[agentID] = entry
	b.entries = append(b.entries, entry)

	slog.Warn("agent banned", "agent", agentID, "reason", reason, "by", by)
	return b.saveToFile()
}

// Unban removes agentID from the ban list. A no-op, not an error, if not
// currently banned.
func (b *BanList) Unban(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.banned[agentID]; !exists {
		return nil
	}
	delete(b.banned, agentID)

	filtered := make([]BanEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Agent != agentID {
			filtered = append(filtered, e)
		}
	}
	b.entries = filtered

	slog.Info("agent unbanned", "agent", agentID)
	return b.saveToFile()
}

// List returns a copy of every current ban entry.
func (b *BanList) List() []BanEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BanEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Reload re-reads the ban file from disk, replacing in-memory state.
// Intended to be called by a file watcher when the ban file changes.
func (b *BanList) Reload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.banned = make(map[string]BanEntry)
	b.entries = nil
	if err := b.loadFromFile(); err != nil {
		return err
	}
	slog.Info("ban list reloaded", "banned_agents", len(b.banned))
	return nil
}

// loadFromFile reads the ban file. Caller must hold b.mu.
func (b *BanList) loadFromFile() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading ban list %s: %w", b.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []BanEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing ban list %s: %w", b.path, err)
	}

	b.entries = entries
	for _, e := range entries {
		b.banned[e.Agent] = e
	}
	return nil
}

// saveToFile writes the current ban list. Caller must hold b.mu.
func (b *BanList) saveToFile() error {
	if len(b.entries) == 0 {
		return os.WriteFile(b.path, []byte(""), 0o644)
	}
	data, err := yaml.Marshal(b.entries)
	if err != nil {
		return fmt.Errorf("marshaling ban list: %w", err)
	}
	return os.WriteFile(b.path, data, 0o644)
}
