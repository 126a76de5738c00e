package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewBanList_NonexistentFile(t *testing.T) {
	b, err := NewBanList(filepath.Join(t.TempDir(), "banned.yaml"))
	if err != nil {
		t.Fatalf("NewBanList with nonexistent file should not error: %v", err)
	}
	if b.IsBanned("any-agent") {
		t.Error("no agents should be banned initially")
	}
}

func TestNewBanList_LoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.yaml")
	data := []byte("- agent: rogue\n  banned_at: \"2026-01-01T00:00:00Z\"\n  reason: \"test\"\n  banned_by: \"user\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := NewBanList(path)
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsBanned("rogue") {
		t.Error("rogue should be banned after loading")
	}
	if b.IsBanned("other") {
		t.Error("other should not be banned")
	}
}

func TestBanList_BanIdempotent(t *testing.T) {
	b, _ := NewBanList(filepath.Join(t.TempDir(), "banned.yaml"))

	if err := b.Ban("agent1", "reason1", "user"); err != nil {
		t.Fatal(err)
	}
	if err := b.Ban("agent1", "reason2", "user"); err != nil {
		t.Errorf("banning already-banned agent should not error: %v", err)
	}
	if len(b.List()) != 1 {
		t.Errorf("expected 1 entry, got %d", len(b.List()))
	}
}

func TestBanList_UnbanNonBanned(t *testing.T) {
	b, _ := NewBanList(filepath.Join(t.TempDir(), "banned.yaml"))

	if err := b.Unban("never-banned"); err != nil {
		t.Errorf("unbanning a non-banned agent should not error: %v", err)
	}
}

func TestBanList_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.yaml")

	b, _ := NewBanList(path)
	_ = b.Ban("agent1", "reason", "user")

	b2, err := NewBanList(path)
	if err != nil {
		t.Fatal(err)
	}
	if !b2.IsBanned("agent1") {
		t.Error("persisted ban should be loaded by a fresh BanList")
	}
}

func TestBanList_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.yaml")

	b, _ := NewBanList(path)

	data := []byte("- agent: external\n  banned_at: \"2026-01-01T00:00:00Z\"\n  reason: \"external\"\n  banned_by: \"script\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := b.Reload(); err != nil {
		t.Fatal(err)
	}
	if !b.IsBanned("external") {
		t.Error("external agent should be banned after Reload()")
	}
}
