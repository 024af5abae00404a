package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDeliversReloadedAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[agents.one]\ncommand = \"a\"\n"), 0o644))

	reloads := make(chan map[string]AgentDef, 4)
	w, err := NewWatcher(path, func(agents map[string]AgentDef) {
		reloads <- agents
	})
	require.NoError(t, err)
	defer w.Close()
	w.Start()

	// An atomic rename, the way editors save.
	tmp := filepath.Join(dir, "config.toml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("[agents.one]\ncommand = \"a\"\n\n[agents.two]\ncommand = \"b\"\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case agents := <-reloads:
		assert.Contains(t, agents, "two")
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	reloads := make(chan map[string]AgentDef, 1)
	w, err := NewWatcher(path, func(agents map[string]AgentDef) {
		reloads <- agents
	})
	require.NoError(t, err)
	defer w.Close()
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	select {
	case <-reloads:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(time.Second):
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w, err := NewWatcher(path, func(map[string]AgentDef) {})
	require.NoError(t, err)
	w.Start()
	w.Close()
	w.Close()
}
