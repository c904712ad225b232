package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsChange(t *testing.T) {
	dir := writeConfigDir(t, validBot, validModels, validRole)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(dir, func(old, new *Config) {
		changed <- new
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Bot.Nickname != "Yuki" {
		t.Fatalf("initial nickname = %q", w.Current().Bot.Nickname)
	}

	updated := []byte(validBot[:len(validBot)-1] + "\n")
	updated = append(updated, []byte("\n[whitelist]\nenable = true\n")...)
	if err := os.WriteFile(filepath.Join(dir, BotFile), updated, 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if !cfg.Bot.Whitelist.Enable {
			t.Error("reloaded config missing whitelist change")
		}
		if !w.Current().Bot.Whitelist.Enable {
			t.Error("Current() not updated after reload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestWatcherKeepsOldConfigOnInvalidEdit(t *testing.T) {
	dir := writeConfigDir(t, validBot, validModels, validRole)

	w, err := NewWatcher(dir, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Break the models file; the watcher must keep serving the last good
	// config.
	if err := os.WriteFile(filepath.Join(dir, ModelsFile), []byte("[[[not toml"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if w.Current().Models.Organizer.ModelName != "Qwen/Qwen2.5-7B-Instruct" {
		t.Error("invalid edit clobbered the running config")
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	if _, err := NewWatcher(t.TempDir(), nil); err == nil {
		t.Fatal("expected error for empty config dir")
	}
}
