package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/notify"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != ":8080" {
		t.Errorf("listen default = %q", *listen)
	}
	if *dbPath != "gunshot.db" {
		t.Errorf("db default = %q", *dbPath)
	}
	if *debugRoutes || *checkMigrations || *devMode {
		t.Error("boolean flags should default to false")
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
	if cfg.GetEventTTL() != time.Minute || cfg.GetMinClients() != 3 {
		t.Errorf("built-in defaults not applied: ttl %s, min clients %d", cfg.GetEventTTL(), cfg.GetMinClients())
	}

	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(`{"event_ttl": "5m", "min_clients": 4}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.GetEventTTL() != 5*time.Minute || cfg.GetMinClients() != 4 {
		t.Errorf("file values not applied: ttl %s, min clients %d", cfg.GetEventTTL(), cfg.GetMinClients())
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestBuildNotifier_WithoutBroker(t *testing.T) {
	cfg, _ := loadConfig("")
	hub := notify.NewHub(1)
	defer hub.Close()
	n, closeFn, err := buildNotifier(cfg, hub)
	if err != nil {
		t.Fatalf("buildNotifier: %v", err)
	}
	defer closeFn()
	multi, ok := n.(notify.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("notifier = %#v, want log and hub", n)
	}

	_, ch := hub.Subscribe()
	n.Notify(gunshot.Snapshot{ID: 7, State: gunshot.StateConfirmed})
	if got := <-ch; got.ID != 7 {
		t.Errorf("hub received event %d, want 7", got.ID)
	}
}
