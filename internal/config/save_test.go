package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Agents["test-agent"] = AgentConfig{Capabilities: []string{"billing"}, MaxConcurrent: 1, Command: "test-cmd"}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	routing := raw["routing"].(map[string]any)
	if routing["timeout"] != "30s" {
		t.Errorf("Expected timeout written as '30s', got %v", routing["timeout"])
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind")
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.Routing.Timeout = Duration(90 * time.Second)
			cfg.Agents["reviewer"] = AgentConfig{
				Capabilities:  []string{"review"},
				MaxConcurrent: 3,
				Command:       "./review",
				Env:           map[string]string{"MODE": "strict"},
				Reversible:    true,
			}
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load("", path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Routing.Timeout != cfg.Routing.Timeout {
				t.Errorf("Timeout = %v, want %v", loaded.Routing.Timeout, cfg.Routing.Timeout)
			}
			got := loaded.Agents["reviewer"]
			if got.MaxConcurrent != 3 || !got.Reversible || got.Env["MODE"] != "strict" {
				t.Errorf("reviewer = %+v", got)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "routing:\n  timeout: 10s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, "", path, 20*time.Millisecond, logger, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	writeFile(t, path, "routing:\n  timeout: soon\n")
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Routing.Weights.Latency = 0.9
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	select {
	case got := <-changes:
		if got.Routing.Weights.Latency != 0.9 {
			t.Errorf("Latency weight = %v, want 0.9", got.Routing.Weights.Latency)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}
