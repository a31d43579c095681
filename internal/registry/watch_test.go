package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatchSeedFile_ReloadsOnChange(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte("tools: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadSeedFile(path, ProfileDefaults{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchSeedFile(ctx, path, reg, logger)
	}()

	// Rewrite until the watcher picks it up; the first write may race the watch setup.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		if _, err := reg.GetProfile(context.Background(), 10); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected seed reload after file change")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestWatchSeedFile_KeepsConfigOnBadSeed(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadSeedFile(path, ProfileDefaults{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = WatchSeedFile(ctx, path, reg, logger)
	}()

	time.Sleep(100 * time.Millisecond)
	// Replace atomically so the watcher never reads a truncated file.
	tmp := filepath.Join(filepath.Dir(path), "seed.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("groups:\n  - name: broken\n    file_regex: '(unclosed'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if _, err := reg.GetProfile(context.Background(), 10); err != nil {
		t.Fatalf("expected previous configuration to stay active, got %v", err)
	}
}
