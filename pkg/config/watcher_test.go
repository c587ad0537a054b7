// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("failed to write initial config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(30*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	changes := make(chan *Config, 4)
	watcher.OnChange(func(cfg *Config) {
		changes <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	if watcher.Config().Log.Level != "info" {
		t.Errorf("expected initial level info, got %q", watcher.Config().Log.Level)
	}

	if err := os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.Log.Level != "debug" {
			t.Errorf("expected level debug, got %q", cfg.Log.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config change notification")
	}
	if watcher.Config().Log.Level != "debug" {
		t.Errorf("expected Config() to reflect the reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	var calls atomic.Int32
	watcher.OnChange(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write unrelated file: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("unrelated file should not trigger reload, got %d calls", calls.Load())
	}
}

func TestWatcherStops(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log: {}\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}

func TestWatchConfigWithProfile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(base, []byte("kernel:\n  name: base\n"), 0o644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}
	dev := filepath.Join(dir, "config.dev.yaml")
	if err := os.WriteFile(dev, []byte("kernel:\n  name: dev\n"), 0o644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, cfg, err := WatchConfig(ctx, Sources{Path: base, Profile: "dev"}, WithWatchInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}
	defer watcher.Stop()

	if cfg.Kernel.Name != "dev" {
		t.Fatalf("expected profile to apply, got %s", cfg.Kernel.Name)
	}

	changes := make(chan *Config, 4)
	watcher.OnChange(func(c *Config) { changes <- c })
	if err := os.WriteFile(dev, []byte("kernel:\n  name: dev2\n"), 0o644); err != nil {
		t.Fatalf("failed to update dev config: %v", err)
	}
	select {
	case c := <-changes:
		if c.Kernel.Name != "dev2" {
			t.Errorf("expected dev2, got %s", c.Kernel.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("profile change not observed")
	}
}

func TestReloadableConfig(t *testing.T) {
	cfg1 := &Config{Interpreter: InterpreterConfig{Prompt: "> "}}
	cfg2 := &Config{Interpreter: InterpreterConfig{Prompt: "In> "}}

	rc := NewReloadableConfig(cfg1)
	if rc.Interpreter().Prompt != "> " {
		t.Errorf("expected initial prompt, got %q", rc.Interpreter().Prompt)
	}

	rc.Update(cfg2)
	if rc.Interpreter().Prompt != "In> " {
		t.Errorf("expected updated prompt, got %q", rc.Interpreter().Prompt)
	}
	if rc.Get() != cfg2 {
		t.Errorf("expected Get() to return the updated config")
	}
}
