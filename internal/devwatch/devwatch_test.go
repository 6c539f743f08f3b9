package devwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batches struct {
	mu  sync.Mutex
	got [][]string
}

func (b *batches) add(c []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, c)
}

func (b *batches) snapshot() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.got...)
}

func start(t *testing.T, cfg Config) *batches {
	t.Helper()
	w, err := New(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	b := &batches{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, b.add)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func waitBatches(t *testing.T, b *batches, n int) [][]string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := b.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d batches, got %d", n, len(b.snapshot()))
	return nil
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestNew_RequiresPaths(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Paths: []string{filepath.Join(t.TempDir(), "missing")}}, nil)
	assert.Error(t, err)
}

func TestRun_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	b := start(t, Config{Paths: []string{dir}, Debounce: 150 * time.Millisecond})

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(dir, "main.go"), "package main // "+time.Now().String())
		time.Sleep(10 * time.Millisecond)
	}
	write(t, filepath.Join(dir, "util.go"), "package main")

	got := waitBatches(t, b, 1)
	time.Sleep(400 * time.Millisecond)
	assert.Len(t, b.snapshot(), 1, "burst coalesces into one batch")
	assert.Contains(t, got[0], filepath.Join(dir, "main.go"))
	assert.Contains(t, got[0], filepath.Join(dir, "util.go"))
}

func TestRun_IgnoresConfiguredAndVendorDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))
	b := start(t, Config{Paths: []string{dir}, Ignore: []string{"*.log", "dist"}, Debounce: 100 * time.Millisecond})

	write(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "x")
	write(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main")
	write(t, filepath.Join(dir, "dist", "bundle.js"), "x")
	write(t, filepath.Join(dir, "server.log"), "x")
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, b.snapshot())

	write(t, filepath.Join(dir, "app.ts"), "x")
	got := waitBatches(t, b, 1)
	assert.Equal(t, []string{filepath.Join(dir, "app.ts")}, got[0])
}

func TestRun_WatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	b := start(t, Config{Paths: []string{dir}, Debounce: 100 * time.Millisecond})

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitBatches(t, b, 1)

	write(t, filepath.Join(sub, "new.go"), "package pkg")
	got := waitBatches(t, b, 2)
	assert.Contains(t, got[1], filepath.Join(sub, "new.go"))
}
