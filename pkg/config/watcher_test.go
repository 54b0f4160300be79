package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  workers: 2\n"), 0o644))

	reloaded := make(chan string, 1)
	w, err := NewWatcher(path, func(p string) error {
		select {
		case reloaded <- p:
		default:
		}
		return nil
	}, nil)
	require.NoError(t, err)
	w.debounceTime = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  workers: 4\n"), 0o644))

	select {
	case p := <-reloaded:
		require.Equal(t, path, p)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(string) error {
		reloaded <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)
	w.debounceTime = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
