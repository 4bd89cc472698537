package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// WatchConfig blocks until ctx is done and calls onChange every time the config
// file at path is written, created or renamed over. The parent directory is
// watched, so editors replacing the file are handled. A config which fails to
// load is reported through the error argument and the caller keeps the old one.
func WatchConfig(ctx context.Context, path string, onChange func(Config, error)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	ticker := time.NewTicker(watchDebounce)
	defer ticker.Stop()

	var pending time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onChange(Config{}, err)
		case now := <-ticker.C:
			if pending.IsZero() || now.Sub(pending) < watchDebounce {
				continue
			}
			pending = time.Time{}
			onChange(loadConfigFile(path))
		}
	}
}

func loadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := LoadConfig(f)
	if err != nil {
		return Config{}, fmt.Errorf("reloading %s: %w", path, err)
	}
	// environment overrides may break what the file alone satisfied
	cfg = ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("reloading %s: %w", path, err)
	}
	return cfg, nil
}
