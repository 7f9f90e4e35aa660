// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current snapshot. New sessions pick up the latest
// snapshot; sessions already running keep the one they started with.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(c *Config) *Store {
	s := new(Store)
	s.cur.Store(c)
	return s
}

func (s *Store) Load() *Config {
	return s.cur.Load()
}

func (s *Store) Swap(c *Config) *Config {
	return s.cur.Swap(c)
}

// Watch reloads path whenever it changes until ctx is done. A file that
// fails to parse is logged and the previous snapshot stays in effect.
func (s *Store) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files by rename and
	// a watch on the old inode would go silent.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			c, err := Load(path)
			if err != nil {
				slog.Warn("ignoring invalid config change", "path", path, "err", err)
				continue
			}
			s.Swap(c)
			slog.Info("reloaded config", "path", path, "rules", len(c.Rules))

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Debug("config watcher error", "err", err)
		}
	}
}
