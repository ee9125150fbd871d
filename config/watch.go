// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/splat"
)

// reloadDelay coalesces the bursts of events editors produce on save.
const reloadDelay = 50 * time.Millisecond

// Watch reloads the session file at path whenever it changes and passes it
// to apply, until ctx is done. The file is loaded once before watching
// starts and the first load must succeed. Later parse and apply errors are
// logged and the previous settings stay in effect.
//
// The parent directory is watched so that editors replacing the file by
// rename are followed.
func Watch(ctx context.Context, path string, apply func(*SessionFile) error) error {
	path = filepath.Clean(path)
	f, err := Load(path)
	if err != nil {
		return err
	}
	if err := apply(f); err != nil {
		return fmt.Errorf("config: apply %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	log := splat.Logger().With("path", path)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				timer.Reset(reloadDelay)
				continue
			}
			log.Warn("config: watch error", "err", err)
		case <-timer.C:
			f, err := Load(path)
			if err != nil {
				log.Warn("config: reload failed", "err", err)
				continue
			}
			if err := apply(f); err != nil {
				log.Warn("config: rejected settings", "err", err)
				continue
			}
			log.Info("config: reloaded")
		}
	}
}

// WatchSession keeps a session configuration in sync with the file at
// path. See Watch.
func WatchSession(ctx context.Context, path string, s *splat.SessionConfig) error {
	return Watch(ctx, path, func(f *SessionFile) error { return f.ApplyTo(s) })
}
