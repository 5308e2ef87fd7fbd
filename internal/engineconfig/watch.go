// Copyright 2026 The Forge Control Plane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engineconfig

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Watch re-reads path on every write/create event and sends the reloaded
// Config on the returned channel. Parse errors are logged and skipped —
// the last good Config keeps running rather than the process crashing on
// a bad edit mid-save, matching the teacher filewatcher's own
// log-and-continue posture. The channel is closed when ctx is canceled.
//
// Grounded on internal/controller/filewatcher/watcher.go's fsnotify setup,
// narrowed from "watch a generic path for any of four event kinds" to
// "watch one config file for writes and reload it".
func Watch(ctx context.Context, path string, logger *slog.Logger) (<-chan Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engineconfig.watch"), slog.String("path", path))

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	// Editors commonly fire Write/Create/Chmod within the same save, so
	// coalesce bursts to at most one reload per second rather than
	// re-parsing the file for each event — the same
	// triggers-per-minute rate limiting the teacher's filewatcher applies
	// per watched path, narrowed to a single fixed budget since this
	// watcher only ever covers one file.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	out := make(chan Config, 1)
	go func() {
		defer fsw.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !limiter.Allow() {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Error("reload failed, keeping previous configuration", slog.Any("error", err))
					continue
				}
				logger.Info("configuration reloaded")
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("watch error", slog.Any("error", err))
			}
		}
	}()
	return out, nil
}
