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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeline/controlplane/internal/engine"
	"github.com/forgeline/controlplane/internal/engineconfig"
	"github.com/forgeline/controlplane/internal/log"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file (watched for changes)")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		postgresDSN = flag.String("postgres-dsn", "", "PostgreSQL connection string")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database file path")
		queueMode   = flag.String("queue-mode", "", "Queue mode (inline, distributed)")
		redisAddr   = flag.String("redis-addr", "", "Redis address for distributed queue mode")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("controlplaned %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := engineconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *backendType != "" {
		cfg.Store.Backend = *backendType
	}
	if *postgresDSN != "" {
		cfg.Store.PostgresDSN = *postgresDSN
	}
	if *sqlitePath != "" {
		cfg.Store.SQLitePath = *sqlitePath
	}
	if *queueMode != "" {
		cfg.Queue.Mode = *queueMode
	}
	if *redisAddr != "" {
		cfg.Queue.RedisAddr = *redisAddr
	}

	eng, err := engine.New(cfg, engine.StaticServiceDirectory{}, logger)
	if err != nil {
		logger.Error("failed to construct engine", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		go watchConfig(ctx, *configPath, logger)
	}

	eng.Start(ctx)
	logger.Info("controlplaned started",
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("queue_mode", cfg.Queue.Mode),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Leader.RetryInterval+shutdownGrace)
	defer cancel()
	eng.Stop(shutdownCtx)
}

// shutdownGrace pads the shutdown context past one leader retry interval so
// in-flight lock refreshes have room to release cleanly.
const shutdownGrace = 5 * time.Second

// watchConfig logs config file changes. Scaling targets and store/queue
// backends are fixed for the process lifetime — a rescale or backend swap
// needs a restart — so a reload today only surfaces what changed for an
// operator to act on.
func watchConfig(ctx context.Context, path string, logger *slog.Logger) {
	updates, err := engineconfig.Watch(ctx, path, logger)
	if err != nil {
		logger.Warn("config watch disabled", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-updates:
			if !ok {
				return
			}
			var targets []string
			for _, t := range newCfg.Scaling {
				targets = append(targets, t.Key)
			}
			logger.Info("config file changed", slog.Any("scaling_targets", targets))
		}
	}
}
