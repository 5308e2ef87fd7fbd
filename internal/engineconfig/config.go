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

// Package engineconfig loads the small struct-based configuration the core
// engine needs to start: queue mode, storage backend DSN, leader retry
// interval, and scaling targets. This is intentionally much smaller than
// the teacher's internal/config (CLI profile/provider/tier configuration
// is an external collaborator's concern per SPEC_FULL.md's AMBIENT STACK
// section), but keeps the teacher's load shape: a YAML file overridable by
// environment variables, optionally hot-reloaded via fsnotify.
//
// Grounded on the teacher's internal/config/config.go for the YAML-plus-env
// load order and internal/controller/filewatcher/watcher.go for the
// fsnotify watch loop.
package engineconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeline/controlplane/internal/queue"
)

// ScalingTarget mirrors internal/scaling.TargetConfig in a YAML-friendly
// shape (that package's struct has no yaml tags since it is also
// constructed directly by tests).
type ScalingTarget struct {
	Key         string `yaml:"key"`
	QueueName   string `yaml:"queueName"`
	Default     int    `yaml:"default"`
	Min         int    `yaml:"min"`
	Max         int    `yaml:"max"`
	RateLimitMs int64  `yaml:"rateLimitMs"`
}

// StoreConfig selects and configures a persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file (or ":memory:") used when
	// Backend == "sqlite".
	SQLitePath string `yaml:"sqlitePath"`
	SQLiteWAL  bool   `yaml:"sqliteWal"`

	// PostgresDSN is the connection string used when Backend == "postgres".
	PostgresDSN string `yaml:"postgresDsn"`
}

// QueueConfig selects the queue mode and, for distributed mode, the Redis
// endpoint.
type QueueConfig struct {
	// Mode is "inline" or "distributed".
	Mode           string `yaml:"mode"`
	RedisAddr      string `yaml:"redisAddr"`
	DefaultRetries int    `yaml:"defaultRetries"`
}

// Config is the full engine configuration.
type Config struct {
	Store   StoreConfig     `yaml:"store"`
	Queue   QueueConfig     `yaml:"queue"`
	Leader  LeaderConfig    `yaml:"leader"`
	Scaling []ScalingTarget `yaml:"scaling"`
	LogFormat string        `yaml:"logFormat"`
	LogLevel  string        `yaml:"logLevel"`
}

// LeaderConfig configures the schedule-leader election (§4.G).
type LeaderConfig struct {
	Namespace     string        `yaml:"namespace"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	PollInterval  time.Duration `yaml:"pollInterval"`
}

// Default returns the configuration a bare process should boot with: an
// in-memory store and inline queue mode, suitable for a single-node
// evaluation deployment.
func Default() Config {
	return Config{
		Store: StoreConfig{Backend: "memory"},
		Queue: QueueConfig{Mode: string(queue.ModeInline), DefaultRetries: 3},
		Leader: LeaderConfig{
			Namespace:     "forgeline.schedule-leader",
			RetryInterval: 5 * time.Second,
			PollInterval:  10 * time.Second,
		},
		LogFormat: "json",
		LogLevel:  "info",
	}
}

// Load reads a YAML configuration file at path, starting from Default(),
// then applies environment variable overrides. A missing path is not an
// error — the defaults (plus any env overrides) are returned as-is, since
// a single-node evaluation deployment should start with zero required
// files, matching the teacher's "config file is optional, env always
// wins" load order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("engineconfig: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("engineconfig: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("FORGELINE_STORE_BACKEND"); ok {
		cfg.Store.Backend = v
	}
	if v, ok := os.LookupEnv("FORGELINE_SQLITE_PATH"); ok {
		cfg.Store.SQLitePath = v
	}
	if v, ok := os.LookupEnv("FORGELINE_POSTGRES_DSN"); ok {
		cfg.Store.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("FORGELINE_QUEUE_MODE"); ok {
		cfg.Queue.Mode = v
	}
	if v, ok := os.LookupEnv("FORGELINE_REDIS_ADDR"); ok {
		cfg.Queue.RedisAddr = v
	}
	if v, ok := os.LookupEnv("FORGELINE_QUEUE_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.DefaultRetries = n
		}
	}
	if v, ok := os.LookupEnv("FORGELINE_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("FORGELINE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}
