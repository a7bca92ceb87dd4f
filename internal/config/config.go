// Copyright 2025 Tom Barlow
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

// Package config loads the daemon's configuration: storage backend,
// distributed-mode settings, the listener, scheduled workflows, and
// webhook routes. It reads a YAML file if one is present, then layers
// environment variable overrides on top, then fills in defaults for
// anything still unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration document.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
}

// DaemonConfig configures the running conductord process.
type DaemonConfig struct {
	// WorkflowsDir is where workflow definition YAML files are discovered.
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// SkillsDir is where installed skill manifests are discovered, one
	// subdirectory per skill (§4.10).
	SkillsDir string `yaml:"skills_dir,omitempty"`

	// Listen configures how the daemon accepts connections.
	Listen ListenConfig `yaml:"listen,omitempty"`

	// Backend selects and configures the definition/run store.
	Backend BackendConfig `yaml:"backend,omitempty"`

	// Distributed configures multi-instance coordination.
	Distributed DistributedConfig `yaml:"distributed,omitempty"`

	// Webhooks configures the Webhook Registry's routes (§4.8).
	Webhooks WebhooksConfig `yaml:"webhooks,omitempty"`

	// Schedules configures the Cron Scheduler (§4.6).
	Schedules SchedulesConfig `yaml:"schedules,omitempty"`

	// FileWatchers configures the File Watcher trigger (§4.9).
	FileWatchers []FileWatcherEntry `yaml:"file_watchers,omitempty"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight runs before giving up.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ListenConfig configures the daemon's listener.
type ListenConfig struct {
	// SocketPath is the Unix socket to listen on.
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is an optional TCP address to listen on (e.g. ":9443").
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote must be true to bind TCPAddr to a non-localhost address.
	AllowRemote bool `yaml:"allow_remote"`

	// TLSCert and TLSKey enable HTTPS on the TCP listener.
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
}

// BackendConfig configures the definition/run store.
type BackendConfig struct {
	// Type is "memory" or "sqlite".
	Type   string       `yaml:"type,omitempty"`
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig contains connection settings for the durable backend.
type SQLiteConfig struct {
	Path string `yaml:"path,omitempty"`
}

// DistributedConfig configures multi-instance coordination.
type DistributedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	InstanceID string `yaml:"instance_id,omitempty"`
}

// WebhooksConfig configures the Webhook Registry.
type WebhooksConfig struct {
	Routes []WebhookRoute `yaml:"routes,omitempty"`
}

// WebhookRoute defines one registered webhook endpoint.
type WebhookRoute struct {
	Path         string            `yaml:"path"`
	Workflow     string            `yaml:"workflow"`
	AuthType     string            `yaml:"auth_type"`
	Secret       string            `yaml:"secret,omitempty"`
	Events       []string          `yaml:"events,omitempty"`
	InputMapping map[string]string `yaml:"input_mapping,omitempty"`
}

// SchedulesConfig configures the Cron Scheduler.
type SchedulesConfig struct {
	Enabled         bool            `yaml:"enabled"`
	CheckMissedRuns bool            `yaml:"check_missed_runs"`
	Schedules       []ScheduleEntry `yaml:"schedules,omitempty"`
}

// ScheduleEntry defines one cron-triggered workflow.
type ScheduleEntry struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Workflow string         `yaml:"workflow"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
	Enabled  bool           `yaml:"enabled"`
	Timezone string         `yaml:"timezone,omitempty"`
}

// FileWatcherEntry defines one watched path/glob pair for the File
// Watcher trigger.
type FileWatcherEntry struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Patterns []string `yaml:"patterns,omitempty"`
	Events   []string `yaml:"events,omitempty"`
	Workflow string   `yaml:"workflow"`
	Debounce string   `yaml:"debounce,omitempty"`
}

// Default returns a daemon configuration suitable for local
// development: an in-memory backend, a socket under the user's home
// directory, no distributed mode, and missed-run detection on.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			WorkflowsDir: "./workflows",
			SkillsDir:    "./skills",
			Listen: ListenConfig{
				SocketPath:  defaultSocketPath(),
				AllowRemote: false,
			},
			Backend: BackendConfig{
				Type: "memory",
				SQLite: SQLiteConfig{
					Path: defaultSQLitePath(),
				},
			},
			Distributed: DistributedConfig{
				Enabled: false,
			},
			Schedules: SchedulesConfig{
				Enabled:         true,
				CheckMissedRuns: true,
			},
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// LoadDaemon reads daemon configuration from path (falling back to
// $CONDUCTOR_CONFIG, then ./conductord.yaml, then defaults alone if
// neither exists), layers environment variable overrides on top, and
// fills in any still-unset fields from Default.
func LoadDaemon(path string) (*Config, error) {
	cfg := Default()

	resolved := path
	if resolved == "" {
		resolved = os.Getenv("CONDUCTOR_CONFIG")
	}
	if resolved == "" {
		resolved = "./conductord.yaml"
	}

	if data, err := readConfigFile(resolved); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", resolved, err)
		}
	} else if path != "" {
		// An explicitly requested file that can't be read is an error;
		// a missing default/env-derived path is not.
		return nil, fmt.Errorf("reading %s: %w", resolved, err)
	}

	cfg.loadFromEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[2:])
	}
	return os.ReadFile(path)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("CONDUCTOR_WORKFLOWS_DIR"); v != "" {
		c.Daemon.WorkflowsDir = v
	}
	if v := os.Getenv("CONDUCTOR_SKILLS_DIR"); v != "" {
		c.Daemon.SkillsDir = v
	}
	if v := os.Getenv("CONDUCTOR_SOCKET"); v != "" {
		c.Daemon.Listen.SocketPath = v
	}
	if v := os.Getenv("CONDUCTOR_TCP_ADDR"); v != "" {
		c.Daemon.Listen.TCPAddr = v
	}
	if v := os.Getenv("CONDUCTOR_BACKEND"); v != "" {
		c.Daemon.Backend.Type = v
	}
	if v := os.Getenv("CONDUCTOR_SQLITE_PATH"); v != "" {
		c.Daemon.Backend.SQLite.Path = v
	}
	if v := os.Getenv("CONDUCTOR_DISTRIBUTED"); v != "" {
		c.Daemon.Distributed.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CONDUCTOR_INSTANCE_ID"); v != "" {
		c.Daemon.Distributed.InstanceID = v
	}
}

// applyDefaults fills in zero-valued fields from Default, so a
// partial YAML document (or no document at all) still produces a
// runnable configuration.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Daemon.WorkflowsDir == "" {
		c.Daemon.WorkflowsDir = defaults.Daemon.WorkflowsDir
	}
	if c.Daemon.SkillsDir == "" {
		c.Daemon.SkillsDir = defaults.Daemon.SkillsDir
	}
	if c.Daemon.Listen.SocketPath == "" && c.Daemon.Listen.TCPAddr == "" {
		c.Daemon.Listen.SocketPath = defaults.Daemon.Listen.SocketPath
	}
	if c.Daemon.Backend.Type == "" {
		c.Daemon.Backend.Type = defaults.Daemon.Backend.Type
	}
	if c.Daemon.Backend.SQLite.Path == "" {
		c.Daemon.Backend.SQLite.Path = defaults.Daemon.Backend.SQLite.Path
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = defaults.Daemon.ShutdownTimeout
	}
}

func defaultSQLitePath() string {
	if runtimeDir := os.Getenv("XDG_STATE_HOME"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "conductor", "conductord.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/conductord.db"
	}
	return filepath.Join(home, ".conductor", "conductord.db")
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "conductor", "conductord.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/conductord.sock"
	}
	return filepath.Join(home, ".conductor", "conductord.sock")
}

// ParseBoolEnv reads the environment variable name as a boolean. It
// accepts every form strconv.ParseBool accepts ("1", "t", "true",
// "0", "f", "false" and their upper-case variants) plus "true" in any
// letter case; any other value yields false, and an unset variable
// yields def.
func ParseBoolEnv(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return strings.EqualFold(v, "true")
}
