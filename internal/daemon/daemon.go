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

// Package daemon composes the workflow engine with the trigger
// subsystems that fire it: the Cron Scheduler (§4.6), the Webhook
// Registry (§4.8), the File Watcher (§4.9), and the Trigger Manager
// scanner (§4.7) that discovers which workflows want which of those.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/daemon/scheduler"
	"github.com/tombee/conductor/internal/daemon/trigger"
	"github.com/tombee/conductor/internal/daemon/webhook"
	internallog "github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/pkg/security/audit"
	"github.com/tombee/conductor/pkg/security/sandbox"
	"github.com/tombee/conductor/pkg/workflow"
	"github.com/tombee/conductor/pkg/workflow/filewatcher"
)

// Options carries build-time version information through to the
// running process (surfaced in logs and the --version flag).
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the composition root for conductord: one workflow store and
// executor shared by the scheduler, webhook registry, and file watcher,
// each of which launches runs through the same Launcher seam.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store         workflow.Store
	invocationLog audit.InvocationLog
	executor      *workflow.Executor

	scheduler   *scheduler.Scheduler
	webhook     *webhook.Router
	filewatcher *filewatcher.Service

	server *http.Server
	ln     net.Listener

	mu       sync.Mutex
	started  bool
	draining bool
}

// New wires a Daemon from configuration but does not start anything;
// call Start to begin serving.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	store, err := newStore(cfg.Daemon.Backend)
	if err != nil {
		return nil, fmt.Errorf("creating workflow store: %w", err)
	}

	invocationLog, err := newInvocationLog(cfg.Daemon.Backend)
	if err != nil {
		return nil, fmt.Errorf("creating invocation audit log: %w", err)
	}

	events := workflow.NewEventEmitter(true)
	skillRunner := newSkillRunner(cfg.Daemon, logger, invocationLog)
	executor := workflow.NewExecutor(store, events, nil, nil, skillRunner)

	d := &Daemon{
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		store:         store,
		invocationLog: invocationLog,
		executor:      executor,
	}

	if cfg.Daemon.Schedules.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			CheckMissedRuns: cfg.Daemon.Schedules.CheckMissedRuns,
		}, executor, d.isDraining)
		if err != nil {
			return nil, fmt.Errorf("creating scheduler: %w", err)
		}
		for _, s := range cfg.Daemon.Schedules.Schedules {
			if err := sched.AddSchedule(scheduler.Schedule{
				Name:     s.Name,
				Cron:     s.Cron,
				Workflow: s.Workflow,
				Inputs:   s.Inputs,
				Enabled:  s.Enabled,
				Timezone: s.Timezone,
			}); err != nil {
				return nil, fmt.Errorf("adding schedule %q: %w", s.Name, err)
			}
		}
		d.scheduler = sched
	}

	webhookRoutes := make([]webhook.Route, len(cfg.Daemon.Webhooks.Routes))
	for i, r := range cfg.Daemon.Webhooks.Routes {
		webhookRoutes[i] = webhook.Route{
			Path:         r.Path,
			Workflow:     r.Workflow,
			AuthType:     webhook.AuthType(r.AuthType),
			Secret:       r.Secret,
			Events:       r.Events,
			InputMapping: r.InputMapping,
		}
	}
	router, err := webhook.NewRouter(webhook.Config{Routes: webhookRoutes}, executor, d.isDraining)
	if err != nil {
		return nil, fmt.Errorf("creating webhook registry: %w", err)
	}
	d.webhook = router

	d.filewatcher = filewatcher.NewService(executor)

	if err := d.loadDefinitions(context.Background()); err != nil {
		return nil, fmt.Errorf("loading workflow definitions: %w", err)
	}
	if err := d.registerDiscoveredTriggers(); err != nil {
		return nil, fmt.Errorf("registering discovered triggers: %w", err)
	}
	for _, fw := range cfg.Daemon.FileWatchers {
		if err := d.addConfiguredWatcher(fw); err != nil {
			return nil, fmt.Errorf("adding file watcher %q: %w", fw.Name, err)
		}
	}

	return d, nil
}

// newSkillRunner wires the capability-gated WASM sandbox (§4.10-4.13)
// into a workflow.SkillInvoker. The OS-isolation helper is optional:
// if conductord-wasm-helper isn't on PATH, untrusted-tier skills fail
// with a clear error at invocation time rather than blocking startup.
func newSkillRunner(cfg config.DaemonConfig, logger *slog.Logger, invocationLog audit.InvocationLog) *sandbox.SkillRunner {
	isolate, err := sandbox.NewOSIsolation()
	if err != nil {
		logger.Warn("OS-isolation helper unavailable; untrusted-tier skills will fail", internallog.Error(err))
		isolate = nil
	}

	runtime := sandbox.NewRuntime(context.Background())
	env := sandbox.NewDaemonHostEnv(internallog.WithComponent(logger, "skill"))
	lookup := fileManifestLookup(cfg.SkillsDir)
	return sandbox.NewSkillRunner(lookup, runtime, isolate, invocationLog, env)
}

// newInvocationLog follows the same backend choice as the workflow
// store: sqlite when the daemon is configured for durability,
// in-memory otherwise.
func newInvocationLog(cfg config.BackendConfig) (audit.InvocationLog, error) {
	if cfg.Type != "sqlite" {
		return audit.NewInvocationStore(), nil
	}
	dir := filepath.Dir(cfg.SQLite.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	path := strings.TrimSuffix(cfg.SQLite.Path, filepath.Ext(cfg.SQLite.Path)) + "-audit" + filepath.Ext(cfg.SQLite.Path)
	return audit.NewSQLiteInvocationStore(path)
}

func newStore(cfg config.BackendConfig) (workflow.Store, error) {
	switch cfg.Type {
	case "sqlite":
		path := cfg.SQLite.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return workflow.NewSQLiteStore(path)
	default:
		return workflow.NewMemoryStore(), nil
	}
}

// loadDefinitions walks the workflows directory and saves every parseable
// definition into the store, so Launch's GetDefinitionByName resolves.
func (d *Daemon) loadDefinitions(ctx context.Context) error {
	dir := d.cfg.Daemon.WorkflowsDir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		d.logger.Warn("workflows directory does not exist", slog.String("dir", dir))
		return nil
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("accessing %s: %w", path, walkErr)
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Error("reading workflow file", slog.String("path", path), internallog.Error(err))
			return nil
		}
		def, err := workflow.ParseDefinition(data)
		if err != nil {
			d.logger.Error("parsing workflow file", slog.String("path", path), internallog.Error(err))
			return nil
		}
		if def.ID == "" {
			def.ID = def.Name
		}
		if err := d.store.SaveDefinition(ctx, def); err != nil {
			return fmt.Errorf("saving definition %s: %w", def.Name, err)
		}
		return nil
	})
}

// registerDiscoveredTriggers scans the workflows directory for inline
// cron/webhook/file_watch triggers (§4.7) and wires each into the
// subsystem that owns its kind. A cron trigger is skipped when a
// schedule named "<workflow>:<schedule>" is already registered; file
// watch triggers are added without a duplicate check; webhook triggers
// are only logged, since routes come from the YAML config alone.
func (d *Daemon) registerDiscoveredTriggers() error {
	scanner := trigger.NewScanner(d.cfg.Daemon.WorkflowsDir)
	result, err := scanner.Scan()
	if err != nil {
		return err
	}
	for _, scanErr := range result.Errors {
		d.logger.Warn("trigger scan error", internallog.Error(scanErr))
	}

	if d.scheduler != nil {
		for _, t := range result.CronTriggers {
			name := t.WorkflowName + ":" + t.Trigger.Cron.Schedule
			if _, ok := d.scheduler.GetSchedule(name); ok {
				continue
			}
			if err := d.scheduler.AddSchedule(scheduler.Schedule{
				Name:     name,
				Cron:     t.Trigger.Cron.Schedule,
				Workflow: t.WorkflowName,
				Enabled:  true,
				Timezone: t.Trigger.Cron.Timezone,
			}); err != nil {
				d.logger.Error("registering discovered cron trigger",
					slog.String("workflow", t.WorkflowName), internallog.Error(err))
			}
		}
	}

	for _, t := range result.FileWatchTriggers {
		name := t.WorkflowName + ":" + t.Trigger.FileWatch.Paths[0]
		if err := d.filewatcher.AddWatcher(filewatcher.WatchConfig{
			Name:            name,
			Workflow:        t.WorkflowName,
			Paths:           t.Trigger.FileWatch.Paths,
			IncludePatterns: t.Trigger.FileWatch.Patterns,
			Recursive:       true,
		}); err != nil {
			d.logger.Error("registering discovered file watch trigger",
				slog.String("workflow", t.WorkflowName), internallog.Error(err))
		}
	}

	for _, t := range result.WebhookTriggers {
		d.logger.Info("workflow declares an inline webhook trigger; add a matching "+
			"route under daemon.webhooks.routes to serve it",
			slog.String("workflow", t.WorkflowName), slog.String("path", t.Trigger.Webhook.Path))
	}

	return nil
}

func (d *Daemon) addConfiguredWatcher(fw config.FileWatcherEntry) error {
	var debounce time.Duration
	if fw.Debounce != "" {
		parsed, err := time.ParseDuration(fw.Debounce)
		if err != nil {
			return fmt.Errorf("parsing debounce: %w", err)
		}
		debounce = parsed
	}
	return d.filewatcher.AddWatcher(filewatcher.WatchConfig{
		Name:            fw.Name,
		Workflow:        fw.Workflow,
		Paths:           []string{fw.Path},
		Events:          fw.Events,
		IncludePatterns: fw.Patterns,
		DebounceWindow:  debounce,
		Recursive:       true,
	})
}

func (d *Daemon) isDraining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Start runs the webhook HTTP server and the scheduler/file-watcher
// background loops until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := newListener(d.cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	d.ln = ln

	mux := http.NewServeMux()
	d.webhook.RegisterRoutes(mux)
	d.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("conductord starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	if d.scheduler != nil {
		d.scheduler.Start(ctx)
	}
	if err := d.filewatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight requests and stops the background loops,
// bounded by the configured shutdown timeout.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.filewatcher != nil {
		if err := d.filewatcher.Stop(); err != nil {
			d.logger.Warn("stopping file watcher", internallog.Error(err))
		}
	}
	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down webhook server: %w", err)
		}
	}
	if closer, ok := d.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("closing workflow store", internallog.Error(err))
		}
	}
	if closer, ok := d.invocationLog.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("closing invocation audit log", internallog.Error(err))
		}
	}
	return nil
}
