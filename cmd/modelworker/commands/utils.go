package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fly-io/modelworker/internal/config"
	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/dispatch"
	"github.com/fly-io/modelworker/pkg/engine"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/fetcher"
	appfsm "github.com/fly-io/modelworker/pkg/fsm"
	"github.com/fly-io/modelworker/pkg/job"
	"github.com/fly-io/modelworker/pkg/reconcile"
	"github.com/fly-io/modelworker/pkg/resolver"
	"github.com/fly-io/modelworker/pkg/storage"
	"github.com/spf13/afero"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string, dirs ...string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed when jobs run through the FSM)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create "+dir)
		}
	}

	return nil
}

// loadConfig loads and validates configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// worker is the wired set of components a command works with
type worker struct {
	cfg        *config.Config
	fs         afero.Fs
	repo       *db.Repository
	engine     *engine.Client
	reconciler *reconcile.Reconciler
	orch       *job.Orchestrator
	runner     dispatch.JobRunner
	dispatcher *dispatch.Dispatcher

	closers []func()
}

// newWorker wires every component from cfg. withJobs also sets up the job
// runner, including the FSM manager when fsm-enabled is set.
func newWorker(ctx context.Context, cfg *config.Config, withJobs bool) (*worker, error) {
	fsmDBPath := ""
	if withJobs && cfg.FSMEnabled {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath, cfg.ModelsDir); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	w := &worker{cfg: cfg, fs: afero.NewOsFs(), repo: repo}
	w.closers = append(w.closers, func() { repo.Close() })

	deps := fetcher.StrategyDeps{HTTPClient: &http.Client{Timeout: 6 * time.Hour}}
	if slices.Contains(cfg.FetchStrategies, "s3") {
		s3Client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "S3 client failed")
		}
		deps.S3 = s3Client
	}
	strategies, err := fetcher.BuildStrategies(cfg.FetchStrategies, deps)
	if err != nil {
		w.Close()
		return nil, errors.Wrap(err, "fetch strategies invalid")
	}

	res := resolver.New(cfg.ModelsDir)
	f := fetcher.New(w.fs, res, strategies, repo)
	w.reconciler = reconcile.New(w.fs, res, f, repo, cfg.FetchConcurrency)

	w.engine = engine.NewClient(cfg.ComfyURL(), &http.Client{Timeout: 60 * time.Second})
	w.orch = job.New(w.engine, w.fs, cfg.ComfyOutputDir, repo, job.Options{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.JobTimeout,
	})
	w.runner = w.orch

	if withJobs && cfg.FSMEnabled {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "FSM manager failed")
		}
		w.closers = append(w.closers, func() { manager.Shutdown(10 * time.Second) })

		runner, err := appfsm.NewRunner(ctx, manager, w.orch, cfg.FSMMaxRetries)
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "FSM register failed")
		}
		if err := runner.Resume(ctx); err != nil {
			slog.Warn("fsm_resume_failed", "error", err)
		}
		w.runner = runner
		slog.Info("fsm_runner_enabled", "db_path", cfg.FSMDBPath)
	}

	w.dispatcher = dispatch.New(w.reconciler, w.runner, cfg.StrictArtifacts)
	return w, nil
}

// Close releases resources in reverse order of acquisition
func (w *worker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// readInput reads path, or stdin when path is "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read "+path)
	}
	return data, nil
}

// printJSON writes v to stdout as indented JSON
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
