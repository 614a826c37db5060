// Package job runs one workflow on the execution engine: it tags every output
// with a per-job correlation prefix, submits, waits for completion, collects
// the produced images and always removes the job's files afterwards.
package job

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/engine"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/workflow"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Defaults for Options fields left zero.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 30 * time.Minute
)

// Engine is the part of the engine client a job needs.
type Engine interface {
	Submit(ctx context.Context, body map[string]any) (string, error)
	History(ctx context.Context, promptID string) (*engine.HistoryEntry, bool, error)
	View(ctx context.Context, f engine.OutputFile) ([]byte, error)
	DeleteQueued(ctx context.Context, promptID string) error
}

// ProgressSource is implemented by engines that stream execution events.
type ProgressSource interface {
	Watch(ctx context.Context, clientID string, fn func(engine.Event)) error
}

// Ledger records job transitions.
type Ledger interface {
	CreateJob(j *db.Job) error
	UpdateJob(j *db.Job) error
}

// Options tunes the wait for completion.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Image is one collected output.
type Image struct {
	B64 string `json:"b64"`
}

// Result is what a successful run returns.
type Result struct {
	Images []Image `json:"images"`
}

// Job is the state of one run as it moves through the orchestrator.
type Job struct {
	Prefix   string
	Graph    workflow.Graph
	PromptID string
	Status   string
	Entry    *engine.HistoryEntry
	Images   []Image

	errMsg    string
	cleanOnce sync.Once
	cleaned   bool
	removed   []string
	failures  []errors.Failure
}

// Orchestrator drives jobs against one engine and its output directory.
type Orchestrator struct {
	engine    Engine
	fs        afero.Fs
	outputDir string
	ledger    Ledger
	opts      Options
}

// New creates an Orchestrator. ledger may be nil.
func New(eng Engine, fs afero.Fs, outputDir string, ledger Ledger, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		engine:    eng,
		fs:        fs,
		outputDir: outputDir,
		ledger:    ledger,
		opts:      opts,
	}
}

// NewPrefix returns a fresh correlation prefix: "job_" and 12 hex characters.
func NewPrefix() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "job_" + id[:12]
}

// NewJob creates a job for graph with its outputs tagged by a fresh prefix.
func (o *Orchestrator) NewJob(graph workflow.Graph) *Job {
	prefix := NewPrefix()
	tagged, n := workflow.InjectPrefix(graph, prefix)

	j := &Job{
		Prefix: prefix,
		Graph:  tagged,
		Status: db.JobCreated,
	}
	slog.Info("job_created", "prefix", prefix, "output_nodes", n)

	if o.ledger != nil {
		if err := o.ledger.CreateJob(&db.Job{Prefix: prefix, Status: db.JobCreated}); err != nil {
			slog.Warn("job_ledger_failed", "prefix", prefix, "error", err)
		}
	}
	return j
}

// Submit queues the job's graph on the engine.
func (o *Orchestrator) Submit(ctx context.Context, j *Job) error {
	promptID, err := o.engine.Submit(ctx, workflow.SubmitBody(j.Graph, j.Prefix))
	if err != nil {
		return errors.Wrap(err, "failed to submit job")
	}
	j.PromptID = promptID
	o.transition(j, db.JobSubmitted, "")
	slog.Info("job_submitted", "prefix", j.Prefix, "prompt_id", promptID)
	return nil
}

// errPending marks a poll that found the prompt still running.
var errPending = fmt.Errorf("prompt not finished")

// Poll waits until the engine reports the job finished, the job deadline
// passes (ErrJobTimeout) or ctx is cancelled (ctx.Err()). A failed history
// request ends the wait with ErrEngine.
func (o *Orchestrator) Poll(ctx context.Context, j *Job) error {
	o.transition(j, db.JobPolling, "")

	pollCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	if src, ok := o.engine.(ProgressSource); ok {
		go o.watch(pollCtx, src, j)
	}

	started := time.Now()
	attempts := 0
	op := func() error {
		attempts++
		entry, done, err := o.engine.History(pollCtx, j.PromptID)
		if err != nil {
			slog.Warn("job_poll_failed", "prefix", j.Prefix, "prompt_id", j.PromptID, "error", err)
			if errors.Is(err, errors.ErrEngine) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !done {
			return errPending
		}
		if entry.Failed() {
			return backoff.Permanent(fmt.Errorf("%w: prompt %s finished with status error", errors.ErrEngine, j.PromptID))
		}
		j.Entry = entry
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.opts.PollInterval), pollCtx)
	if err := backoff.Retry(op, b); err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case pollCtx.Err() == context.DeadlineExceeded:
			return fmt.Errorf("%w: prompt %s after %s", errors.ErrJobTimeout, j.PromptID, o.opts.Timeout)
		default:
			return err
		}
	}

	o.transition(j, db.JobCompleted, "")
	slog.Info("job_completed", "prefix", j.Prefix, "prompt_id", j.PromptID,
		"polls", attempts, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) watch(ctx context.Context, src ProgressSource, j *Job) {
	err := src.Watch(ctx, j.Prefix, func(ev engine.Event) {
		p, ok := ev.Progress()
		if !ok || (p.PromptID != "" && p.PromptID != j.PromptID) {
			return
		}
		slog.Debug("job_progress", "prefix", j.Prefix, "event", ev.Type, "value", p.Value, "max", p.Max)
	})
	if err != nil {
		slog.Debug("job_progress_unavailable", "prefix", j.Prefix, "error", err)
	}
}

// Collect fetches every reported output and base64-encodes it.
func (o *Orchestrator) Collect(ctx context.Context, j *Job) error {
	if j.Entry == nil {
		return fmt.Errorf("job %s has no completed history", j.Prefix)
	}

	files := j.Entry.Files()
	images := make([]Image, 0, len(files))
	for _, f := range files {
		data, err := o.engine.View(ctx, f)
		if err != nil {
			return errors.Wrap(err, "failed to collect "+f.Filename)
		}
		images = append(images, Image{B64: base64.StdEncoding.EncodeToString(data)})
		slog.Debug("job_output_collected", "prefix", j.Prefix, "filename", f.Filename, "bytes", len(data))
	}

	j.Images = images
	o.transition(j, db.JobCollected, "")
	slog.Info("job_collected", "prefix", j.Prefix, "images", len(images))
	return nil
}

// Cleanup removes every top-level entry of the output directory whose name
// starts with "<prefix>_". It runs once per job; later calls return the first
// call's result. Removal failures are reported, never returned as an error.
func (o *Orchestrator) Cleanup(j *Job) ([]string, []errors.Failure) {
	j.cleanOnce.Do(func() {
		j.removed, j.failures = o.removeOutputs(j.Prefix)
		j.cleaned = len(j.failures) == 0
		slog.Info("job_cleanup", "prefix", j.Prefix, "removed", len(j.removed), "failures", len(j.failures))

		if o.ledger != nil {
			if err := o.ledger.UpdateJob(o.record(j)); err != nil {
				slog.Warn("job_ledger_failed", "prefix", j.Prefix, "error", err)
			}
		}
	})
	return j.removed, j.failures
}

// RemoveOutputs deletes the output entries of prefix. It is exported for
// sweeping jobs left behind by a crashed process.
func (o *Orchestrator) RemoveOutputs(prefix string) ([]string, []errors.Failure) {
	return o.removeOutputs(prefix)
}

func (o *Orchestrator) removeOutputs(prefix string) ([]string, []errors.Failure) {
	entries, err := afero.ReadDir(o.fs, o.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []errors.Failure{errors.NewFailure(o.outputDir, err)}
	}

	var removed []string
	var failures []errors.Failure
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix+"_") {
			continue
		}
		path := filepath.Join(o.outputDir, e.Name())
		if err := o.fs.RemoveAll(path); err != nil {
			slog.Warn("job_cleanup_remove_failed", "path", path, "error", err)
			failures = append(failures, errors.NewFailure(path, err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, failures
}

// Fail records err against the job. On cancellation or timeout the queued
// prompt is also withdrawn from the engine, best effort.
func (o *Orchestrator) Fail(j *Job, err error) {
	slog.Error("job_failed", "prefix", j.Prefix, "prompt_id", j.PromptID, "error", err)
	o.transition(j, db.JobFailed, err.Error())

	if j.PromptID == "" {
		return
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errors.ErrJobTimeout) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := o.engine.DeleteQueued(ctx, j.PromptID); derr != nil {
		slog.Warn("job_dequeue_failed", "prefix", j.Prefix, "prompt_id", j.PromptID, "error", derr)
	}
}

// Run executes graph end to end. Cleanup runs exactly once whatever happens.
func (o *Orchestrator) Run(ctx context.Context, graph workflow.Graph) (*Result, error) {
	j := o.NewJob(graph)
	defer o.Cleanup(j)

	steps := []func(context.Context, *Job) error{o.Submit, o.Poll, o.Collect}
	for _, step := range steps {
		if err := step(ctx, j); err != nil {
			o.Fail(j, err)
			return nil, err
		}
	}
	return &Result{Images: j.Images}, nil
}

func (o *Orchestrator) transition(j *Job, status, errMsg string) {
	j.Status = status
	if errMsg != "" {
		j.errMsg = errMsg
	}
	if o.ledger == nil {
		return
	}
	if err := o.ledger.UpdateJob(o.record(j)); err != nil {
		slog.Warn("job_ledger_failed", "prefix", j.Prefix, "status", status, "error", err)
	}
}

func (o *Orchestrator) record(j *Job) *db.Job {
	return &db.Job{
		Prefix:       j.Prefix,
		PromptID:     j.PromptID,
		Status:       j.Status,
		ImageCount:   len(j.Images),
		Cleaned:      j.cleaned,
		ErrorMessage: j.errMsg,
	}
}

// Restore rebuilds a job that a durable runner persisted before a restart.
func Restore(prefix string, graph workflow.Graph, promptID string) *Job {
	status := db.JobCreated
	if promptID != "" {
		status = db.JobSubmitted
	}
	return &Job{
		Prefix:   prefix,
		Graph:    graph,
		PromptID: promptID,
		Status:   status,
	}
}
