// Package reconcile brings the models root in line with a repo list: every
// listed artifact is ensured, then every artifact file outside the wanted set
// is deleted.
package reconcile

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/fetcher"
	"github.com/fly-io/modelworker/pkg/repolist"
	"github.com/fly-io/modelworker/pkg/resolver"
	"github.com/spf13/afero"
)

// Ensurer materializes one artifact. Implemented by fetcher.Fetcher.
type Ensurer interface {
	Ensure(ctx context.Context, kind, link string) fetcher.Record
}

// PruneLedger is told about every pruned destination. Implemented by
// db.Repository.
type PruneLedger interface {
	MarkPruned(destination string) error
}

// Result is the outcome of a reconcile pass.
type Result struct {
	Ensured  []fetcher.Record `json:"ensured"`
	Pruned   []string         `json:"pruned"`
	Failures []errors.Failure `json:"failures,omitempty"`
}

// Missing returns the records whose artifact is absent after the pass.
func (r *Result) Missing() []fetcher.Record {
	var missing []fetcher.Record
	for _, rec := range r.Ensured {
		if rec.Failed() {
			missing = append(missing, rec)
		}
	}
	return missing
}

// Reconciler runs ensure-then-prune passes over one models root.
type Reconciler struct {
	fs          afero.Fs
	resolver    *resolver.Resolver
	ensurer     Ensurer
	ledger      PruneLedger
	concurrency int
}

// New creates a Reconciler. concurrency below 1 means sequential fetches;
// ledger may be nil.
func New(fs afero.Fs, res *resolver.Resolver, ensurer Ensurer, ledger PruneLedger, concurrency int) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reconciler{
		fs:          fs,
		resolver:    res,
		ensurer:     ensurer,
		ledger:      ledger,
		concurrency: concurrency,
	}
}

// Check is the dry run: the sorted wanted set, with no I/O at all.
func (r *Reconciler) Check(entries []repolist.Entry) []string {
	return r.resolver.Wanted(entries).Sorted()
}

// Reconcile ensures every entry and prunes everything else. The wanted set is
// snapshotted from the full list before any fetch, and pruning starts only
// after every fetch has returned.
func (r *Reconciler) Reconcile(ctx context.Context, entries []repolist.Entry) (*Result, error) {
	wanted := r.resolver.Wanted(entries)
	slog.Info("reconcile_start", "entries", len(entries), "wanted", len(wanted), "models_root", r.resolver.Root())

	result := &Result{
		Ensured: r.ensureAll(ctx, entries),
		Pruned:  []string{},
	}
	for _, rec := range result.Ensured {
		if rec.Failed() {
			result.Failures = append(result.Failures, errors.Failure{Item: rec.Destination, Err: rec.Err})
		}
	}

	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(err, "reconcile interrupted before prune")
	}

	pruned, failures := r.Prune(wanted)
	result.Pruned = append(result.Pruned, pruned...)
	result.Failures = append(result.Failures, failures...)

	slog.Info("reconcile_complete",
		"ensured", len(result.Ensured),
		"pruned", len(result.Pruned),
		"failures", len(result.Failures))
	return result, nil
}

func (r *Reconciler) ensureAll(ctx context.Context, entries []repolist.Entry) []fetcher.Record {
	records := make([]fetcher.Record, len(entries))

	if r.concurrency == 1 {
		for i, e := range entries {
			records[i] = r.ensurer.Ensure(ctx, e.Kind, e.Link)
		}
		return records
	}

	// Two entries may share a destination; the fetcher's atomic rename
	// keeps the loser from corrupting the winner.
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, e repolist.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			records[i] = r.ensurer.Ensure(ctx, e.Kind, e.Link)
		}(i, e)
	}
	wg.Wait()
	return records
}

// Prune deletes every artifact file under the models root not in wanted.
// Failures are collected and never stop the walk.
func (r *Reconciler) Prune(wanted resolver.WantedSet) ([]string, []errors.Failure) {
	var pruned []string
	var failures []errors.Failure

	root := r.resolver.Root()
	if exists, _ := afero.DirExists(r.fs, root); !exists {
		return pruned, failures
	}

	err := afero.Walk(r.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			slog.Warn("prune_walk_error", "path", path, "error", err)
			failures = append(failures, errors.NewFailure(path, err))
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), resolver.Extension) {
			return nil
		}
		if wanted.Has(path) {
			return nil
		}

		if err := r.fs.Remove(path); err != nil {
			slog.Warn("prune_delete_failed", "path", path, "error", err)
			failures = append(failures, errors.NewFailure(path, err))
			return nil
		}

		slog.Info("prune_deleted", "path", path)
		pruned = append(pruned, path)
		if r.ledger != nil {
			if err := r.ledger.MarkPruned(path); err != nil {
				slog.Warn("prune_ledger_write_failed", "path", path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		failures = append(failures, errors.NewFailure(root, err))
	}

	return pruned, failures
}
