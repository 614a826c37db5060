// Package fetcher ensures a single artifact exists at its resolved
// destination. Fetching is idempotent: an existing destination is never
// transferred again. Transfers go through an ordered list of strategies and
// land in a staging file that is renamed into place only once complete, so a
// concurrent prune never sees a partial artifact.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/resolver"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// StagingMarker separates a destination from its staging suffix.
const StagingMarker = ".part-"

// Ledger records artifact outcomes. Implemented by db.Repository.
type Ledger interface {
	UpsertArtifact(a *db.Artifact) error
}

// Record is the outcome of one ensure.
type Record struct {
	Kind        string `json:"kind"`
	Destination string `json:"dst"`
	Downloaded  bool   `json:"downloaded"`
	Link        string `json:"-"`
	Strategy    string `json:"strategy,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Failed reports whether the artifact is absent after the ensure.
func (r Record) Failed() bool {
	return r.Err != ""
}

// Fetcher materializes artifacts under a models root.
type Fetcher struct {
	fs         afero.Fs
	resolver   *resolver.Resolver
	strategies []Strategy
	ledger     Ledger
}

// New creates a Fetcher. ledger may be nil.
func New(fs afero.Fs, res *resolver.Resolver, strategies []Strategy, ledger Ledger) *Fetcher {
	return &Fetcher{
		fs:         fs,
		resolver:   res,
		strategies: strategies,
		ledger:     ledger,
	}
}

// Ensure makes sure the artifact for (kind, link) exists at its destination.
// Transfer failure is reported in the record, not as an error: the caller
// learns about it by the destination being absent.
func (f *Fetcher) Ensure(ctx context.Context, kind, link string) Record {
	dst := f.resolver.Resolve(kind, link)
	rec := Record{Kind: kind, Destination: dst, Link: link}

	exists, err := afero.Exists(f.fs, dst)
	if err != nil {
		slog.Warn("fetch_stat_failed", "dst", dst, "error", err)
	}
	if exists {
		slog.Debug("fetch_skipped_existing", "dst", dst)
		return rec
	}

	if err := f.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		slog.Error("fetch_dir_creation_failed", "dst", dst, "error", err)
		rec.Err = errors.Wrap(err, "failed to create destination dir").Error()
		f.record(rec, nil)
		return rec
	}

	url := resolver.DownloadURL(link)
	slog.Info("fetch_start", "kind", kind, "url", url, "dst", dst)
	f.record(Record{Kind: kind, Destination: dst, Link: link}, nil)

	var errs []error
	for _, s := range f.strategies {
		if !s.Accepts(url) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		res, err := f.transfer(ctx, s, url, dst)
		if err != nil {
			slog.Warn("fetch_strategy_failed", "strategy", s.Name(), "dst", dst, "error", err)
			errs = append(errs, errors.Wrap(err, s.Name()))
			continue
		}

		rec.Downloaded = true
		rec.Strategy = s.Name()
		slog.Info("fetch_complete", "strategy", s.Name(), "dst", dst, "size_mb", res.Size/1024/1024)
		f.record(rec, res)
		return rec
	}

	if len(errs) == 0 {
		errs = append(errs, errors.ErrNoStrategy)
	}
	rec.Err = errors.Join(errs...).Error()
	slog.Error("fetch_failed", "dst", dst, "url", url, "error", rec.Err)
	f.record(rec, nil)
	return rec
}

// transfer runs one strategy into a staging file and publishes it atomically.
func (f *Fetcher) transfer(ctx context.Context, s Strategy, url, dst string) (*Result, error) {
	staging := dst + StagingMarker + uuid.NewString()[:8]
	defer f.fs.Remove(staging)

	res, err := s.Fetch(ctx, f.fs, url, staging)
	if err != nil {
		return nil, err
	}

	fi, err := f.fs.Stat(staging)
	if err != nil {
		return nil, errors.Wrap(err, "staging file missing after transfer")
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("transfer produced an empty file")
	}
	if res == nil {
		res = &Result{}
	}
	res.Size = fi.Size()

	if err := f.fs.Rename(staging, dst); err != nil {
		return nil, errors.Wrap(err, "failed to publish artifact")
	}
	return res, nil
}

func (f *Fetcher) record(rec Record, res *Result) {
	if f.ledger == nil {
		return
	}

	a := &db.Artifact{
		Destination:  rec.Destination,
		Kind:         rec.Kind,
		Link:         rec.Link,
		Strategy:     rec.Strategy,
		ErrorMessage: rec.Err,
	}
	switch {
	case rec.Failed():
		a.Status = db.StatusFailed
	case rec.Downloaded:
		a.Status = db.StatusReady
	default:
		a.Status = db.StatusDownloading
	}
	if res != nil {
		a.Size = res.Size
		a.SHA256 = res.SHA256
	}

	if err := f.ledger.UpsertArtifact(a); err != nil {
		slog.Warn("fetch_ledger_write_failed", "dst", rec.Destination, "error", err)
	}
}
