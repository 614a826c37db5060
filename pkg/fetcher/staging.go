package fetcher

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/spf13/afero"
)

// IsStaging reports whether path is an in-flight transfer left by a fetch.
func IsStaging(path string) bool {
	return strings.Contains(path, StagingMarker) || strings.HasSuffix(path, ".aria2")
}

// SweepStaging removes staging files under root last modified before cutoff,
// the debris of transfers whose process died. Recent ones may belong to a
// fetch still running elsewhere and are left alone.
func SweepStaging(fs afero.Fs, root string, cutoff time.Time) ([]string, []errors.Failure) {
	var removed []string
	var failures []errors.Failure

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			failures = append(failures, errors.NewFailure(path, err))
			return nil
		}
		if info.IsDir() || !IsStaging(path) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := fs.Remove(path); err != nil {
			slog.Warn("staging_remove_failed", "path", path, "error", err)
			failures = append(failures, errors.NewFailure(path, err))
			return nil
		}
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		failures = append(failures, errors.NewFailure(root, err))
	}

	slog.Info("staging_swept", "root", root, "removed", len(removed), "failures", len(failures))
	return removed, failures
}
