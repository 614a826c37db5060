package commands

import (
	"fmt"
	"time"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/fetcher"
	"github.com/spf13/cobra"
)

var (
	cleanupOutputs   bool
	cleanupStaging   bool
	cleanupOlderThan time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up resources left behind by interrupted jobs and fetches",
	Long: `Clean up resources a crashed or killed process left behind:
  --outputs   Remove output files of jobs that were never cleaned
  --staging   Remove stale partial downloads under the models root`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupOutputs, "outputs", false, "Clean outputs of uncleaned jobs")
	cleanupCmd.Flags().BoolVar(&cleanupStaging, "staging", false, "Clean stale staging files")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", time.Hour, "Only touch jobs and files older than this")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupOutputs && !cleanupStaging {
		return fmt.Errorf("must specify --outputs or --staging")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w, err := newWorker(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer w.Close()

	cutoff := time.Now().Add(-cleanupOlderThan)

	if cleanupOutputs {
		if err := cleanupJobOutputs(w, cutoff); err != nil {
			return err
		}
	}
	if cleanupStaging {
		removed, failures := fetcher.SweepStaging(w.fs, cfg.ModelsDir, cutoff)
		for _, path := range removed {
			fmt.Printf("🗑️  Removed staging file: %s\n", path)
		}
		for _, f := range failures {
			fmt.Printf("⚠️  %s\n", f.Error())
		}
		fmt.Printf("✅ Removed %d staging files\n", len(removed))
	}
	return nil
}

func cleanupJobOutputs(w *worker, cutoff time.Time) error {
	jobs, err := w.repo.ListUncleanedJobs(cutoff)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("🧹 Cleaning up outputs of %d jobs...\n", len(jobs))

	for _, j := range jobs {
		removed, failures := w.orch.RemoveOutputs(j.Prefix)
		if len(failures) > 0 {
			for _, f := range failures {
				fmt.Printf("⚠️  Failed to clean %s: %s\n", j.Prefix, f.Error())
			}
			continue
		}

		j.Cleaned = true
		if err := w.repo.UpdateJob(j); err != nil {
			fmt.Printf("⚠️  Failed to mark %s cleaned: %v\n", j.Prefix, err)
			continue
		}
		fmt.Printf("✅ Cleaned: %s (%d files)\n", j.Prefix, len(removed))
	}

	return nil
}
