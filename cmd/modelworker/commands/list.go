package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/modelworker/pkg/db"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listJobs     bool
	listJob      string
	listArtifact string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked artifacts (or jobs) and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJobs, "jobs", false, "List jobs instead of artifacts")
	listCmd.Flags().StringVar(&listJob, "job", "", "Show one job by correlation prefix")
	listCmd.Flags().StringVar(&listArtifact, "artifact", "", "Show one artifact by destination path")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	switch {
	case listJob != "":
		return printJob(os.Stdout, repo, listJob)
	case listArtifact != "":
		return printArtifact(os.Stdout, repo, listArtifact)
	case listJobs:
		return printJobs(repo)
	}
	return printArtifacts(repo)
}

func printArtifacts(repo *db.Repository) error {
	artifacts, err := repo.ListArtifacts()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(artifacts) == 0 {
		fmt.Println("No artifacts found")
		return nil
	}

	fmt.Printf("%-60s %-12s %-10s %-10s\n", "DESTINATION", "STATUS", "SIZE", "STRATEGY")
	fmt.Println("----------------------------------------------------------------------------------------------")

	for _, a := range artifacts {
		size := "-"
		if a.Size > 0 {
			size = humanize.Bytes(uint64(a.Size))
		}
		strategy := a.Strategy
		if strategy == "" {
			strategy = "-"
		}

		fmt.Printf("%-60s %-12s %-10s %-10s\n", a.Destination, a.Status, size, strategy)
	}

	return nil
}

func printJobs(repo *db.Repository) error {
	jobs, err := repo.ListJobs()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-18s %-38s %-10s %-7s %-8s %-20s\n", "PREFIX", "PROMPT", "STATUS", "IMAGES", "CLEANED", "CREATED")
	fmt.Println("----------------------------------------------------------------------------------------------------------")

	for _, j := range jobs {
		promptID := j.PromptID
		if promptID == "" {
			promptID = "-"
		}

		fmt.Printf("%-18s %-38s %-10s %-7d %-8t %-20s\n",
			j.Prefix, promptID, j.Status, j.ImageCount, j.Cleaned, j.CreatedAt)
	}

	return nil
}

func printJob(w io.Writer, repo *db.Repository, prefix string) error {
	j, err := repo.GetJob(prefix)
	if err != nil {
		return errors.Wrap(err, "get job failed")
	}
	if j == nil {
		return fmt.Errorf("job not found: %s", prefix)
	}

	fmt.Fprintf(w, "Prefix:   %s\n", j.Prefix)
	fmt.Fprintf(w, "Prompt:   %s\n", orDash(j.PromptID))
	fmt.Fprintf(w, "Status:   %s\n", j.Status)
	fmt.Fprintf(w, "Images:   %d\n", j.ImageCount)
	fmt.Fprintf(w, "Cleaned:  %t\n", j.Cleaned)
	fmt.Fprintf(w, "Error:    %s\n", orDash(j.ErrorMessage))
	fmt.Fprintf(w, "Created:  %s\n", j.CreatedAt)
	fmt.Fprintf(w, "Updated:  %s\n", j.UpdatedAt)
	return nil
}

func printArtifact(w io.Writer, repo *db.Repository, destination string) error {
	a, err := repo.GetArtifact(destination)
	if err != nil {
		return errors.Wrap(err, "get artifact failed")
	}
	if a == nil {
		return fmt.Errorf("artifact not found: %s", destination)
	}

	size := "-"
	if a.Size > 0 {
		size = humanize.Bytes(uint64(a.Size))
	}
	fmt.Fprintf(w, "Destination:  %s\n", a.Destination)
	fmt.Fprintf(w, "Kind:         %s\n", a.Kind)
	fmt.Fprintf(w, "Link:         %s\n", a.Link)
	fmt.Fprintf(w, "Status:       %s\n", a.Status)
	fmt.Fprintf(w, "Strategy:     %s\n", orDash(a.Strategy))
	fmt.Fprintf(w, "Size:         %s\n", size)
	fmt.Fprintf(w, "SHA256:       %s\n", orDash(a.SHA256))
	fmt.Fprintf(w, "Error:        %s\n", orDash(a.ErrorMessage))
	fmt.Fprintf(w, "Updated:      %s\n", a.UpdatedAt)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
