package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fly-io/modelworker/pkg/dispatch"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	runPrompt   string
	runRepoList string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a ComfyUI workflow and print its images as base64",
	Long: `Runs one workflow (ComfyUI API prompt JSON). With --file the repo list is
reconciled first. Ctrl-C cancels the job and still removes its outputs.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Workflow JSON file (- for stdin)")
	runCmd.Flags().StringVarP(&runRepoList, "file", "f", "", "Repo list file to reconcile first")
	runCmd.MarkFlagRequired("prompt")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt, err := readInput(runPrompt)
	if err != nil {
		return err
	}

	var list []byte
	if runRepoList != "" {
		if list, err = readInput(runRepoList); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w, err := newWorker(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer w.Close()

	resp, err := w.dispatcher.Handle(ctx, dispatch.Request{Input: dispatch.Input{
		Action:   dispatch.ActionRun,
		RepoList: string(list),
		Prompt:   prompt,
	}})
	if err != nil {
		return errors.Wrap(err, "run failed")
	}
	return printJSON(resp)
}
