package commands

import (
	"context"

	"github.com/fly-io/modelworker/pkg/dispatch"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	ensureFile string
	checkFile  string
)

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Fetch every listed artifact and prune the rest",
	RunE:  runEnsure,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Print the destinations a repo list keeps, without touching disk",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(ensureCmd)
	rootCmd.AddCommand(checkCmd)
	ensureCmd.Flags().StringVarP(&ensureFile, "file", "f", "-", "Repo list file (- for stdin)")
	checkCmd.Flags().StringVarP(&checkFile, "file", "f", "-", "Repo list file (- for stdin)")
}

func runEnsure(cmd *cobra.Command, args []string) error {
	return dispatchList(cmd.Context(), dispatch.ActionEnsure, ensureFile)
}

func runCheck(cmd *cobra.Command, args []string) error {
	return dispatchList(cmd.Context(), dispatch.ActionCheck, checkFile)
}

func dispatchList(ctx context.Context, action, path string) error {
	list, err := readInput(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w, err := newWorker(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer w.Close()

	resp, err := w.dispatcher.Handle(ctx, dispatch.Request{Input: dispatch.Input{
		Action:   action,
		RepoList: string(list),
	}})
	if err != nil {
		return errors.Wrap(err, action+" failed")
	}
	return printJSON(resp)
}
