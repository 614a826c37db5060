package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/modelworker/internal/config"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "modelworker",
	Short: "ComfyUI worker - model artifact reconciliation and workflow jobs",
	Long: `Keeps a models directory in line with a declarative repo list and runs
ComfyUI workflows, returning their images.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		configureLogging(cfg.LogFormat, viper.GetBool("verbose"))
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("comfy-host", "127.0.0.1", "ComfyUI host")
	rootCmd.PersistentFlags().Int("comfy-port", 8188, "ComfyUI port")
	rootCmd.PersistentFlags().String("work-dir", "/workspace", "Working directory root")
	rootCmd.PersistentFlags().String("models-dir", "", "Models root (default <work-dir>/models)")
	rootCmd.PersistentFlags().String("comfy-output-dir", "", "ComfyUI output directory (default <work-dir>/ComfyUI/output)")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/modelworker.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Bool("fsm-enabled", false, "Run jobs through the durable state machine")
	rootCmd.PersistentFlags().StringSlice("fetch-strategies", []string{"aria2c", "curl"}, "Transfer strategies, in order")
	rootCmd.PersistentFlags().Int("fetch-concurrency", 1, "Parallel artifact fetches")
	rootCmd.PersistentFlags().Bool("strict-artifacts", true, "Refuse to run a job when a listed artifact is missing")
	rootCmd.PersistentFlags().Duration("job-timeout", 30*time.Minute, "Job deadline")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")

	for _, name := range []string{
		"comfy-host", "comfy-port", "work-dir", "models-dir", "comfy-output-dir",
		"sqlite-path", "fsm-db-path", "fsm-enabled", "fetch-strategies",
		"fetch-concurrency", "strict-artifacts", "job-timeout", "log-format", "verbose",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func configureLogging(format string, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
