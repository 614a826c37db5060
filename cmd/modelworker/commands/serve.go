package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fly-io/modelworker/internal/server"
	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/fly-io/modelworker/pkg/security"
	"github.com/fly-io/modelworker/pkg/sink"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve worker requests over HTTP",
	Long: `Serves the worker over HTTP:
  POST /run          {input: {repo_list?, action?, prompt?}}
  POST /remote/save  {images: [{b64, name?}]}
  GET  /health`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", ":8000", "HTTP listen address")
	serveCmd.Flags().String("sink-dir", "./remote_results", "Directory posted images are written to")
	viper.BindPFlag("listen-addr", serveCmd.Flags().Lookup("listen-addr"))
	viper.BindPFlag("sink-dir", serveCmd.Flags().Lookup("sink-dir"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w, err := newWorker(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer w.Close()

	validator := security.NewValidator(cfg.MaxImageSize, cfg.MaxBatchSize, cfg.MaxExpansionRatio)
	sk := sink.New(w.fs, cfg.SinkDir, validator)
	srv := server.New(w.dispatcher, sk, w.engine)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.JobTimeout + time.Hour,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("server_starting", "address", cfg.ListenAddr, "engine", w.engine.BaseURL(), "models_dir", cfg.ModelsDir)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
		slog.Info("server_shutdown_started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	slog.Info("server_stopped")
	return nil
}
