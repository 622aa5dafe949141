package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"voxshift/internal/app"
	"voxshift/internal/config"
	"voxshift/internal/worker"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long: `Starts the Asynq worker that extracts audio, uploads it and submits
conversions for jobs created in async pipeline mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}
		if err := runWorker(appInstance); err != nil {
			log.WithError(err).Error("Worker exited with error")
			return err
		}
		return nil
	},
	Annotations: map[string]string{recordsAlerts: "true"},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(appInstance *app.App) error {
	cfg := appInstance.Config
	if cfg.Pipeline.Mode != config.PipelineAsync || appInstance.Redis == nil {
		return fmt.Errorf("worker requires pipeline.mode=%s", config.PipelineAsync)
	}

	srv := asynq.NewServerFromRedisClient(
		appInstance.Redis,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.WithFields(log.Fields{
					"type":    task.Type(),
					"payload": string(task.Payload()),
				}).WithError(err).Error("Asynq task failed")
			}),
			Logger: log.StandardLogger(),
		},
	)

	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, worker.PrepareDeps{Preparer: appInstance.JobService})

	log.Infof("Starting Asynq worker server (Concurrency: %d, Queues: %v)...", cfg.Worker.Concurrency, cfg.Worker.Queues)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info("Shutdown signal received. Initiating graceful shutdown...")
	srv.Stop()
	srv.Shutdown()

	log.Info("Worker shutdown complete.")
	return nil
}
