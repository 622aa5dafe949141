package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"voxshift/internal/apihandlers"
)

const shutdownTimeout = 15 * time.Second

var (
	serveAddr string
	servePort int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and webhook receiver",
	Long: `Starts the HTTP server exposing job creation, listing and cancellation,
the inference webhook receiver, and signed downloads for the local backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		cfg := appInstance.Config
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		if cfg.Server.ReleaseMode {
			gin.SetMode(gin.ReleaseMode)
		}
		verifier, err := appInstance.WebhookVerifier(cmd.Context())
		if err != nil {
			return err
		}
		router := apihandlers.NewRouter(&apihandlers.APIHandler{
			Jobs:         appInstance.JobService,
			Callbacks:    appInstance.Reconciler,
			Webhooks:     verifier,
			Downloads:    appInstance.Downloads,
			HealthChecks: appInstance.HealthChecks(),
		}, cfg.Inference.WebhookPath)

		srv := &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Infof("Starting API server on http://%s (webhook %s)", srv.Addr, cfg.WebhookURL())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("failed to run API server: %w", err)
			}
			return nil
		case <-shutdown:
		}

		log.Info("Shutdown signal received. Draining requests...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		log.Info("API server stopped.")
		return nil
	},
	Annotations: map[string]string{recordsAlerts: "true"},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
}
