package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"voxshift/internal/app"
	"voxshift/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "voxshift",
	Short: "Voxshift voice conversion service",
	Long: `Voxshift turns a public video link into a voice-converted audio track.
It extracts the audio, submits it to a hosted inference model and stores the
result when the model calls back.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := configureLogging(cfg.Log); err != nil {
			return err
		}
		if !wantsAlertStore(cmd) {
			cfg.Alerts.Enabled = false
		}

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a, err := GetAppFromContext(cmd.Context()); err == nil {
			a.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// recordsAlerts marks commands that open the alert store. Other commands
// skip it so they can run next to a server holding the store's lock.
const recordsAlerts = "records-alerts"

func wantsAlertStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[recordsAlerts] == "true" {
			return true
		}
	}
	return false
}

type contextKey string

const appKey contextKey = "app"

// GetAppFromContext returns the App stored by the root command.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func configureLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the job repository and the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		fmt.Printf("Checking %s repository...\n", appInstance.Config.Database.Driver)
		if err := appInstance.JobStore.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		color.Green("Database connection successful.")

		for name, check := range appInstance.HealthChecks() {
			fmt.Printf("Checking %s...\n", name)
			if err := check(ctx); err != nil {
				return fmt.Errorf("%s ping failed: %w", name, err)
			}
			color.Green("%s connection successful.", name)
		}
		fmt.Printf("Artifacts: %s backend, webhook at %s\n",
			appInstance.Config.Storage.Backend, appInstance.Config.WebhookURL())
		return nil
	},
}
