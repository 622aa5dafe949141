package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"voxshift/internal/acquire"
	"voxshift/internal/alerts"
	"voxshift/internal/artifacts"
	"voxshift/internal/config"
	"voxshift/internal/inference"
	"voxshift/internal/notify"
	"voxshift/internal/services"
	"voxshift/internal/store"
	"voxshift/internal/store/primary"
	"voxshift/internal/store/sqlite"
)

// resultFetchTimeout bounds a single copy of a finished result.
const resultFetchTimeout = 5 * time.Minute

// webhookSecretTimeout bounds the startup lookup of the signing secret.
const webhookSecretTimeout = 15 * time.Second

type App struct {
	Config *config.Config

	JobStore  store.JobStore
	Redis     *redis.Client   // nil unless pipeline.mode is async
	JobClient store.JobClient // nil unless pipeline.mode is async
	Artifacts artifacts.Store
	Downloads *artifacts.LocalStore // set when the local backend is selected
	Acquirer  *acquire.YtDlp
	Inference *inference.ReplicateClient
	Notifier  notify.Notifier

	AlertStore *alerts.Store
	alertHook  *alerts.Hook

	// --- Initialized Services ---
	JobService *services.JobService
	Reconciler *services.Reconciler
}

func NewApp(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()
	app := &App{Config: cfg}

	steps := []func(context.Context) error{
		app.initAlerts,
		app.initJobStore,
		app.initQueue,
		app.initArtifacts,
		app.initAdapters,
		app.initNotifier,
		app.initCoreServices,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"database": cfg.Database.Driver,
		"storage":  cfg.Storage.Backend,
		"pipeline": cfg.Pipeline.Mode,
		"notify":   cfg.Notify.Provider,
	}).Info("Application initialization complete.")
	return app, nil
}

// --- Private Helper Methods ---

func (a *App) initAlerts(ctx context.Context) error {
	if !a.Config.Alerts.Enabled {
		return nil
	}
	as, err := alerts.Open(a.Config.Alerts.Path)
	if err != nil {
		return fmt.Errorf("init alert store: %w", err)
	}
	if a.Config.Alerts.MaxAge > 0 {
		if err := as.CleanupOldRecords(a.Config.Alerts.MaxAge); err != nil {
			log.WithError(err).Warn("Failed to clean up old alerts")
		}
	}
	a.AlertStore = as
	a.alertHook = alerts.NewHook(as, a.Config.Alerts.Buffer)
	log.AddHook(a.alertHook)
	return nil
}

func (a *App) initJobStore(ctx context.Context) error {
	dsn := a.Config.Database.DSN
	switch a.Config.Database.Driver {
	case "postgres":
		ps, err := primary.NewPrimaryStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.JobStore = ps
	case "sqlite":
		ss, err := sqlite.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.JobStore = ss
	default:
		return fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
	}
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	if a.Config.Pipeline.Mode != config.PipelineAsync {
		return nil
	}
	a.Redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	jc, err := store.NewAsynqJobClient(a.Redis, "")
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	a.JobClient = jc
	return nil
}

func (a *App) initArtifacts(ctx context.Context) error {
	as, err := artifacts.New(ctx, a.Config.Storage, a.Config.Server.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	a.Artifacts = as
	if local, ok := as.(*artifacts.LocalStore); ok {
		a.Downloads = local
	}
	return nil
}

func (a *App) initAdapters(ctx context.Context) error {
	a.Acquirer = acquire.NewYtDlp(a.Config.Acquisition)
	ic, err := inference.NewReplicateClient(a.Config.Inference, a.Config.WebhookURL())
	if err != nil {
		return fmt.Errorf("init inference client: %w", err)
	}
	a.Inference = ic
	return nil
}

func (a *App) initNotifier(ctx context.Context) error {
	n, err := notify.New(ctx, a.Config.Notify)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	a.Notifier = n
	return nil
}

func (a *App) initCoreServices(ctx context.Context) error {
	a.JobService = services.NewJobService(services.JobServiceDeps{
		Store:     a.JobStore,
		JobClient: a.JobClient,
		Acquirer:  a.Acquirer,
		Artifacts: a.Artifacts,
		Inference: a.Inference,
		Notifier:  a.Notifier,
		Config:    a.Config,
	})
	a.Reconciler = services.NewReconciler(services.ReconcilerDeps{
		Store:       a.JobStore,
		Artifacts:   a.Artifacts,
		Copier:      artifacts.NewFetcher(resultFetchTimeout),
		Notifier:    a.Notifier,
		AudioFormat: a.Acquirer.AudioFormat(),
	})
	return nil
}

// WebhookVerifier builds the signature check for inbound webhooks. The
// configured secret wins; otherwise the account default is fetched.
func (a *App) WebhookVerifier(ctx context.Context) (*inference.WebhookVerifier, error) {
	key := a.Config.Inference.WebhookSecret
	if key == "" {
		ctx, cancel := context.WithTimeout(ctx, webhookSecretTimeout)
		defer cancel()
		fetched, err := a.Inference.WebhookSecret(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve webhook secret: %w", err)
		}
		log.Info("Using the account default webhook signing secret")
		key = fetched
	}
	return inference.NewWebhookVerifier(key)
}

// HealthChecks returns the dependency probes served by /health in
// addition to the repository.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases every initialized resource. It is safe on a partially
// initialized App.
func (a *App) Close() {
	if a.JobClient != nil {
		if err := a.JobClient.Close(); err != nil {
			log.WithError(err).Warn("Failed to close job client")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if gcs, ok := a.Artifacts.(*artifacts.GCSStore); ok {
		gcs.Close()
	}
	if a.JobStore != nil {
		a.JobStore.Close()
	}
	if a.alertHook != nil {
		a.alertHook.Close()
	}
	if a.AlertStore != nil {
		a.AlertStore.Close()
	}
}
