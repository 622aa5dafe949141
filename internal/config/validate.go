package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

/*
Validate checks every section that the selected backends depend on:
- Server public origin (webhook and download links are built from it)
- Database driver and DSN
- Pipeline mode, and Redis + worker when mode is async
- Storage backend and its credentials
- Inference token and model version
- Notification provider
*/
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	base, err := url.Parse(c.Server.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("server.public_base_url %q must be an absolute URL", c.Server.PublicBaseURL)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Pipeline.Mode {
	case PipelineSync:
	case PipelineAsync:
		if c.Redis.Address == "" {
			return errors.New("redis.address is required when pipeline.mode is async")
		}
		if err := c.validateWorker(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("pipeline.mode %q must be %s or %s", c.Pipeline.Mode, PipelineSync, PipelineAsync)
	}
	if c.Pipeline.InputLinkTTL <= 0 {
		return errors.New("pipeline.input_link_ttl must be positive")
	}
	if c.Links.TTL <= 0 {
		return errors.New("links.ttl must be positive")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Inference.APIToken == "" {
		return errors.New("inference.api_token is required (or set REPLICATE_API_TOKEN)")
	}
	if c.Inference.ModelVersion == "" {
		return errors.New("inference.model_version is required")
	}
	if c.Inference.WebhookSecret != "" && !strings.HasPrefix(c.Inference.WebhookSecret, "whsec_") {
		return errors.New("inference.webhook_secret must start with whsec_")
	}
	if !strings.HasPrefix(c.Inference.WebhookPath, "/") {
		return fmt.Errorf("inference.webhook_path %q must start with /", c.Inference.WebhookPath)
	}

	if c.Acquisition.YtDlpPath == "" {
		return errors.New("acquisition.ytdlp_path is required")
	}

	switch c.Notify.Provider {
	case NotifyLog:
	case NotifyFCM:
		if c.Notify.CredentialsFile == "" {
			return errors.New("notify.credentials_file is required when notify.provider is fcm")
		}
	default:
		return fmt.Errorf("notify.provider %q must be %s or %s", c.Notify.Provider, NotifyFCM, NotifyLog)
	}

	if c.Alerts.Enabled && c.Alerts.Path == "" {
		return errors.New("alerts.path is required when alerts are enabled")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := c.Storage
	switch s.Backend {
	case BackendLocal:
		if s.Local.Root == "" {
			return errors.New("storage.local.root is required for the local backend")
		}
		if len(s.Local.SigningKey) < 32 {
			return errors.New("storage.local.signing_key must be at least 32 bytes for the local backend")
		}
		return nil
	case BackendMinio:
		if s.Minio.Endpoint == "" || s.Minio.AccessKey == "" || s.Minio.SecretKey == "" {
			return errors.New("storage.minio.endpoint, access_key and secret_key are required for the minio backend")
		}
	case BackendS3:
		if s.S3.Region == "" {
			return errors.New("storage.s3.region is required for the s3 backend")
		}
	case BackendGCS:
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	if s.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the %s backend", s.Backend)
	}
	return nil
}
