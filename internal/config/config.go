package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pipeline modes.
const (
	PipelineSync  = "sync"
	PipelineAsync = "async"
)

// Storage backends.
const (
	BackendMinio = "minio"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Notification providers.
const (
	NotifyFCM = "fcm"
	NotifyLog = "log"
)

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	Port          int    `mapstructure:"port"`
	PublicBaseURL string `mapstructure:"public_base_url"` // externally reachable origin, used for webhook and download links
	ReleaseMode   bool   `mapstructure:"release_mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WorkerConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

type PipelineConfig struct {
	Mode         string        `mapstructure:"mode"`
	WorkDir      string        `mapstructure:"work_dir"`
	InputLinkTTL time.Duration `mapstructure:"input_link_ttl"`
}

type LinksConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

type S3Config struct {
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Endpoint     string `mapstructure:"endpoint"` // optional, for S3-compatible services
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type LocalStorageConfig struct {
	Root       string `mapstructure:"root"`
	SigningKey string `mapstructure:"signing_key"`
}

type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Minio   MinioConfig        `mapstructure:"minio"`
	S3      S3Config           `mapstructure:"s3"`
	GCS     GCSConfig          `mapstructure:"gcs"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

type InferenceConfig struct {
	APIToken     string `mapstructure:"api_token"`
	ModelVersion string `mapstructure:"model_version"`
	DefaultModel string `mapstructure:"default_model"`
	WebhookPath  string `mapstructure:"webhook_path"`

	// WebhookSecret verifies webhook signatures. When empty it is fetched
	// from the account when the server starts.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AcquisitionConfig struct {
	YtDlpPath   string        `mapstructure:"ytdlp_path"`
	AudioFormat string        `mapstructure:"audio_format"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Provider        string `mapstructure:"provider"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AlertsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Path    string        `mapstructure:"path"`
	Buffer  int           `mapstructure:"buffer"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Links       LinksConfig       `mapstructure:"links"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Log         LogConfig         `mapstructure:"log"`
}

// WebhookURL is the callback address registered with every submission.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.Server.PublicBaseURL, "/") + c.Inference.WebhookPath
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.public_base_url", "http://localhost:3000")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:voxshift.db")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queues", map[string]int{"conversions": 1})
	v.SetDefault("pipeline.mode", PipelineSync)
	v.SetDefault("pipeline.work_dir", os.TempDir())
	v.SetDefault("pipeline.input_link_ttl", 2*time.Hour)
	v.SetDefault("links.ttl", time.Hour)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.root", "./data/artifacts")
	// Empty defaults make these keys visible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"storage.bucket", "storage.local.signing_key",
		"storage.minio.endpoint", "storage.minio.access_key", "storage.minio.secret_key", "storage.minio.region",
		"storage.s3.region", "storage.s3.endpoint", "storage.gcs.credentials_file",
		"inference.model_version", "inference.default_model", "inference.webhook_secret", "redis.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("inference.webhook_path", "/webhooks/replicate")
	v.SetDefault("acquisition.ytdlp_path", "yt-dlp")
	v.SetDefault("acquisition.audio_format", "mp3")
	v.SetDefault("acquisition.timeout", 10*time.Minute)
	v.SetDefault("notify.provider", NotifyLog)
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.path", "./data/alerts")
	v.SetDefault("alerts.buffer", 256)
	v.SetDefault("alerts.max_age", 7*24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the working directory (or
// $VOXSHIFT_CONFIG_DIR) and overlays VOXSHIFT_* environment variables.
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := os.Getenv("VOXSHIFT_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("VOXSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known secret names work without the prefix.
	v.BindEnv("inference.api_token", "VOXSHIFT_INFERENCE_API_TOKEN", "REPLICATE_API_TOKEN")
	v.BindEnv("inference.webhook_secret", "VOXSHIFT_INFERENCE_WEBHOOK_SECRET", "REPLICATE_WEBHOOK_SECRET")
	v.BindEnv("database.dsn", "VOXSHIFT_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("storage.s3.access_key", "VOXSHIFT_STORAGE_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_key", "VOXSHIFT_STORAGE_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("notify.credentials_file", "VOXSHIFT_NOTIFY_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &config, nil
}
