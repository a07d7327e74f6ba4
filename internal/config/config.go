package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Poll      PollConfig
	Worker    WorkerConfig
	Sweeper   SweeperConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	FileTTL  time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig enables JWKS token verification when Issuer is set
type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type RateLimitConfig struct {
	UploadPerHour int
	StatusPerMin  int
}

// StorageConfig points at any S3-compatible endpoint (R2, MinIO, AWS)
type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	UsePathStyle    bool
}

func (c StorageConfig) IsConfigured() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

type UploadConfig struct {
	MaxBytes int64
}

type PollConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration // 0 = until terminal
}

type WorkerConfig struct {
	Concurrency int
	SampleRows  int
	Parallelism int
}

type SweeperConfig struct {
	Schedule   string
	StaleAfter time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.file_ttl", "REDIS_FILE_TTL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = v.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("storage.region", "S3_REGION")
	_ = v.BindEnv("storage.access_key_id", "S3_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.bucket_name", "S3_BUCKET_NAME")
	_ = v.BindEnv("storage.public_url", "S3_PUBLIC_URL")
	_ = v.BindEnv("storage.use_path_style", "S3_USE_PATH_STYLE")
	_ = v.BindEnv("upload.max_bytes", "UPLOAD_MAX_BYTES")
	_ = v.BindEnv("poll.interval", "POLL_INTERVAL")
	_ = v.BindEnv("poll.max_duration", "POLL_MAX_DURATION")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.sample_rows", "WORKER_SAMPLE_ROWS")
	_ = v.BindEnv("worker.parallelism", "WORKER_PARALLELISM")
	_ = v.BindEnv("sweeper.schedule", "SWEEPER_SCHEDULE")
	_ = v.BindEnv("sweeper.stale_after", "SWEEPER_STALE_AFTER")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.file_ttl", 7*24*time.Hour)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.upload_per_hour", 50)
	v.SetDefault("ratelimit.status_per_min", 120)
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("upload.max_bytes", 20*1024*1024)
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.max_duration", time.Duration(0))
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.sample_rows", 10)
	v.SetDefault("worker.parallelism", 4)
	v.SetDefault("sweeper.schedule", "@every 5m")
	v.SetDefault("sweeper.stale_after", 2*time.Hour)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			FileTTL:  v.GetDuration("redis.file_ttl"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour: v.GetInt("ratelimit.upload_per_hour"),
			StatusPerMin:  v.GetInt("ratelimit.status_per_min"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			PublicURL:       v.GetString("storage.public_url"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
		},
		Upload: UploadConfig{
			MaxBytes: v.GetInt64("upload.max_bytes"),
		},
		Poll: PollConfig{
			Interval:    v.GetDuration("poll.interval"),
			MaxDuration: v.GetDuration("poll.max_duration"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			SampleRows:  v.GetInt("worker.sample_rows"),
			Parallelism: v.GetInt("worker.parallelism"),
		},
		Sweeper: SweeperConfig{
			Schedule:   v.GetString("sweeper.schedule"),
			StaleAfter: v.GetDuration("sweeper.stale_after"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxDuration < 0 {
		return fmt.Errorf("poll.max_duration must not be negative, got %s", c.Poll.MaxDuration)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("sweeper.stale_after must be positive, got %s", c.Sweeper.StaleAfter)
	}
	return nil
}
