package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API and worker processes.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	DatabaseURL      string
	DatabaseMaxConns int
	CORSOrigins      string
	RedisURL         string
	NATSURL          string
	EventChannelBase string
	JWTSecret        string

	StorageDriver          string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	MinioEndpoint          string
	MinioAccessKey         string
	MinioSecretKey         string
	MinioBucket            string
	MinioUseSSL            bool
	MaxScriptSizeMB        int

	StatsCacheTTL time.Duration

	QueueDriver       string
	QueuePrefix       string
	QueueLeaseTTL     time.Duration
	Workers           int
	EmbeddedWorkers   bool
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	OracleTimeout     time.Duration
	OracleRPS         float64
	OracleBurst       int
	StartRateLimit    int
	StartRateWindow   time.Duration
	AIProvider        string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIMaxTokens   int
	OpenAITemperature float32
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("cors.origins", "*")
	v.SetDefault("events.channel", "grader")
	v.SetDefault("storage.driver", "cloudinary")
	v.SetDefault("storage.max_size_mb", 25)
	v.SetDefault("cloudinary.folder", "gema/scripts")
	v.SetDefault("minio.bucket", "answer-scripts")
	v.SetDefault("stats.cache_ttl", "10m")
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.prefix", "grader:queue")
	v.SetDefault("queue.lease_ttl", "30s")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.embedded", true)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.base_backoff", "2s")
	v.SetDefault("workers.max_backoff", "30s")
	v.SetDefault("oracle.timeout", "120s")
	v.SetDefault("oracle.rps", 2)
	v.SetDefault("oracle.burst", 2)
	v.SetDefault("start.rate_limit", 5)
	v.SetDefault("start.rate_window", "1m")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 8192)
	v.SetDefault("openai.temperature", 0.2)

	durations := map[string]*time.Duration{}
	var statsTTL, leaseTTL, baseBackoff, maxBackoff, oracleTimeout, startWindow time.Duration
	durations["stats.cache_ttl"] = &statsTTL
	durations["queue.lease_ttl"] = &leaseTTL
	durations["workers.base_backoff"] = &baseBackoff
	durations["workers.max_backoff"] = &maxBackoff
	durations["oracle.timeout"] = &oracleTimeout
	durations["start.rate_window"] = &startWindow
	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseMaxConns:       v.GetInt("database.max_conns"),
		CORSOrigins:            v.GetString("cors.origins"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventChannelBase:       v.GetString("events.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		StorageDriver:          strings.ToLower(v.GetString("storage.driver")),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		MinioEndpoint:          v.GetString("minio.endpoint"),
		MinioAccessKey:         v.GetString("minio.access_key"),
		MinioSecretKey:         v.GetString("minio.secret_key"),
		MinioBucket:            v.GetString("minio.bucket"),
		MinioUseSSL:            v.GetBool("minio.use_ssl"),
		MaxScriptSizeMB:        v.GetInt("storage.max_size_mb"),
		StatsCacheTTL:          statsTTL,
		QueueDriver:            strings.ToLower(v.GetString("queue.driver")),
		QueuePrefix:            v.GetString("queue.prefix"),
		QueueLeaseTTL:          leaseTTL,
		Workers:                v.GetInt("workers.count"),
		EmbeddedWorkers:        v.GetBool("workers.embedded"),
		MaxAttempts:            v.GetInt("workers.max_attempts"),
		BaseBackoff:            baseBackoff,
		MaxBackoff:             maxBackoff,
		OracleTimeout:          oracleTimeout,
		OracleRPS:              v.GetFloat64("oracle.rps"),
		OracleBurst:            v.GetInt("oracle.burst"),
		StartRateLimit:         v.GetInt("start.rate_limit"),
		StartRateWindow:        startWindow,
		AIProvider:             strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:           v.GetString("openai.api_key"),
		OpenAIBaseURL:          v.GetString("openai.base_url"),
		OpenAIModel:            v.GetString("openai.model"),
		OpenAIMaxTokens:        v.GetInt("openai.max_tokens"),
		OpenAITemperature:      float32(v.GetFloat64("openai.temperature")),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	// workers each hold a connection during an attempt
	if cfg.DatabaseMaxConns <= 0 {
		cfg.DatabaseMaxConns = cfg.Workers + 10
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	switch cfg.QueueDriver {
	case "redis", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
	}

	// an in-process queue is only drained by workers of the same process
	if cfg.QueueDriver == "memory" && !cfg.EmbeddedWorkers {
		return Config{}, fmt.Errorf("queue driver memory requires embedded workers")
	}

	if cfg.QueueLeaseTTL < 3*time.Second {
		return Config{}, fmt.Errorf("queue lease ttl must be at least 3s, got %s", cfg.QueueLeaseTTL)
	}

	// a zero limit or burst makes every oracle call fail
	if cfg.OracleRPS <= 0 {
		return Config{}, fmt.Errorf("oracle rps must be positive, got %v", cfg.OracleRPS)
	}
	if cfg.OracleBurst < 1 {
		return Config{}, fmt.Errorf("oracle burst must be at least 1, got %d", cfg.OracleBurst)
	}

	switch cfg.StorageDriver {
	case "cloudinary", "minio":
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	return cfg, nil
}
