package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Queue backends understood by LoadConfig.
const (
	QueueBackendMemory   = "memory"
	QueueBackendSQLite   = "sqlite"
	QueueBackendPostgres = "postgres"
)

// Lost job policies.
const (
	LostJobPolicyIgnore = "ignore"
	LostJobPolicyFail   = "fail"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv    string
	LogLevel  string
	Port      string
	ChatToken string

	OutputDir             string
	ArtifactJPEGThreshold int64
	WriteSidecar          bool

	WorkerCount     int
	WorkerName      string
	ModelName       string
	ModelCheckpoint string
	InferenceURL    string
	UpscaleURL      string
	ProviderTimeout time.Duration

	QueueBackend    string
	QueueSQLitePath string
	DatabaseURL     string

	PollInterval       time.Duration
	WorkerIdle         time.Duration
	UpscaleIdle        time.Duration
	UpscaleRequeueIdle time.Duration
	ResponseJitterMax  time.Duration

	WorkerMaxRetries   int
	BotMaxRetries      int
	UpscalerMaxRetries int
	RetryBaseBackoff   time.Duration
	RetryMaxBackoff    time.Duration

	LostJobPolicy string
	JobTimeout    time.Duration
	PresenceTTL   time.Duration

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	GeoIPDBPath        string
	CORSAllowedOrigins []string
	RateLimitPerMin    int
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  strings.ToLower(os.Getenv("LOG_LEVEL")),
		Port:      getEnv("PORT", "8080"),
		ChatToken: os.Getenv("CHAT_TOKEN"),

		OutputDir:             getEnv("OUTPUT_DIR", "outputs/dreambot"),
		ArtifactJPEGThreshold: int64(getEnvInt("ARTIFACT_JPEG_THRESHOLD", 6000000)),
		WriteSidecar:          getEnvBool("WRITE_SIDECAR", true),

		WorkerCount:     getEnvInt("WORKER_COUNT", 1),
		WorkerName:      os.Getenv("WORKER_NAME"),
		ModelName:       getEnv("MODEL_NAME", "sd1.5"),
		ModelCheckpoint: os.Getenv("MODEL_CHECKPOINT"),
		InferenceURL:    strings.TrimRight(os.Getenv("INFERENCE_URL"), "/"),
		UpscaleURL:      strings.TrimRight(os.Getenv("UPSCALE_URL"), "/"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Minute),

		QueueBackend:    strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendMemory)),
		QueueSQLitePath: getEnv("QUEUE_SQLITE_PATH", "dreambot-queue.db"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		WorkerIdle:         getEnvDuration("WORKER_IDLE", 200*time.Millisecond),
		UpscaleIdle:        getEnvDuration("UPSCALE_IDLE", 500*time.Millisecond),
		UpscaleRequeueIdle: getEnvDuration("UPSCALE_REQUEUE_IDLE", 800*time.Millisecond),
		ResponseJitterMax:  getEnvDuration("RESPONSE_JITTER_MAX", 2*time.Second),

		WorkerMaxRetries:   getEnvInt("WORKER_MAX_RETRIES", 3),
		BotMaxRetries:      getEnvInt("BOT_MAX_RETRIES", 100),
		UpscalerMaxRetries: getEnvInt("UPSCALER_MAX_RETRIES", 3),
		RetryBaseBackoff:   getEnvDuration("RETRY_BASE_BACKOFF", 8*time.Second),
		RetryMaxBackoff:    getEnvDuration("RETRY_MAX_BACKOFF", 5*time.Minute),

		LostJobPolicy: strings.ToLower(getEnv("LOST_JOB_POLICY", LostJobPolicyIgnore)),
		JobTimeout:    getEnvDuration("JOB_TIMEOUT", 0),
		PresenceTTL:   getEnvDuration("PRESENCE_TTL", 30*time.Second),

		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "dreambot/events"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "dreambot"),

		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	switch cfg.QueueBackend {
	case QueueBackendMemory, QueueBackendSQLite:
	case QueueBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres queue backend")
		}
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	switch cfg.LostJobPolicy {
	case LostJobPolicyIgnore, LostJobPolicyFail:
	default:
		return nil, fmt.Errorf("unsupported LOST_JOB_POLICY %q", cfg.LostJobPolicy)
	}

	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}

	if cfg.PresenceTTL <= 0 {
		return nil, fmt.Errorf("PRESENCE_TTL must be positive")
	}

	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("unsupported LOG_LEVEL %q", cfg.LogLevel)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("500ms") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
