package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Document store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all agent settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Remote document store.
	StoreBackend string
	DatabaseURL  string

	// Device-local storage.
	PrefsPath       string
	DarkModeDefault bool

	// Notification transport and push inbox.
	KafkaBrokers       []string
	KafkaNotifyTopic   string
	KafkaGroupID       string
	NotifyEnabled      bool
	NotifyTimeout      time.Duration
	BatchSize          int
	BatchFlushInterval time.Duration

	// Identity provider.
	AuthBaseURL         string
	AuthAPIKey          string
	AuthTimeout         time.Duration
	AdminCodeHash       string
	InstitutionCodeHash string
	UserCacheSize       int

	// Connectivity probing; an empty URL disables the prober.
	ConnectivityProbeURL string
	ConnectivityInterval time.Duration

	SweepOnStart bool
}

// LogSettings implements observability.LogConfig.
func (c *Config) LogSettings() (level, format string) {
	return c.LogLevel, c.LogFormat
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	notifyTimeout, err := parseDuration("NOTIFY_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	authTimeout, err := parseDuration("AUTH_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	probeInterval, err := parseDuration("CONNECTIVITY_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		StoreBackend: sharedcfg.EnvOrDefault("STORE_BACKEND", BackendMemory),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		PrefsPath:       sharedcfg.EnvOrDefault("PREFS_PATH", "device.db"),
		DarkModeDefault: parseBool("THEME_DEFAULT_DARK", false),

		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaNotifyTopic:   sharedcfg.EnvOrDefault("KAFKA_NOTIFY_TOPIC", "bulletin-notifications"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-bulletins"),
		NotifyEnabled:      parseBool("NOTIFY_ENABLED", true),
		NotifyTimeout:      notifyTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		AuthBaseURL:         os.Getenv("AUTH_BASE_URL"),
		AuthAPIKey:          os.Getenv("AUTH_API_KEY"),
		AuthTimeout:         authTimeout,
		AdminCodeHash:       os.Getenv("ADMIN_CODE_HASH"),
		InstitutionCodeHash: os.Getenv("INSTITUTION_CODE_HASH"),
		UserCacheSize:       parsePositiveInt("USER_CACHE_SIZE", 1000),

		ConnectivityProbeURL: os.Getenv("CONNECTIVITY_PROBE_URL"),
		ConnectivityInterval: probeInterval,

		SweepOnStart: parseBool("SWEEP_ON_START", true),
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("STORE_BACKEND is postgres but DATABASE_URL is not set")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.NotifyEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaNotifyTopic == "" {
			return nil, errors.New("KAFKA_NOTIFY_TOPIC is required")
		}
	}
	if cfg.PrefsPath == "" {
		return nil, errors.New("PREFS_PATH is required")
	}

	return cfg, nil
}

func parseDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parseBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		return v == "true"
	}
	return def
}

func parsePositiveInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
