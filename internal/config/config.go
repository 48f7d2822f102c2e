package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	CenterCodes  []string
	CenterAPIURL string // contains a {center} placeholder
	CenterAPIKey string
	Agency       string

	FetchInterval time.Duration
	FetchTimeout  time.Duration

	// Unit lifecycle tunables.
	NamespaceSize  int
	GracePeriod    time.Duration
	ConflictWindow time.Duration
	GridResolution float64
	Retention      time.Duration
	MaxIncidentAge time.Duration

	// Allocation retry behavior once the namespace is exhausted.
	DeferBackoffInitial  time.Duration
	DeferBackoffMax      time.Duration
	ExhaustionAlertAfter time.Duration

	RegistryPath string
	OutputDir    string

	// Downstream API dispatch (disabled when DCAPIURL is empty).
	DCAPIURL     string
	DCAPIKey     string
	DCAPISecret  string
	DCAPIRetries int
	DCAPIBackoff time.Duration

	// Optional Kafka broadcast of enriched records (disabled when the sink
	// topic is empty).
	KafkaBrokers   []string
	KafkaSinkTopic string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// unset and validating required settings.
func Load() (*Config, error) {
	cfg := &Config{
		CenterCodes:  splitCSV(os.Getenv("CENTER_CODES")),
		CenterAPIURL: os.Getenv("CENTER_API_URL"),
		CenterAPIKey: os.Getenv("CENTER_API_KEY"),
		Agency:       os.Getenv("AGENCY"),

		RegistryPath: envOrDefault("REGISTRY_PATH", "units.db"),
		OutputDir:    envOrDefault("OUTPUT_DIR", "DC"),

		DCAPIURL:    os.Getenv("DC_API_URL"),
		DCAPIKey:    os.Getenv("DC_API_KEY"),
		DCAPISecret: os.Getenv("DC_API_SECRET"),

		KafkaBrokers:   splitCSV(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: os.Getenv("KAFKA_SINK_TOPIC"),

		HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.FetchInterval, err = durationEnv("FETCH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.NamespaceSize, err = intEnv("NAMESPACE_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = durationEnv("GRACE_PERIOD", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConflictWindow, err = durationEnv("CONFLICT_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.GridResolution, err = floatEnv("GRID_RESOLUTION", 0.01); err != nil {
		return nil, err
	}
	if cfg.Retention, err = durationEnv("RETENTION_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaxIncidentAge, err = durationEnv("MAX_INCIDENT_AGE", 1440*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DeferBackoffInitial, err = durationEnv("DEFER_BACKOFF_INITIAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeferBackoffMax, err = durationEnv("DEFER_BACKOFF_MAX", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ExhaustionAlertAfter, err = durationEnv("EXHAUSTION_ALERT_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DCAPIRetries, err = intEnv("DC_API_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.DCAPIBackoff, err = durationEnv("DC_API_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if len(cfg.CenterCodes) == 0 {
		return nil, errors.New("CENTER_CODES is required")
	}
	if cfg.CenterAPIURL == "" {
		return nil, errors.New("CENTER_API_URL is required")
	}
	if !strings.Contains(cfg.CenterAPIURL, "{center}") {
		return nil, errors.New("CENTER_API_URL must contain a {center} placeholder")
	}
	if cfg.Agency == "" {
		return nil, errors.New("AGENCY is required")
	}
	if cfg.NamespaceSize <= 0 {
		return nil, errors.New("NAMESPACE_SIZE must be positive")
	}
	if cfg.DCAPIURL != "" && (cfg.DCAPIKey == "" || cfg.DCAPISecret == "") {
		return nil, errors.New("DC_API_URL is set but DC_API_KEY or DC_API_SECRET is missing")
	}
	if cfg.KafkaSinkTopic != "" && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_SINK_TOPIC is set but KAFKA_BROKERS is empty")
	}

	return cfg, nil
}

// DispatchEnabled reports whether the downstream API dispatcher is configured.
func (c *Config) DispatchEnabled() bool { return c.DCAPIURL != "" }

// BroadcastEnabled reports whether the Kafka broadcast sink is configured.
func (c *Config) BroadcastEnabled() bool { return c.KafkaSinkTopic != "" }

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return f, nil
}
