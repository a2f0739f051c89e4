package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/docmend/docmend/internal/domain"
)

// Backend selects the queue implementation.
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// Config holds every runtime knob. It is built once in main and passed by
// reference; there is no package-level singleton.
type Config struct {
	QueueBackend Backend
	RedisAddr    string
	QueueName    string
	GroupName    string

	// Memory backend only.
	QueueCapacity  int
	SyncProcessing bool

	WorkerCount      int
	MaxInFlight      int64
	PerLanguageLimit int
	DequeueTimeout   time.Duration

	LeaseDuration    time.Duration
	RecoveryInterval time.Duration
	MaxDeliveries    int

	AutoCorrect         bool
	ConfidenceThreshold float64
	MaxAttempts         int
	BlockOnFailure      bool
	EnabledLanguages    []domain.Language

	SnippetTimeout  time.Duration
	InstallTimeout  time.Duration
	WorkflowTimeout time.Duration
	KillGrace       time.Duration

	MemoryLimitMB int64
	CPULimit      float64
	PidsLimit     int64
	DiskLimitMB   int64

	GatewayURL     string
	GatewayTimeout time.Duration

	PostgresURL string

	APIAddr string
}

// Load reads .env (if present) and the DOCMEND_* environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg := &Config{
		QueueBackend: Backend(getEnv("DOCMEND_QUEUE_BACKEND", string(BackendRedis))),
		RedisAddr:    getEnv("DOCMEND_REDIS_ADDR", "localhost:6379"),
		QueueName:    getEnv("DOCMEND_QUEUE_NAME", "docmend:tasks"),
		GroupName:    getEnv("DOCMEND_GROUP_NAME", "docmend:workers"),

		QueueCapacity:  getInt("DOCMEND_QUEUE_CAPACITY", 1024),
		SyncProcessing: getBool("DOCMEND_SYNC_PROCESSING", false),

		WorkerCount:      getInt("DOCMEND_WORKER_COUNT", 4),
		MaxInFlight:      int64(getInt("DOCMEND_MAX_IN_FLIGHT", 8)),
		PerLanguageLimit: getInt("DOCMEND_PER_LANGUAGE_LIMIT", 2),
		DequeueTimeout:   getDuration("DOCMEND_DEQUEUE_TIMEOUT", 2*time.Second),

		LeaseDuration:    getDuration("DOCMEND_LEASE_DURATION", 60*time.Second),
		RecoveryInterval: getDuration("DOCMEND_RECOVERY_INTERVAL", 30*time.Second),
		MaxDeliveries:    getInt("DOCMEND_MAX_DELIVERIES", 3),

		AutoCorrect:         getBool("DOCMEND_AUTO_CORRECT", true),
		ConfidenceThreshold: getFloat("DOCMEND_CONFIDENCE_THRESHOLD", 0.7),
		MaxAttempts:         getInt("DOCMEND_MAX_ATTEMPTS", 2),
		BlockOnFailure:      getBool("DOCMEND_BLOCK_ON_FAILURE", false),

		SnippetTimeout:  getDuration("DOCMEND_SNIPPET_TIMEOUT", 30*time.Second),
		InstallTimeout:  getDuration("DOCMEND_INSTALL_TIMEOUT", 60*time.Second),
		WorkflowTimeout: getDuration("DOCMEND_WORKFLOW_TIMEOUT", 10*time.Minute),
		KillGrace:       getDuration("DOCMEND_KILL_GRACE", 5*time.Second),

		MemoryLimitMB: int64(getInt("DOCMEND_MEMORY_LIMIT_MB", 512)),
		CPULimit:      getFloat("DOCMEND_CPU_LIMIT", 0.5),
		PidsLimit:     int64(getInt("DOCMEND_PIDS_LIMIT", 128)),
		DiskLimitMB:   int64(getInt("DOCMEND_DISK_LIMIT_MB", 256)),

		GatewayURL:     getEnv("DOCMEND_GATEWAY_URL", "http://localhost:8090"),
		GatewayTimeout: getDuration("DOCMEND_GATEWAY_TIMEOUT", 30*time.Second),

		PostgresURL: getEnv("DOCMEND_POSTGRES_URL", ""),

		APIAddr: getEnv("DOCMEND_API_ADDR", ":8080"),
	}

	if langs := getEnv("DOCMEND_ENABLED_LANGUAGES", ""); langs != "" {
		for _, l := range strings.Split(langs, ",") {
			cfg.EnabledLanguages = append(cfg.EnabledLanguages, domain.Language(strings.TrimSpace(l)))
		}
	}

	switch cfg.QueueBackend {
	case BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	return cfg, nil
}

// Limits builds the sandbox resource limits from the configured ceilings.
func (c *Config) Limits() domain.ResourceLimits {
	return domain.ResourceLimits{
		MemoryBytes:    c.MemoryLimitMB * 1024 * 1024,
		CPUs:           c.CPULimit,
		Pids:           c.PidsLimit,
		DiskBytes:      c.DiskLimitMB * 1024 * 1024,
		InstallTimeout: c.InstallTimeout,
	}
}

// DefaultPolicy derives the per-submission policy defaults from config.
// The ingester may override any field per workflow.
func (c *Config) DefaultPolicy() domain.Policy {
	return domain.Policy{
		AutoCorrect:         c.AutoCorrect,
		ConfidenceThreshold: c.ConfidenceThreshold,
		MaxAttempts:         c.MaxAttempts,
		BlockOnFailure:      c.BlockOnFailure,
		SnippetTimeout:      c.SnippetTimeout,
		WorkflowTimeout:     c.WorkflowTimeout,
		EnabledLanguages:    c.EnabledLanguages,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("Invalid float in environment, using default", "key", key, "value", v)
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v)
	}
	return fallback
}
