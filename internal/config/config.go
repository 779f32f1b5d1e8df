package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string `yaml:"addr"`
	// Node names this process on the bus; empty picks a random name.
	Node     string `yaml:"node"`
	LogLevel string `yaml:"logLevel"`

	DBDriver    string `yaml:"dbDriver"`
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
	// RedisURL enables the Redis client-id backend and the Redis bus. Without
	// it ids are leased from a bbolt file in ClientIDDir.
	RedisURL    string `yaml:"redisUrl"`
	ClientIDDir string `yaml:"clientIdDir"`

	AuthDisabled       bool          `yaml:"authDisabled"`
	JWTSecret          string        `yaml:"jwtSecret"`
	SyncToken          string        `yaml:"syncToken"`
	CORSOrigin         string        `yaml:"corsOrigin"`
	AllowedOrigins     []string      `yaml:"allowedOrigins"`
	RestrictedPrefixes []string      `yaml:"restrictedPrefixes"`
	AccessURL          string        `yaml:"accessUrl"`
	AccessCacheTTL     time.Duration `yaml:"accessCacheTtl"`

	SyncTimeout       time.Duration `yaml:"syncTimeout"`
	WriteWait         time.Duration `yaml:"writeWait"`
	PongWait          time.Duration `yaml:"pongWait"`
	ReadLimit         int           `yaml:"readLimit"`
	OutboundQueue     int           `yaml:"outboundQueue"`
	MaxDecodeErrors   int           `yaml:"maxDecodeErrors"`
	PersistRetries    int           `yaml:"persistRetries"`
	AwarenessTimeout  time.Duration `yaml:"awarenessTimeout"`
	AwarenessInterval time.Duration `yaml:"awarenessInterval"`

	CompactionInterval   time.Duration `yaml:"compactionInterval"`
	CompactionMinRecords int           `yaml:"compactionMinRecords"`
	// ReposDir holds the git history of compacted snapshots; empty disables it.
	ReposDir       string `yaml:"reposDir"`
	MeiliURL       string `yaml:"meiliUrl"`
	MeiliMasterKey string `yaml:"meiliMasterKey"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3UseSSL       bool   `yaml:"s3UseSsl"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func Defaults() Config {
	return Config{
		Addr:                 ":8787",
		LogLevel:             "info",
		DBDriver:             "sqlite",
		SQLitePath:           "./data/syncd.db",
		ClientIDDir:          "./data/clientid",
		JWTSecret:            "syncd-dev-secret",
		SyncToken:            "syncd-sync-token",
		CORSOrigin:           "*",
		AccessCacheTTL:       30 * time.Second,
		SyncTimeout:          10 * time.Second,
		WriteWait:            10 * time.Second,
		PongWait:             60 * time.Second,
		ReadLimit:            8 << 20,
		OutboundQueue:        256,
		MaxDecodeErrors:      8,
		PersistRetries:       5,
		AwarenessTimeout:     30 * time.Second,
		AwarenessInterval:    5 * time.Second,
		CompactionInterval:   time.Minute,
		CompactionMinRecords: 100,
		ReposDir:             "./data/repos",
		ShutdownTimeout:      15 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SYNCD_CONFIG if set, and environment variables, in increasing precedence.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("SYNCD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Addr = getenv("SYNCD_ADDR", cfg.Addr)
	cfg.Node = getenv("SYNCD_NODE", cfg.Node)
	cfg.LogLevel = getenv("SYNCD_LOG_LEVEL", cfg.LogLevel)
	cfg.DBDriver = getenv("SYNCD_DB_DRIVER", cfg.DBDriver)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getenv("SYNCD_SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.ClientIDDir = getenv("SYNCD_CLIENTID_DIR", cfg.ClientIDDir)

	cfg.AuthDisabled = getenvBool("SYNCD_AUTH_DISABLED", cfg.AuthDisabled)
	cfg.JWTSecret = getenv("SYNCD_JWT_SECRET", cfg.JWTSecret)
	cfg.SyncToken = getenv("SYNCD_SYNC_TOKEN", cfg.SyncToken)
	cfg.CORSOrigin = getenv("SYNCD_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.AllowedOrigins = getenvList("SYNCD_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.RestrictedPrefixes = getenvList("SYNCD_RESTRICTED_PREFIXES", cfg.RestrictedPrefixes)
	cfg.AccessURL = getenv("SYNCD_ACCESS_URL", cfg.AccessURL)
	cfg.AccessCacheTTL = getenvDuration("SYNCD_ACCESS_CACHE_TTL", cfg.AccessCacheTTL)

	cfg.SyncTimeout = getenvDuration("SYNCD_SYNC_TIMEOUT", cfg.SyncTimeout)
	cfg.WriteWait = getenvDuration("SYNCD_WRITE_WAIT", cfg.WriteWait)
	cfg.PongWait = getenvDuration("SYNCD_PONG_WAIT", cfg.PongWait)
	cfg.ReadLimit = getenvInt("SYNCD_READ_LIMIT", cfg.ReadLimit)
	cfg.OutboundQueue = getenvInt("SYNCD_OUTBOUND_QUEUE", cfg.OutboundQueue)
	cfg.MaxDecodeErrors = getenvInt("SYNCD_MAX_DECODE_ERRORS", cfg.MaxDecodeErrors)
	cfg.PersistRetries = getenvInt("SYNCD_PERSIST_RETRIES", cfg.PersistRetries)
	cfg.AwarenessTimeout = getenvDuration("SYNCD_AWARENESS_TIMEOUT", cfg.AwarenessTimeout)
	cfg.AwarenessInterval = getenvDuration("SYNCD_AWARENESS_INTERVAL", cfg.AwarenessInterval)

	cfg.CompactionInterval = getenvDuration("SYNCD_COMPACTION_INTERVAL", cfg.CompactionInterval)
	cfg.CompactionMinRecords = getenvInt("SYNCD_COMPACTION_MIN_RECORDS", cfg.CompactionMinRecords)
	cfg.ReposDir = getenv("SYNCD_REPOS_DIR", cfg.ReposDir)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.S3Endpoint = getenv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getenv("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getenv("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Bucket = getenv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3UseSSL = getenvBool("S3_USE_SSL", cfg.S3UseSSL)

	cfg.ShutdownTimeout = getenvDuration("SYNCD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SYNCD_SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DBDriver))
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		errs = append(errs, errors.New("SYNCD_JWT_SECRET is required unless auth is disabled"))
	}
	if c.RedisURL == "" && c.ClientIDDir == "" {
		errs = append(errs, errors.New("either REDIS_URL or SYNCD_CLIENTID_DIR is required"))
	}
	if c.PongWait <= 0 || c.SyncTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether snapshots go to object storage.
func (c Config) ArchiveEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("15s") or plain seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
