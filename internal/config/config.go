// Package config provides configuration management for sessiond.
// Settings come from an optional YAML file plus environment variables with
// the SESSIOND_ prefix; environment variables override file values, and
// every option has a sensible default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for sessiond.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Security     SecurityConfig     `yaml:"security"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Manager      ManagerConfig      `yaml:"manager"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host      string  `yaml:"host"`       // Server host (default: 127.0.0.1)
	Port      int     `yaml:"port"`       // Server port (default: 6380)
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per server (default: 50)
	RateBurst int     `yaml:"rate_burst"` // Rate limiter burst (default: 100)
}

// StorageConfig selects and configures the three backends.
type StorageConfig struct {
	// MetadataDSN is the SQLite DSN for the relational metadata store
	// (default: ./data/sessiond.db).
	MetadataDSN string `yaml:"metadata_dsn"`

	// DocumentEngine is the document store driver: redis, memory
	// (default: memory).
	DocumentEngine string `yaml:"document_engine"`
	RedisAddr      string `yaml:"redis_addr"`     // default: localhost:6379
	RedisPassword  string `yaml:"redis_password"` // default: empty
	RedisDB        int    `yaml:"redis_db"`       // default: 0

	// VectorEngine is the vector index driver: qdrant, postgres, memory
	// (default: memory).
	VectorEngine     string `yaml:"vector_engine"`
	QdrantURL        string `yaml:"qdrant_url"`        // default: http://localhost:6334
	QdrantCollection string `yaml:"qdrant_collection"` // default: sessiond
	PostgresDSN      string `yaml:"postgres_dsn"`      // default: empty

	// EmbeddingDimension is the vector length used across index and embedder
	// (default: 256).
	EmbeddingDimension int `yaml:"embedding_dimension"`
}

// SecurityConfig contains encryption, RBAC, and auth settings.
type SecurityConfig struct {
	// SecurityMode is development or production. Production requires an API
	// token and an encryption secret (default: development).
	SecurityMode string `yaml:"security_mode"`

	// APIToken is the bearer token required in production mode.
	APIToken string `yaml:"api_token"`

	// EncryptionSecret is the master secret the key ring derives data keys
	// from. Empty disables encryption at rest (development only).
	EncryptionSecret string `yaml:"encryption_secret"`

	// EncryptionKeyID names the active key version (default: v1).
	EncryptionKeyID string `yaml:"encryption_key_id"`

	// PolicyPath optionally points at a YAML RBAC policy file. The file is
	// watched and hot-reloaded; empty uses the built-in default policy.
	PolicyPath string `yaml:"policy_path"`
}

// IntegrationsConfig contains collaborator endpoints. An empty URL leaves
// that collaborator unregistered.
type IntegrationsConfig struct {
	KnowledgeURL string        `yaml:"knowledge_url"`
	TaskURL      string        `yaml:"task_url"`
	IncidentURL  string        `yaml:"incident_url"`
	RetrievalURL string        `yaml:"retrieval_url"`
	Timeout      time.Duration `yaml:"timeout"` // Per-call timeout (default: 10s)
}

// ManagerConfig contains orchestration tuning.
type ManagerConfig struct {
	// ConflictRetries is the optimistic-concurrency retry budget (default: 3).
	ConflictRetries int `yaml:"conflict_retries"`

	// SearchCacheSize bounds the search hydration cache (default: 512).
	SearchCacheSize int `yaml:"search_cache_size"`

	// OperationTimeout caps each storage operation (default: 10s).
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// Load builds the configuration: defaults, then the YAML file at path (or
// SESSIOND_CONFIG when path is empty), then environment overrides. A missing
// file is only an error when it was explicitly requested.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("SESSIOND_CONFIG")
		explicit = path != ""
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Optional file absent; defaults stand.
		default:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}

	switch c.Storage.DocumentEngine {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown document engine %q", c.Storage.DocumentEngine)
	}

	switch c.Storage.VectorEngine {
	case "qdrant", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres vector engine requires postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unknown vector engine %q", c.Storage.VectorEngine)
	}

	if c.Storage.EmbeddingDimension < 1 {
		return fmt.Errorf("config: embedding dimension must be positive")
	}

	switch c.Security.SecurityMode {
	case "development":
	case "production":
		if c.Security.APIToken == "" {
			return fmt.Errorf("config: production mode requires an API token")
		}
		if c.Security.EncryptionSecret == "" {
			return fmt.Errorf("config: production mode requires an encryption secret")
		}
	default:
		return fmt.Errorf("config: unknown security mode %q", c.Security.SecurityMode)
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      6380,
			RateLimit: 50,
			RateBurst: 100,
		},
		Storage: StorageConfig{
			MetadataDSN:        "./data/sessiond.db",
			DocumentEngine:     "memory",
			RedisAddr:          "localhost:6379",
			VectorEngine:       "memory",
			QdrantURL:          "http://localhost:6334",
			QdrantCollection:   "sessiond",
			EmbeddingDimension: 256,
		},
		Security: SecurityConfig{
			SecurityMode:    "development",
			EncryptionKeyID: "v1",
		},
		Integrations: IntegrationsConfig{
			Timeout: 10 * time.Second,
		},
		Manager: ManagerConfig{
			ConflictRetries:  3,
			SearchCacheSize:  512,
			OperationTimeout: 10 * time.Second,
		},
	}
}

// applyEnv layers SESSIOND_* environment variables over cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SESSIOND_HOST")
	setInt(&cfg.Server.Port, "SESSIOND_PORT")
	setFloat(&cfg.Server.RateLimit, "SESSIOND_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SESSIOND_RATE_BURST")

	setString(&cfg.Storage.MetadataDSN, "SESSIOND_METADATA_DSN")
	setString(&cfg.Storage.DocumentEngine, "SESSIOND_DOCUMENT_ENGINE")
	setString(&cfg.Storage.RedisAddr, "SESSIOND_REDIS_ADDR")
	setString(&cfg.Storage.RedisPassword, "SESSIOND_REDIS_PASSWORD")
	setInt(&cfg.Storage.RedisDB, "SESSIOND_REDIS_DB")
	setString(&cfg.Storage.VectorEngine, "SESSIOND_VECTOR_ENGINE")
	setString(&cfg.Storage.QdrantURL, "SESSIOND_QDRANT_URL")
	setString(&cfg.Storage.QdrantCollection, "SESSIOND_QDRANT_COLLECTION")
	setString(&cfg.Storage.PostgresDSN, "SESSIOND_POSTGRES_DSN")
	setInt(&cfg.Storage.EmbeddingDimension, "SESSIOND_EMBEDDING_DIMENSION")

	setString(&cfg.Security.SecurityMode, "SESSIOND_SECURITY_MODE")
	setString(&cfg.Security.APIToken, "SESSIOND_API_TOKEN")
	setString(&cfg.Security.EncryptionSecret, "SESSIOND_ENCRYPTION_SECRET")
	setString(&cfg.Security.EncryptionKeyID, "SESSIOND_ENCRYPTION_KEY_ID")
	setString(&cfg.Security.PolicyPath, "SESSIOND_POLICY_PATH")

	setString(&cfg.Integrations.KnowledgeURL, "SESSIOND_KNOWLEDGE_URL")
	setString(&cfg.Integrations.TaskURL, "SESSIOND_TASK_URL")
	setString(&cfg.Integrations.IncidentURL, "SESSIOND_INCIDENT_URL")
	setString(&cfg.Integrations.RetrievalURL, "SESSIOND_RETRIEVAL_URL")
	setDuration(&cfg.Integrations.Timeout, "SESSIOND_INTEGRATION_TIMEOUT")

	setInt(&cfg.Manager.ConflictRetries, "SESSIOND_CONFLICT_RETRIES")
	setInt(&cfg.Manager.SearchCacheSize, "SESSIOND_SEARCH_CACHE_SIZE")
	setDuration(&cfg.Manager.OperationTimeout, "SESSIOND_OPERATION_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
