package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendTiDB = "tidb"
	BackendBolt = "bolt"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort  string `yaml:"service_port"`
	ServiceName  string `yaml:"service_name"`
	StoreBackend string `yaml:"store_backend"`
	PreviewLimit string `yaml:"preview_limit"`
	ChunkSize    string `yaml:"chunk_size"`

	// Logging configuration
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metadata registry configuration
	RegistryLRUSize int `yaml:"registry_lru_size"`

	// Bolt configuration
	BoltPath string `yaml:"bolt_path"`

	// MinIO configuration
	MinIOEndpoint   string `yaml:"minio_endpoint"`
	MinIOAccessKey  string `yaml:"minio_access_key"`
	MinIOSecretKey  string `yaml:"minio_secret_key"`
	MinIOBucketName string `yaml:"minio_bucket_name"`
	MinIOUseSSL     bool   `yaml:"minio_use_ssl"`

	// TiDB configuration
	TiDBHost     string `yaml:"tidb_host"`
	TiDBPort     string `yaml:"tidb_port"`
	TiDBUser     string `yaml:"tidb_user"`
	TiDBPassword string `yaml:"tidb_password"`
	TiDBDatabase string `yaml:"tidb_database"`

	// Redis configuration
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisTTL      string `yaml:"redis_ttl"`

	// Jaeger configuration
	TracingEnabled bool   `yaml:"tracing_enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServicePort:  "8080",
		ServiceName:  "runartifacts",
		StoreBackend: BackendTiDB,
		PreviewLimit: "5MiB",
		ChunkSize:    "255KiB",

		LogLevel:  "info",
		LogFormat: "json",

		RegistryLRUSize: 4096,

		BoltPath: "runartifacts.db",

		MinIOEndpoint:   "localhost:9000",
		MinIOAccessKey:  "minioadmin",
		MinIOSecretKey:  "minioadmin",
		MinIOBucketName: "runartifacts",

		TiDBHost:     "localhost",
		TiDBPort:     "4000",
		TiDBUser:     "root",
		TiDBDatabase: "runartifacts",

		RedisEnabled: true,
		RedisHost:    "localhost",
		RedisPort:    "6379",
		RedisTTL:     "5m",

		TracingEnabled: true,
		JaegerEndpoint: "localhost:4318",
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path (if path is not empty), then environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.ServicePort = getEnv("SERVICE_PORT", c.ServicePort)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.PreviewLimit = getEnv("PREVIEW_LIMIT", c.PreviewLimit)
	c.ChunkSize = getEnv("CHUNK_SIZE", c.ChunkSize)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.RegistryLRUSize = getEnvAsInt("REGISTRY_LRU_SIZE", c.RegistryLRUSize)

	c.BoltPath = getEnv("BOLT_PATH", c.BoltPath)

	c.MinIOEndpoint = getEnv("MINIO_ENDPOINT", c.MinIOEndpoint)
	c.MinIOAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIOAccessKey)
	c.MinIOSecretKey = getEnv("MINIO_SECRET_KEY", c.MinIOSecretKey)
	c.MinIOBucketName = getEnv("MINIO_BUCKET_NAME", c.MinIOBucketName)
	c.MinIOUseSSL = getEnvAsBool("MINIO_USE_SSL", c.MinIOUseSSL)

	c.TiDBHost = getEnv("TIDB_HOST", c.TiDBHost)
	c.TiDBPort = getEnv("TIDB_PORT", c.TiDBPort)
	c.TiDBUser = getEnv("TIDB_USER", c.TiDBUser)
	c.TiDBPassword = getEnv("TIDB_PASSWORD", c.TiDBPassword)
	c.TiDBDatabase = getEnv("TIDB_DATABASE", c.TiDBDatabase)

	c.RedisEnabled = getEnvAsBool("REDIS_ENABLED", c.RedisEnabled)
	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)
	c.RedisTTL = getEnv("REDIS_TTL", c.RedisTTL)

	c.TracingEnabled = getEnvAsBool("TRACING_ENABLED", c.TracingEnabled)
	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendTiDB, BackendBolt:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.StoreBackend, BackendTiDB, BackendBolt)
	}
	if _, err := c.GetPreviewLimitBytes(); err != nil {
		return err
	}
	if _, err := c.GetChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.GetRedisTTL(); err != nil {
		return err
	}
	if c.RegistryLRUSize < 0 {
		return fmt.Errorf("registry LRU size must not be negative, got %d", c.RegistryLRUSize)
	}
	if c.StoreBackend == BackendBolt && c.BoltPath == "" {
		return fmt.Errorf("bolt backend needs a database path")
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetRedisTTL returns how long metadata stays in Redis
func (c *Config) GetRedisTTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(c.RedisTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid redis ttl %q: %w", c.RedisTTL, err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("redis ttl must be positive, got %q", c.RedisTTL)
	}
	return ttl, nil
}

// GetPreviewLimitBytes returns the preview size limit in bytes
func (c *Config) GetPreviewLimitBytes() (int64, error) {
	return parsePositiveSize("preview limit", c.PreviewLimit)
}

// GetChunkSizeBytes returns the chunk size used when importing files
func (c *Config) GetChunkSizeBytes() (int64, error) {
	return parsePositiveSize("chunk size", c.ChunkSize)
}

func parsePositiveSize(name, value string) (int64, error) {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", name, value)
	}
	return n, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
