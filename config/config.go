// Package config loads and validates driftrouter's runtime
// configuration via viper, following the same file+env precedence the
// rest of this codebase uses: a JSON config file overridden by
// DRIFTOS_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the routing service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Facts     FactsConfig     `mapstructure:"facts"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}

// RoutingConfig holds the classifier's threshold policy and pipeline
// limits. Defaults follow the env-configurable path described in the
// routing design notes (0.47 / 0.20 / 0.42), not the alternate 0.38
// stay threshold seen in some deployments.
type RoutingConfig struct {
	StayThreshold          float64       `mapstructure:"stay_threshold"`
	NewClusterThreshold    float64       `mapstructure:"new_cluster_threshold"`
	RouteThreshold         float64       `mapstructure:"route_threshold"`
	MaxBranchesForContext  int           `mapstructure:"max_branches_for_context"`
	TopicReturnBoostFactor float64       `mapstructure:"topic_return_boost_factor"`
	PipelineTimeout        time.Duration `mapstructure:"pipeline_timeout"`
}

func (r RoutingConfig) Validate() error {
	if r.StayThreshold <= r.NewClusterThreshold {
		return fmt.Errorf("routing.stay_threshold must be greater than routing.new_cluster_threshold")
	}
	if r.MaxBranchesForContext <= 0 {
		return fmt.Errorf("routing.max_branches_for_context must be > 0")
	}
	if r.PipelineTimeout <= 0 {
		return fmt.Errorf("routing.pipeline_timeout must be > 0")
	}
	return nil
}

// EmbeddingConfig points at the remote embedding service.
type EmbeddingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Dimension int           `mapstructure:"dimension"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	Preprocess bool         `mapstructure:"preprocess"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.BaseURL) == "" {
		return fmt.Errorf("embedding.base_url is required")
	}
	if e.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be > 0")
	}
	return nil
}

// FactsConfig controls the async fact-extraction side effect.
type FactsConfig struct {
	ExtractByDefault bool          `mapstructure:"extract_by_default"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains the optional Redis connection used by the
// advisory-lock coordinator (see internal/pipeline). Redis is not
// required for correctness — see the design notes on the conversation
// lock being opt-in.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required when redis is enabled")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when redis is enabled")
	}
	return nil
}

// Addr formats the host:port pair go-redis expects.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LoadConfig loads config from file, applying defaults and the
// DRIFTOS_ environment override prefix, and panics on invalid or
// missing required configuration.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("general.log_level", "info")

	viper.SetDefault("routing.stay_threshold", 0.47)
	viper.SetDefault("routing.new_cluster_threshold", 0.20)
	viper.SetDefault("routing.route_threshold", 0.42)
	viper.SetDefault("routing.max_branches_for_context", 10)
	viper.SetDefault("routing.topic_return_boost_factor", 2.5)
	viper.SetDefault("routing.pipeline_timeout", "10s")

	viper.SetDefault("embedding.base_url", "http://localhost:8100")
	viper.SetDefault("embedding.dimension", 384)
	viper.SetDefault("embedding.timeout", "10s")
	viper.SetDefault("embedding.retries", 2)
	viper.SetDefault("embedding.preprocess", false)

	viper.SetDefault("facts.extract_by_default", true)
	viper.SetDefault("facts.timeout", "15s")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)

	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.enabled", false)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DRIFTOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := cfg.Server.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Routing.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &cfg
}
