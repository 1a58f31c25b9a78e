package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/renewcast/coherent-go/internal/reconcile"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Reconcile   ReconcileConfig `mapstructure:"reconcile"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Worker      WorkerConfig    `mapstructure:"worker"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheTTL string `mapstructure:"cache_ttl"`
}

// ReconcileConfig is the engine's configuration surface: strategy names are
// validated against the closed strategy sets at load time, not at call time.
type ReconcileConfig struct {
	CovarianceStrategy  string       `mapstructure:"covariance_strategy"`
	CompositionStrategy string       `mapstructure:"composition_strategy"`
	NonNegativity       string       `mapstructure:"non_negativity"`
	Epsilon             float64      `mapstructure:"epsilon"`
	MaxIterations       int          `mapstructure:"max_iterations"`
	Tolerance           float64      `mapstructure:"tolerance"`
	Solver              SolverConfig `mapstructure:"solver"`
}

// SolverConfig configures the exact non-negativity QP solver.
type SolverConfig struct {
	MaxIterations int     `mapstructure:"max_iterations"`
	Tolerance     float64 `mapstructure:"tolerance"`
	Polish        bool    `mapstructure:"polish"`
}

type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

type WorkerConfig struct {
	// PoolSize of 0 sizes the pool from the detected CPU count and memory
	// headroom.
	PoolSize  int    `mapstructure:"pool_size"`
	QueueSize int    `mapstructure:"queue_size"`
	Timeout   string `mapstructure:"timeout"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if _, err := reconcile.ParseCovarianceStrategy(config.Reconcile.CovarianceStrategy); err != nil {
		return nil, fmt.Errorf("invalid reconcile.covariance_strategy: %w", err)
	}
	if _, err := reconcile.ParseCompositionStrategy(config.Reconcile.CompositionStrategy); err != nil {
		return nil, fmt.Errorf("invalid reconcile.composition_strategy: %w", err)
	}
	if _, err := reconcile.ParseNonNegStrategy(config.Reconcile.NonNegativity); err != nil {
		return nil, fmt.Errorf("invalid reconcile.non_negativity: %w", err)
	}
	if config.Reconcile.Epsilon <= 0 {
		return nil, fmt.Errorf("reconcile.epsilon must be positive, got %g", config.Reconcile.Epsilon)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "coherent")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.conn_max_lifetime", "300s")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.cache_ttl", "1h")

	viper.SetDefault("reconcile.covariance_strategy", "shrinkage")
	viper.SetDefault("reconcile.composition_strategy", "temporal-then-cross")
	viper.SetDefault("reconcile.non_negativity", "none")
	viper.SetDefault("reconcile.epsilon", 1e-8)
	viper.SetDefault("reconcile.max_iterations", 100)
	viper.SetDefault("reconcile.tolerance", 1e-9)
	viper.SetDefault("reconcile.solver.max_iterations", 2000)
	viper.SetDefault("reconcile.solver.tolerance", 1e-10)
	viper.SetDefault("reconcile.solver.polish", true)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.service_name", "coherent")
	viper.SetDefault("telemetry.service_version", "1.0.0")

	viper.SetDefault("worker.pool_size", 0)
	viper.SetDefault("worker.queue_size", 64)
	viper.SetDefault("worker.timeout", "30s")
}
