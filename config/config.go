package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Routing    RoutingConfig
	TravelTime TravelTimeConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// RoutingConfig holds external routing gateway settings.
type RoutingConfig struct {
	// Enabled toggles the external gateway. When false every leg uses the
	// estimator fallback, which keeps the planner usable offline.
	Enabled bool          `mapstructure:"ROUTING_ENABLED"`
	BaseURL string        `mapstructure:"ROUTING_BASE_URL"`
	Timeout time.Duration `mapstructure:"ROUTING_TIMEOUT"`
}

// TravelTimeConfig holds the admin-configured quality-gate thresholds.
// A zero threshold disables the corresponding check.
type TravelTimeConfig struct {
	// Plausible minutes-per-km interval for learned averages and incoming
	// samples; observations outside it are counted as suspicious.
	MinPlausibleMinPerKm float64 `mapstructure:"TRAVELTIME_MIN_PLAUSIBLE_MIN_PER_KM"`
	MaxPlausibleMinPerKm float64 `mapstructure:"TRAVELTIME_MAX_PLAUSIBLE_MIN_PER_KM"`
	// StalenessDays flags rows with no sample for this many days.
	StalenessDays int `mapstructure:"TRAVELTIME_STALENESS_DAYS"`
	// LowSampleThreshold flags rows with fewer total samples than this.
	LowSampleThreshold int `mapstructure:"TRAVELTIME_LOW_SAMPLE_THRESHOLD"`
	// HighDeviationWarnPercent flags rows whose learned average deviates
	// from the baseline by at least this many percent (absolute).
	HighDeviationWarnPercent float64 `mapstructure:"TRAVELTIME_HIGH_DEVIATION_WARN_PERCENT"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "fieldroute")
	viper.SetDefault("POSTGRES_PASSWORD", "fieldroute_secret")
	viper.SetDefault("POSTGRES_DB", "fieldroute_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("ROUTING_ENABLED", true)
	viper.SetDefault("ROUTING_BASE_URL", "https://router.project-osrm.org")
	viper.SetDefault("ROUTING_TIMEOUT", "10s")

	viper.SetDefault("TRAVELTIME_MIN_PLAUSIBLE_MIN_PER_KM", 0.5)
	viper.SetDefault("TRAVELTIME_MAX_PLAUSIBLE_MIN_PER_KM", 6.0)
	viper.SetDefault("TRAVELTIME_STALENESS_DAYS", 60)
	viper.SetDefault("TRAVELTIME_LOW_SAMPLE_THRESHOLD", 20)
	viper.SetDefault("TRAVELTIME_HIGH_DEVIATION_WARN_PERCENT", 40)

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Routing gateway ─────────────────────────────────
	cfg.Routing = RoutingConfig{
		Enabled: viper.GetBool("ROUTING_ENABLED"),
		BaseURL: viper.GetString("ROUTING_BASE_URL"),
		Timeout: viper.GetDuration("ROUTING_TIMEOUT"),
	}

	// ── Travel-time quality gate ────────────────────────
	cfg.TravelTime = TravelTimeConfig{
		MinPlausibleMinPerKm:     viper.GetFloat64("TRAVELTIME_MIN_PLAUSIBLE_MIN_PER_KM"),
		MaxPlausibleMinPerKm:     viper.GetFloat64("TRAVELTIME_MAX_PLAUSIBLE_MIN_PER_KM"),
		StalenessDays:            viper.GetInt("TRAVELTIME_STALENESS_DAYS"),
		LowSampleThreshold:       viper.GetInt("TRAVELTIME_LOW_SAMPLE_THRESHOLD"),
		HighDeviationWarnPercent: viper.GetFloat64("TRAVELTIME_HIGH_DEVIATION_WARN_PERCENT"),
	}

	return cfg, nil
}
