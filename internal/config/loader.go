package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rpattn/flagstate/internal/db"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. FLAGSTATE_DATABASE_HOST.
const EnvPrefix = "FLAGSTATE"

// Config is the full service configuration.
type Config struct {
	Database  db.Config
	Server    ServerConfig
	Cache     CacheConfig
	Revision  RevisionConfig
	Log       LogConfig
	ReadModel ReadModelConfig
	CORS      CORSConfig

	// ConfigFile is the file that was read, empty when running on defaults and env.
	ConfigFile string
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// CacheConfig controls memoization of client feature responses.
type CacheConfig struct {
	Enabled bool
	MaxAge  time.Duration
	Size    int
}

type RevisionConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type ReadModelConfig struct {
	DedupeDependencies bool
}

type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":4242",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxAge:  time.Hour,
			Size:    1024,
		},
		Revision: RevisionConfig{
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

var boundKeys = []string{
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.max_conns",
	"database.min_conns",
	"database.max_conn_lifetime",
	"database.max_conn_idle_time",
	"database.health_check_period",
	"database.retry_attempts",
	"database.retry_interval",
	"server.addr",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"cache.enabled",
	"cache.max_age",
	"cache.size",
	"revision.interval",
	"log.level",
	"log.format",
	"readmodel.dedupe_dependencies",
	"cors.allowed_origins",
	"cors.allow_credentials",
}

// Load reads config.yaml from configPath (when present), then .env and
// FLAGSTATE_* environment variables, on top of DefaultConfig.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else {
			cfg.ConfigFile = v.ConfigFileUsed()
		}
	}

	applyDatabase(v, &cfg.Database)

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	setDuration(v, "server.read_timeout", &cfg.Server.ReadTimeout)
	setDuration(v, "server.write_timeout", &cfg.Server.WriteTimeout)
	setDuration(v, "server.idle_timeout", &cfg.Server.IdleTimeout)
	setDuration(v, "server.shutdown_timeout", &cfg.Server.ShutdownTimeout)

	if v.IsSet("cache.enabled") {
		cfg.Cache.Enabled = v.GetBool("cache.enabled")
	}
	setDuration(v, "cache.max_age", &cfg.Cache.MaxAge)
	if v.IsSet("cache.size") {
		cfg.Cache.Size = v.GetInt("cache.size")
	}

	setDuration(v, "revision.interval", &cfg.Revision.Interval)

	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = v.GetString("log.format")
	}

	if v.IsSet("readmodel.dedupe_dependencies") {
		cfg.ReadModel.DedupeDependencies = v.GetBool("readmodel.dedupe_dependencies")
	}

	if v.IsSet("cors.allowed_origins") {
		cfg.CORS.AllowedOrigins = splitList(v.GetStringSlice("cors.allowed_origins"))
	}
	if v.IsSet("cors.allow_credentials") {
		cfg.CORS.AllowCredentials = v.GetBool("cors.allow_credentials")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDBConfig returns only the database section.
func LoadDBConfig(configPath string) (db.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return db.Config{}, err
	}
	return cfg.Database, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database.port out of range: %d", c.Database.Port))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("database.max_conns must be positive"))
	}
	if c.Revision.Interval < time.Second {
		errs = append(errs, fmt.Errorf("revision.interval must be at least 1s, got %s", c.Revision.Interval))
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("cache.size must be positive when cache is enabled"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func applyDatabase(v *viper.Viper, cfg *db.Config) {
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.MaxConns = v.GetInt32("database.max_conns")
	}
	if v.IsSet("database.min_conns") {
		cfg.MinConns = v.GetInt32("database.min_conns")
	}
	setDuration(v, "database.max_conn_lifetime", &cfg.MaxConnLifetime)
	setDuration(v, "database.max_conn_idle_time", &cfg.MaxConnIdleTime)
	setDuration(v, "database.health_check_period", &cfg.HealthCheckPeriod)
	if v.IsSet("database.retry_attempts") {
		cfg.RetryAttempts = v.GetInt("database.retry_attempts")
	}
	setDuration(v, "database.retry_interval", &cfg.RetryInterval)
}

func setDuration(v *viper.Viper, key string, target *time.Duration) {
	if v.IsSet(key) {
		*target = v.GetDuration(key)
	}
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
