package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var log = logrus.WithField("component", "config")

// EnvPrefix is the prefix for environment overrides, e.g.
// STAGECOACH_HTTP_ADDR overrides http.addr.
const EnvPrefix = "STAGECOACH"

// DefaultPath is where Load looks when no file is given.
const DefaultPath = "configs/stagecoach.yaml"

type Config struct {
	Environment string `mapstructure:"environment"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Storage struct {
		WALPath          string        `mapstructure:"wal_path"`
		SnapshotPath     string        `mapstructure:"snapshot_path"`
		SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
		SnapshotBackups  int           `mapstructure:"snapshot_backups"`
		SyncOnAppend     bool          `mapstructure:"sync_on_append"`
		BufferSize       int           `mapstructure:"buffer_size"`
		FlushInterval    time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"storage"`

	Tokens struct {
		DefaultTTL    time.Duration `mapstructure:"default_ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		Retention     time.Duration `mapstructure:"retention"` // settled records older than this are pruned
		FailOnExpiry  bool          `mapstructure:"fail_on_expiry"`
	} `mapstructure:"tokens"`

	Bus struct {
		Driver string `mapstructure:"driver"` // "memory" or "nats"
		Prefix string `mapstructure:"prefix"`
		Source string `mapstructure:"source"`
		NATS   struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"nats"`
	} `mapstructure:"bus"`

	Dispatch struct {
		Enabled     bool           `mapstructure:"enabled"`
		Queue       string         `mapstructure:"queue"`
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
		MaxRetry    int            `mapstructure:"max_retry"`
		Redis       struct {
			Address  string `mapstructure:"address"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"dispatch"`

	Archive struct {
		Driver string `mapstructure:"driver"` // "", "postgres" or "sqlite"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"archive"`

	Auth struct {
		Token    string        `mapstructure:"token"` // empty disables auth
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"auth"`

	Router router.Config `mapstructure:"router"`

	Orchestrator struct {
		Workers        int           `mapstructure:"workers"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		Backoff        time.Duration `mapstructure:"backoff"`
		DeferredWait   time.Duration `mapstructure:"deferred_wait"`
		DeferredPoll   time.Duration `mapstructure:"deferred_poll"`
		DeferredTTL    time.Duration `mapstructure:"deferred_ttl"`
		StageTimeout   time.Duration `mapstructure:"stage_timeout"`
		CoordinatorURL string        `mapstructure:"coordinator_url"` // gRPC target for remote clients
	} `mapstructure:"orchestrator"`

	// Pipelines lists extra YAML pipeline files loaded next to the built-ins.
	Pipelines []string `mapstructure:"pipelines"`
}

// Namespace is the bus namespace "<prefix>-<environment>".
func (c *Config) Namespace() string {
	return c.Bus.Prefix + "-" + c.Environment
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("storage.wal_path", "data/stagecoach.wal")
	v.SetDefault("storage.snapshot_path", "data/snapshot.json")
	v.SetDefault("storage.snapshot_interval", 30*time.Second)
	v.SetDefault("storage.snapshot_backups", 2)
	v.SetDefault("storage.sync_on_append", true)
	v.SetDefault("storage.buffer_size", 256)
	v.SetDefault("storage.flush_interval", time.Second)

	v.SetDefault("tokens.default_ttl", 15*time.Minute)
	v.SetDefault("tokens.sweep_interval", 5*time.Second)
	v.SetDefault("tokens.retention", 24*time.Hour)
	v.SetDefault("tokens.fail_on_expiry", false)

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.prefix", "pipeline")
	v.SetDefault("bus.source", "stagecoach")
	v.SetDefault("bus.nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("dispatch.enabled", false)
	v.SetDefault("dispatch.queue", "stagecoach")
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.queues", map[string]int{"stagecoach": 1})
	v.SetDefault("dispatch.max_retry", 3)
	v.SetDefault("dispatch.redis.address", "127.0.0.1:6379")

	v.SetDefault("auth.cache_ttl", time.Minute)

	v.SetDefault("router.field", router.DefaultField)
	v.SetDefault("router.default_branch", router.DefaultBranch)
	v.SetDefault("router.default_payload", string(router.PayloadForward))
	v.SetDefault("router.literal", router.DefaultLiteral)

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.backoff", 200*time.Millisecond)
	v.SetDefault("orchestrator.deferred_wait", 5*time.Minute)
	v.SetDefault("orchestrator.deferred_poll", 250*time.Millisecond)
	v.SetDefault("orchestrator.deferred_ttl", 15*time.Minute)
	v.SetDefault("orchestrator.stage_timeout", time.Minute)
	v.SetDefault("orchestrator.coordinator_url", "127.0.0.1:9090")
}

// New returns a viper instance with defaults and env bindings applied.
// path may be empty; a missing file is not an error.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stagecoach")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the bare ENVIRONMENT variable is honoured too
	_ = v.BindEnv("environment", EnvPrefix+"_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("auth.token", EnvPrefix+"_AUTH_TOKEN")
	return v
}

// Load reads the config file (if any), applies env overrides and validates.
func Load(path string) (*Config, error) {
	return LoadFrom(New(path))
}

// LoadFrom decodes an already prepared viper instance. CLI flags bound to
// v take precedence over file and env.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("config file not found, using defaults and env")
	} else {
		log.WithField("file", v.ConfigFileUsed()).Debug("using config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
