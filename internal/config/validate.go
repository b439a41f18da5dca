package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/sirupsen/logrus"
)

// Validate checks required fields and ranges. An unrecognized environment
// is accepted but logged.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return errors.New("environment is required")
	}
	if !bus.IsRecognized(c.Environment) {
		log.WithFields(logrus.Fields{
			"environment": c.Environment,
			"recognized":  bus.Environments,
		}).Warn("non-standard environment")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Storage.WALPath == "" {
		return errors.New("storage.wal_path is required")
	}
	if c.Storage.SnapshotPath == "" {
		return errors.New("storage.snapshot_path is required")
	}
	if c.Storage.SnapshotInterval <= 0 {
		return errors.New("storage.snapshot_interval must be positive")
	}
	if c.Storage.SnapshotBackups < 0 {
		return errors.New("storage.snapshot_backups must not be negative")
	}

	if c.Tokens.DefaultTTL <= 0 {
		return errors.New("tokens.default_ttl must be positive")
	}
	if c.Tokens.SweepInterval <= 0 {
		return errors.New("tokens.sweep_interval must be positive")
	}

	if c.Bus.Prefix == "" {
		return errors.New("bus.prefix is required")
	}
	switch c.Bus.Driver {
	case "memory":
	case "nats":
		if c.Bus.NATS.URL == "" {
			return errors.New("bus.nats.url is required when bus.driver is nats")
		}
	default:
		return fmt.Errorf("bus.driver must be memory or nats, got %q", c.Bus.Driver)
	}

	if c.Dispatch.Enabled {
		if c.Dispatch.Redis.Address == "" {
			return errors.New("dispatch.redis.address is required when dispatch is enabled")
		}
		if c.Dispatch.Concurrency <= 0 {
			return errors.New("dispatch.concurrency must be a positive integer")
		}
		if len(c.Dispatch.Queues) == 0 {
			return errors.New("dispatch.queues must define at least one queue")
		}
		for name, priority := range c.Dispatch.Queues {
			if name == "" {
				return errors.New("dispatch.queues contains an empty queue name")
			}
			if priority <= 0 {
				return fmt.Errorf("dispatch.queues.%s priority must be positive", name)
			}
		}
	}

	switch c.Archive.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required when archive.driver is %s", c.Archive.Driver)
		}
	default:
		return fmt.Errorf("archive.driver must be postgres or sqlite, got %q", c.Archive.Driver)
	}

	switch c.Router.DefaultPayload {
	case router.PayloadForward, router.PayloadLiteral:
	default:
		return fmt.Errorf("router.default_payload must be forward or literal, got %q", c.Router.DefaultPayload)
	}

	if c.Orchestrator.Workers <= 0 {
		return errors.New("orchestrator.workers must be a positive integer")
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return errors.New("orchestrator.max_attempts must be a positive integer")
	}
	if c.Orchestrator.DeferredPoll <= 0 {
		return errors.New("orchestrator.deferred_poll must be positive")
	}
	return nil
}

// ConfigureLogging applies log.level and log.format to the standard logrus
// logger.
func (c *Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
