package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/internal/archive"
	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/ChuLiYu/stagecoach/internal/coordinator"
	"github.com/ChuLiYu/stagecoach/internal/dispatch"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/orchestrator"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/internal/storage/wal"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "cli")

// App is a started coordinator plus everything it owns.
type App struct {
	Config      *config.Config
	Coordinator *coordinator.Coordinator
	Registry    *prometheus.Registry
	Metrics     *metrics.Collector
	Bus         interface {
		bus.Publisher
		bus.Subscriber
	}
	Authorizer auth.Authorizer
	Dispatcher stage.WorkDispatcher

	local   *dispatch.Local
	closers []func() error
}

// LoadPipelines returns the built-ins plus every configured pipeline file.
func LoadPipelines(paths []string) (pipeline.Set, error) {
	all := pipeline.Builtins()
	for _, path := range paths {
		ps, err := pipeline.Load(path)
		if err != nil {
			return nil, err
		}
		all = append(all, ps...)
	}
	return pipeline.NewSet(all...)
}

// NewApp wires the configured components and starts the coordinator,
// which recovers from the snapshot and WAL before returning.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	pipes, err := LoadPipelines(cfg.Pipelines)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipelines: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)

	namespace := cfg.Namespace()
	switch cfg.Bus.Driver {
	case "nats":
		nb, err := bus.DialNATS(cfg.Bus.NATS.URL, namespace)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nb.Close)
		a.Bus = nb
	default:
		a.Bus = bus.NewMemory(namespace)
	}

	opts := []coordinator.Option{
		coordinator.WithPublisher(a.Bus),
		coordinator.WithSubscriber(a.Bus),
		coordinator.WithMetrics(a.Metrics),
	}

	if cfg.Archive.Driver != "" {
		arc, err := archive.Open(ctx, cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		a.closers = append(a.closers, arc.Close)
		opts = append(opts, coordinator.WithArchive(arc))
	}

	rt, err := router.New(cfg.Router)
	if err != nil {
		return nil, err
	}
	opts = append(opts, coordinator.WithRouter(rt))

	coord, err := coordinator.New(coordinator.Config{
		WALPath: cfg.Storage.WALPath,
		WAL: wal.Options{
			SyncOnAppend:  cfg.Storage.SyncOnAppend,
			BufferSize:    cfg.Storage.BufferSize,
			FlushInterval: cfg.Storage.FlushInterval,
		},
		SnapshotPath:     cfg.Storage.SnapshotPath,
		SnapshotInterval: cfg.Storage.SnapshotInterval,
		SnapshotBackups:  cfg.Storage.SnapshotBackups,
		DefaultTTL:       cfg.Tokens.DefaultTTL,
		SweepInterval:    cfg.Tokens.SweepInterval,
		Retention:        cfg.Tokens.Retention,
		FailOnExpiry:     cfg.Tokens.FailOnExpiry,
		Namespace:        namespace,
		Source:           cfg.Bus.Source,
	}, pipes, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(); err != nil {
		_ = coord.Stop()
		return nil, fmt.Errorf("failed to start coordinator: %w", err)
	}
	a.Coordinator = coord

	a.Authorizer = NewAuthorizer(cfg)

	if cfg.Dispatch.Enabled {
		client := asynq.NewClient(dispatch.RedisOpt(cfg.Dispatch.Redis.Address, cfg.Dispatch.Redis.Password, cfg.Dispatch.Redis.DB))
		a.closers = append(a.closers, client.Close)
		a.Dispatcher = dispatch.NewAsynqDispatcher(client, cfg.Dispatch.Queue, cfg.Dispatch.MaxRetry)
	} else {
		a.local = &dispatch.Local{Handler: dispatch.NewHandler(coord)}
		a.Dispatcher = a.local
	}

	ok = true
	return a, nil
}

// NewAuthorizer returns AllowAll when no credential is configured.
func NewAuthorizer(cfg *config.Config) auth.Authorizer {
	if cfg.Auth.Token == "" {
		return auth.AllowAll{}
	}
	return auth.NewCaching(auth.NewStatic(cfg.Auth.Token, int(cfg.Auth.CacheTTL.Seconds())))
}

// NewOrchestrator registers the stock executors: every stage emits its
// declared status through the bus, and deferred stages hand work to the
// app's dispatcher.
func (a *App) NewOrchestrator() *orchestrator.Orchestrator {
	oc := a.Config.Orchestrator
	o := orchestrator.New(a.Coordinator, orchestrator.Config{
		Workers:      oc.Workers,
		MaxAttempts:  oc.MaxAttempts,
		Backoff:      oc.Backoff,
		DeferredWait: oc.DeferredWait,
		DeferredPoll: oc.DeferredPoll,
		StageTimeout: oc.StageTimeout,
	},
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithDefault(&stage.Publishing{
			Next:      stage.Static{},
			Publisher: a.Bus,
			Namespace: a.Config.Namespace(),
			Source:    a.Config.Bus.Source,
		}),
	)

	deferred := stage.Deferring{Issuer: a.Coordinator, Dispatcher: a.Dispatcher, Work: "echo", TTL: oc.DeferredTTL}
	for _, p := range a.Coordinator.Pipelines() {
		for _, st := range p.Stages {
			if st.Deferred {
				o.Register(p.Name, string(st.Name), deferred)
			}
		}
	}
	return o
}

// Close stops the coordinator (writing a final snapshot) and releases
// everything else in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.local != nil {
		a.local.Wait()
	}
	if a.Coordinator != nil {
		if err := a.Coordinator.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
