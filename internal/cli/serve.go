package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/api"
	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/ChuLiYu/stagecoach/internal/dispatch"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func buildServeCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator with its HTTP and gRPC endpoints",
		Long: `Recover state from the snapshot and WAL, then serve:
  HTTP  (gin)  progress, tokens, callbacks, routing and /metrics
  gRPC         stagecoach.v1.Coordinator for workers and the CLI`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}()

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	opts := api.Options{Authorizer: app.Authorizer}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler(app.Registry)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(api.NewHandler(app.Coordinator), opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(app.Coordinator, app.Authorizer)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	grpcCtx, cancelGRPC := context.WithCancel(ctx)
	grpcDone := make(chan struct{})
	defer func() {
		cancelGRPC()
		<-grpcDone
	}()
	go func() {
		defer close(grpcDone)
		if err := server.Serve(grpcCtx, grpcSrv, cfg.GRPC.Addr); err != nil {
			errCh <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"pipelines":   len(app.Coordinator.Pipelines()),
		"bus":         cfg.Bus.Driver,
		"dispatch":    cfg.Dispatch.Enabled,
	}).Info("stagecoach started")

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, stopping gracefully")
	case err = <-errCh:
		log.WithError(err).Error("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP shutdown")
	}
	// app.Close runs after the gRPC server has drained
	cancelGRPC()
	<-grpcDone
	return err
}

func buildWorkerCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume deferred work from the asynq queue",
		Long: `Run processors for deferred stages. Each finished item is redeemed
against the coordinator over gRPC with the token it carries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := server.Dial(cfg.Orchestrator.CoordinatorURL, nil, server.WithCredential(cfg.Auth.Token))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, client)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, redeemer dispatch.Redeemer) error {
	srv := dispatch.NewServer(
		dispatch.RedisOpt(cfg.Dispatch.Redis.Address, cfg.Dispatch.Redis.Password, cfg.Dispatch.Redis.DB),
		dispatch.ServerConfig{Concurrency: cfg.Dispatch.Concurrency, Queues: cfg.Dispatch.Queues},
	)
	h := dispatch.NewHandler(redeemer)
	if err := srv.Start(dispatch.NewServeMux(h)); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"redis":       cfg.Dispatch.Redis.Address,
		"concurrency": cfg.Dispatch.Concurrency,
		"processors":  h.Processors(),
	}).Info("worker started")

	<-ctx.Done()
	log.Info("stopping worker")
	srv.Shutdown()
	return nil
}
