package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/agnxi/agnxi/internal/api"
	"github.com/agnxi/agnxi/internal/config"
	"github.com/agnxi/agnxi/internal/dispatch"
	"github.com/agnxi/agnxi/internal/executor"
	"github.com/agnxi/agnxi/internal/limits"
	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/observability"
	"github.com/agnxi/agnxi/internal/queue"
	"github.com/agnxi/agnxi/internal/store"
	"github.com/agnxi/agnxi/internal/worker"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr  string
		queueMode string
		logLevel  string
		noAuth    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agnxi service",
		Long:  "Run the REST API, dispatch consumers, reconciliation sweep, and worker endpoint in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("queue-mode") {
				cfg.Queue.Mode = queueMode
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cfg.Worker.InvokeURL == "" {
				cfg.Worker.InvokeURL = "http://localhost" + cfg.Server.HTTPAddr + "/internal/worker/invoke"
			}
			if cfg.Worker.Secret == "" && !noAuth {
				return fmt.Errorf("worker secret is not configured; set AGNXI_WORKER_SECRET or run with --no-auth for development")
			}

			logging.Init(cfg.Server.LogFormat, cfg.Server.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: cfg.Telemetry.ServiceName,
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			pgStore, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pgStore.Close()

			resolver := limits.NewResolver(pgStore, cfg.Limits)

			deliverer := queue.NewDeliverer(cfg.Worker.InvokeURL, cfg.Worker.Secret)

			var transport queue.Transport
			var consumer *queue.Consumer
			var redisClient *redis.Client
			switch cfg.Queue.Mode {
			case "redis":
				redisClient = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				if err := redisClient.Ping(context.Background()).Err(); err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				transport = queue.NewRedisTransport(redisClient)
				consumer = queue.NewConsumer(redisClient, deliverer, queue.ConsumerConfig{
					Workers:       cfg.Queue.Consumers,
					PollInterval:  cfg.Queue.PollInterval,
					MaxDeliveries: cfg.Queue.MaxDeliveries,
				})
				consumer.Start()
				defer consumer.Stop()
				logging.Op().Info("redis dispatch queue enabled", "addr", cfg.Redis.Addr, "consumers", cfg.Queue.Consumers)
			case "noop":
				transport = queue.NewNoopTransport()
				logging.Op().Warn("dispatch transport disabled, invocations will stay queued")
			default:
				transport = queue.NewDirectTransport(deliverer)
				logging.Op().Info("direct dispatch enabled", "invoke_url", cfg.Worker.InvokeURL)
			}
			defer transport.Close()

			sweeper := dispatch.NewSweeper(pgStore, transport, cfg.Queue.SweepInterval, cfg.Queue.SweepMinAge)
			sweeper.Start()
			defer sweeper.Stop()

			var exec executor.AgentExecutor
			if cfg.Worker.ExecutorURL != "" {
				exec = executor.NewHTTPExecutor(cfg.Worker.ExecutorURL, cfg.Worker.Secret)
				logging.Op().Info("agent executor configured", "url", cfg.Worker.ExecutorURL)
			} else {
				logging.Op().Warn("no agent executor configured, running simulated execution")
			}

			invoker := worker.NewInvoker(pgStore, resolver, exec)
			workerHandler := &worker.Handler{
				Invoker:              invoker,
				Secret:               cfg.Worker.Secret,
				AllowUnauthenticated: noAuth,
			}
			if cfg.Worker.Secret == "" {
				logging.Op().Warn("worker endpoint running without delivery authentication")
			}

			dispatcher := dispatch.New(pgStore, resolver, transport)
			handler := &api.Handler{
				Store:      pgStore,
				Dispatcher: dispatcher,
				Limits:     resolver,
			}

			server := api.StartHTTPServer(cfg.Server.HTTPAddr, api.ServerConfig{
				Handler:     handler,
				Worker:      workerHandler,
				AuthEnabled: !noAuth,
				APIKeys:     pgStore,
			})
			logging.Op().Info("agnxi serving", "addr", cfg.Server.HTTPAddr, "queue_mode", cfg.Queue.Mode)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logging.Op().Error("server shutdown error", "error", err)
			}
			if redisClient != nil {
				redisClient.Close()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&queueMode, "queue-mode", "direct", "Dispatch transport (redis, direct, noop)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication (development only)")

	return cmd
}
