package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/config"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/mq"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/schedule"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startHTTPServer(lc fx.Lifecycle, handler http.Handler, cfg *config.Config, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			logger.Info("shutting down http server")
			return srv.Shutdown(shutdownCtx)
		},
	})

	return srv
}

func startBackgroundTasks(
	lc fx.Lifecycle,
	store Store,
	commands *command.Service,
	engine *alerts.Engine,
	webhooks *webhook.Service,
	cfg *config.Config,
	logger *zap.Logger,
) {
	group := schedule.NewGroup()
	watchdog := alerts.NewWatchdog(store, engine, cfg.Alerts.CommunicationTimeout, logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			group.Go("command-expiry", cfg.Commands.SweepInterval, logger, func(ctx context.Context) error {
				_, err := commands.Sweep(ctx)
				return err
			})
			group.Go("communication-watchdog", cfg.Alerts.WatchdogInterval, logger, func(ctx context.Context) error {
				_, err := watchdog.Check(ctx)
				return err
			})
			group.Go("webhook-retry", cfg.Webhook.SweepInterval, logger, func(ctx context.Context) error {
				_, err := webhooks.Sweep(ctx)
				return err
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping background tasks")
			return group.Stop(ctx)
		},
	})
}

// startTelemetryBridge consumes broker-delivered readings when a broker is configured
func startTelemetryBridge(
	lc fx.Lifecycle,
	conn *mq.Connection,
	readings *telemetry.Service,
	cfg *config.Config,
	logger *zap.Logger,
) error {
	if conn == nil {
		return nil
	}

	bridge := mq.NewBridge(readings, logger)
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       bridge.HandleMessage,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("telemetry bridge configured",
		zap.String("queue", cfg.RabbitMQ.IngestQueue),
		zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount),
	)
	consumer.RegisterLifecycle(lc, ctx)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return nil
}
