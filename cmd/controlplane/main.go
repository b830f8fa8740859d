package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/config"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

// loadEnv loads the first .env found in the working directory or its parents
func loadEnv() {
	envPaths := []string{".env", "../../.env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}

func main() {
	loadEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideStore,
			ProvideMetrics,
			ProvideValidator,
			ProvideSigner,
			ProvideHub,
			ProvideBroker,
			ProvideEventSink,
			ProvideTransport,
			ProvideRules,
			ProvideAlertEngine,
			ProvideCommandService,
			ProvideTelemetryService,
			ProvideRegistryService,
			ProvideRetryQueue,
			ProvideWebhookService,
			ProvideRouter,
		),
		fx.Invoke(
			startHTTPServer,
			startBackgroundTasks,
			startTelemetryBridge,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startupLogger, _ := logging.NewLogger("water-meter-control-plane")
	startupLogger.Info("starting application...", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			startupLogger.Error("application start timed out, a dependency (database, rabbitmq or redis) is probably unreachable")
		}
		startupLogger.Fatal("application failed to start", zap.Error(err))
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		startupLogger.Error("error stopping app", zap.Error(err))
	}
}
