package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/cluster"
	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/storage"
)

func main() {
	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("cluster.worker_binary", "./worker")
	viper.SetDefault("storage.path", "cluster.db")
	viper.SetDefault("log.level", "info")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	// Initialize logger at the configured level
	level, err := zap.ParseAtomicLevel(viper.GetString("log.level"))
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = level
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	// Create worker record store
	store, err := storage.NewSQLiteClusterStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to create cluster store", zap.Error(err))
	}
	defer store.Close()

	// Build supervisor
	config := cluster.Config{
		CPULimit:            viper.GetInt("cluster.cpu_limit"),
		LoadBalanceStrategy: model.BalancingStrategyName(viper.GetString("cluster.load_balance_strategy")),
		MinWorkers:          viper.GetInt("cluster.min_workers"),
		MaxWorkers:          viper.GetInt("cluster.max_workers"),
		ScaleUpThreshold:    viper.GetFloat64("cluster.scale_up_threshold"),
		ScaleDownThreshold:  viper.GetFloat64("cluster.scale_down_threshold"),
		ScaleCheckInterval:  viper.GetDuration("cluster.scale_check_interval"),
		AutoScaling:         viper.GetBool("cluster.auto_scaling"),
		GracePeriod:         viper.GetDuration("cluster.grace_period"),
		RestartDelay:        viper.GetDuration("cluster.restart_delay"),
		MetricsInterval:     viper.GetDuration("cluster.metrics_interval"),
		WorkerBinary:        viper.GetString("cluster.worker_binary"),
		RetentionAge:        viper.GetDuration("cluster.retention_age"),
	}

	supervisor, err := cluster.NewSupervisor(config, nc, store, logger)
	if err != nil {
		logger.Fatal("Failed to create supervisor", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal("Failed to start supervisor", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Periodically log pool status
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := supervisor.Metrics()
				logger.Info("Cluster status",
					zap.Int("running_workers", supervisor.Pool().RunningCount()),
					zap.Int("live_workers", supervisor.Pool().LiveCount()),
					zap.Float64("avg_cpu_usage", m.AvgCPUUsage),
					zap.Float64("avg_memory_usage", m.AvgMemoryUsage),
					zap.Float64("avg_load", m.AvgLoad))
			}
		}
	}()

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	supervisor.Stop(shutdownCtx)

	// Give workers a chance to exit before the process goes away; each one
	// carries its own grace-period escalation.
	deadline := time.After(viper.GetDuration("cluster.grace_period") + 2*time.Second)
	for supervisor.Pool().LiveCount() > 0 {
		select {
		case <-deadline:
			logger.Warn("Shutdown timeout reached, some workers may have been killed",
				zap.Int("live_workers", supervisor.Pool().LiveCount()))
			logger.Info("Supervisor shutting down")
			return
		case <-time.After(200 * time.Millisecond):
		}
	}

	logger.Info("Supervisor shutting down gracefully")
}
