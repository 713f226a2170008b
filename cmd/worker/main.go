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

	"github.com/t77yq/cluster-supervisor/internal/worker"
)

func main() {
	workerID := os.Getenv("CLUSTER_WORKER_ID")
	if workerID == "" {
		log.Fatal("CLUSTER_WORKER_ID environment variable is required")
	}
	natsURL := os.Getenv("CLUSTER_NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	viper.SetEnvPrefix("cluster")
	viper.AutomaticEnv()
	viper.SetDefault("heartbeat_interval", 10*time.Second)

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("worker_id", workerID))

	nc, err := nats.Connect(natsURL,
		nats.Name("cluster-worker-"+workerID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM from the supervisor's kill path also ends the agent loop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	agent := worker.NewAgent(workerID, nc, viper.GetDuration("heartbeat_interval"), logger)
	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Worker agent stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Worker exiting")
}
