package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/estimo/internal/app"
	"github.com/nadmax/estimo/internal/config"
	"github.com/nadmax/estimo/internal/ingest"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	workerID string
)

var rootCmd = &cobra.Command{
	Use:   "estimo-worker",
	Short: "Apply task upserts and deletes from Kafka to the task store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		log, err := logger.New(cfg.Server.LogMode)
		if err != nil {
			return err
		}
		defer log.Sync()

		if workerID == "" {
			workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $"+config.ConfigPathEnv+")")
	rootCmd.Flags().StringVar(&workerID, "id", os.Getenv("WORKER_ID"), "worker id used in logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	stores, err := app.OpenStores(cfg, log)
	if err != nil {
		return err
	}

	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("failed to close stores", "error", err)
		}
	}()

	svc := stores.Service(log)
	consumer := ingest.NewConsumer(workerID, log)

	consumer.Register(cfg.Kafka.Topic, ingest.NewKafkaReader(ingest.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   cfg.Kafka.Topic,
	}), ingest.UpsertHandler(svc))
	consumer.Register(cfg.Kafka.DeleteTopic, ingest.NewKafkaReader(ingest.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   cfg.Kafka.DeleteTopic,
	}), ingest.DeleteHandler(svc))

	log.Info("worker starting",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"delete_topic", cfg.Kafka.DeleteTopic,
	)

	consumer.Start(ctx)

	log.Info("shutting down worker")
	return consumer.Close()
}
