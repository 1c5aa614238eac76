package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nadmax/estimo/internal/api"
	"github.com/nadmax/estimo/internal/app"
	"github.com/nadmax/estimo/internal/classifier"
	"github.com/nadmax/estimo/internal/config"
	"github.com/nadmax/estimo/internal/dashboard"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/middleware"
	"github.com/nadmax/estimo/internal/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "estimo-server",
	Short: "Serve task duration and tag predictions over gRPC and HTTP",
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

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $"+config.ConfigPathEnv+")")
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

	var tags rpc.TagClassifier
	if dir := cfg.Classifier.ArtifactsDir; dir != "" {
		c, err := classifier.LoadArtifacts(dir)
		if err != nil {
			return err
		}
		tags = c
		log.Info("tag classifier loaded", "dir", dir, "tags", len(c.TagsList()))
	} else {
		log.Warn("no classifier artifacts configured, tag prediction disabled")
	}

	handler := rpc.NewHandler(stores.Service(log), tags, log)

	grpcServer := rpc.NewServer(handler, log)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api.NewAPI(handler, dashboard.NewDashboard(stores.Repo), log))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:           middleware.RequestID(middleware.MetricsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go startMetricsCollector(ctx, stores.Repo, log)

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server starting", "addr", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		log.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down HTTP server", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	return nil
}
