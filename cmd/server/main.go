package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"machine-monitor/internal/analytics"
	"machine-monitor/internal/cache"
	"machine-monitor/internal/config"
	"machine-monitor/internal/generator"
	"machine-monitor/internal/handlers"
	"machine-monitor/internal/logging"
	"machine-monitor/internal/monitor"
	"machine-monitor/internal/stream"
	"machine-monitor/internal/window"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCommand без подкоманды запускает сервер
func rootCommand() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		return run(cfg)
	}

	root := &cobra.Command{
		Use:          "machine-monitor",
		Short:        "Machine metrics aggregation and anomaly detection service",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"),
		"path to YAML configuration file (env CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server and the sample source",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration, then print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	return root
}

func run(cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting machine monitor service...",
		zap.String("sample_source", cfg.SampleSource),
		zap.Int("machines", len(cfg.MachineIDs())),
		zap.Int("window_size", cfg.WindowSize))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis опционален: без него анализ работает только из памяти
	opts := monitor.Options{
		Workers:         cfg.AnalysisWorkers,
		AnalysisTimeout: cfg.AnalysisTimeout,
		MaxClockSkew:    cfg.MaxClockSkew,
		Logger:          logger.Named("monitor"),
	}
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisCache, err := cache.NewRedisCache(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MetricsRetention)
		cancel()
		if err != nil {
			logger.Warn("Redis mirror disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			defer redisCache.Close()
			opts.Mirror = redisCache
			logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	store := window.NewStore(cfg.WindowSize)
	scorer := analytics.NewScorer(analytics.ScorerConfig{
		NumTrees:      cfg.NumTrees,
		SubsampleSize: cfg.SubsampleSize,
		Seed:          cfg.ScorerSeed,
		Contamination: cfg.Contamination,
		MinSamples:    cfg.MinSamples,
		ConfirmSigma:  cfg.ConfirmSigma,
		DecisiveScore: cfg.DecisiveScore,
	})
	policy := analytics.HealthPolicy{
		WarningPercent:  cfg.WarningPercent,
		CriticalPercent: cfg.CriticalPercent,
	}
	orch := analytics.NewOrchestrator(store, scorer, policy, logger.Named("analytics"))
	hub := stream.NewHub(cfg.SubscriberBuffer, logger.Named("stream"))

	mon := monitor.New(store, orch, hub, opts)
	mon.Start()
	defer mon.Stop()

	machines := cfg.MachineIDs()
	for _, id := range machines {
		mon.RegisterMachine(id)
	}

	var runner *generator.Runner
	if cfg.SampleSource == config.SourceHost {
		runner = generator.NewRunner(generator.NewHostSource(cfg.HostMachineID), mon,
			machines, cfg.MetricsUpdateInterval, logger.Named("host"))
	} else {
		runner = generator.NewRunner(generator.NewSynthetic(nil, time.Now().UnixNano()), mon,
			machines, cfg.MetricsUpdateInterval, logger.Named("generator"))
		// синтетическая история, чтобы анализ был доступен сразу
		if err := runner.Seed(cfg.InitialSamples); err != nil {
			return fmt.Errorf("failed to seed initial samples: %w", err)
		}
	}
	go runner.Run(ctx)

	handler := handlers.NewHandler(mon, cfg.AllowedOrigins, logger.Named("http"))
	router := handler.Router()
	router.Handle("/prometheus", promhttp.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     corsHandler.Handler(router),
		ReadTimeout: 10 * time.Second,
		// WriteTimeout не задаем: WebSocket соединения живут долго
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Периодическое обновление метрик
	go updateMetrics(ctx, mon)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// закрываем подписки до Shutdown: WebSocket обработчики завершатся сами
	mon.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// updateMetrics периодически обновляет метрики
func updateMetrics(ctx context.Context, mon *monitor.Monitor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.UpdateGauges()
		}
	}
}
