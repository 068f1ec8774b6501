// Command gurukul-server runs the orchestration core: the task gateway,
// worker pool, and upstream integration layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vedanthundare/Gurukul-sub002/internal/config"
	"github.com/vedanthundare/Gurukul-sub002/internal/gateway"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/lessonstore"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/observability"
	"github.com/vedanthundare/Gurukul-sub002/internal/orchestrator"
	"github.com/vedanthundare/Gurukul-sub002/internal/progress"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gurukul-server",
		Short: "Gurukul orchestration core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gurukul-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local overrides from .env, if present.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logger := logging.NewComponentLogger("server")

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	regOpts := []registry.Option{
		registry.WithTTL(cfg.Registry.TTL),
		registry.WithMaxTasks(cfg.Registry.MaxTasks),
		registry.WithLogger(logging.NewComponentLogger("registry")),
	}
	var lessonOpts []lessonstore.StoreOption
	var trackerOpts []progress.TrackerOption
	if cfg.Registry.DataDir != "" {
		regOpts = append(regOpts, registry.WithPersistencePath(cfg.Registry.DataDir+"/tasks.json"))
		lessonOpts = append(lessonOpts, lessonstore.WithPersistencePath(cfg.Registry.DataDir+"/lessons.json"))
		trackerOpts = append(trackerOpts, progress.WithPersistencePath(cfg.Registry.DataDir+"/progress.json"))
	}
	reg := registry.New(regOpts...)

	kindConfigs, err := cfg.KindConfigs()
	if err != nil {
		return err
	}
	pool := workerpool.New(reg, kindConfigs,
		workerpool.WithPoolLogger(logging.NewComponentLogger("pool")),
		workerpool.WithExecutionObserver(func(kind registry.Kind, outcome string, d time.Duration) {
			metrics.RecordTaskExecution(context.Background(), string(kind), outcome, d)
		}),
	)

	clientOpts := []upstream.ClientOption{
		upstream.WithDefaultConfig(cfg.Upstreams.Default),
		upstream.WithClientLogger(logging.NewComponentLogger("upstream")),
		upstream.WithObserver(func(rec upstream.CallRecord) {
			metrics.RecordUpstreamCall(context.Background(),
				rec.Service, string(rec.Status), rec.EndedAt.Sub(rec.StartedAt))
		}),
	}
	for key, epCfg := range cfg.Upstreams.Endpoints {
		clientOpts = append(clientOpts, upstream.WithServiceConfig(key, epCfg))
	}
	client := upstream.NewClient(cfg.Upstreams.BaseURLs, clientOpts...)

	composer := lesson.NewComposer(
		upstream.NewKnowledgeClient(client),
		upstream.NewEncyclopediaClient(client),
		lesson.WithEncyclopediaCache(256),
		lesson.WithComposerLogger(logging.NewComponentLogger("lesson")),
	)
	lessons := lessonstore.New(append(lessonOpts,
		lessonstore.WithLogger(logging.NewComponentLogger("lessonstore")))...)

	var orch *orchestrator.Orchestrator
	tracker := progress.New(append(trackerOpts,
		progress.WithWindows(cfg.Progress.Windows),
		progress.WithLogger(logging.NewComponentLogger("progress")),
		progress.WithDispatcher(progress.DispatcherFunc(
			func(ctx context.Context, userID string, trig progress.Trigger) (string, error) {
				return orch.DispatchIntervention(ctx, userID, trig)
			})))...)

	orch = orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Pool:     pool,
		Upstream: client,
		Composer: composer,
		Lessons:  lessons,
		Tracker:  tracker,
		Metrics:  metrics,
		Tracer:   tracer,
	}, orchestrator.WithOrchestratorLogger(logger))

	srv := gateway.NewServer(orch, gateway.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowOrigins:   cfg.Server.AllowOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("gateway shutdown: %v", err)
	}
	orch.Shutdown(ctx)
	logger.Info("shutdown complete")
	return nil
}
