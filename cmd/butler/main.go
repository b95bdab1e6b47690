// Command butler runs the Drone build-analysis pipeline: a broker that
// accepts build-analysis jobs, a worker pool that drains them and runs the
// build processor, and an "enqueue" mode that polls Drone for recent builds
// and pushes one job per build onto the broker.
//
// Grounded on cmd/indexer/main.go's shape (LoadFromEnv -> NewService ->
// Start(ctx) -> wait on SIGINT/SIGTERM -> Stop) for the serve subcommand,
// and on drone-ci-butler's cli.py "builds" command for the enqueue
// subcommand: fetch builds, push one envelope per build to the queue.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/drone-analyzer/infrastructure/metrics"
	"github.com/r3e-network/drone-analyzer/internal/broker"
	"github.com/r3e-network/drone-analyzer/internal/buildprocessor"
	"github.com/r3e-network/drone-analyzer/internal/droneapi"
	"github.com/r3e-network/drone-analyzer/internal/eventbus"
	"github.com/r3e-network/drone-analyzer/internal/httpcache"
	"github.com/r3e-network/drone-analyzer/internal/notify"
	"github.com/r3e-network/drone-analyzer/internal/persistence"
	"github.com/r3e-network/drone-analyzer/internal/platform/database"
	"github.com/r3e-network/drone-analyzer/internal/ruleengine"
	"github.com/r3e-network/drone-analyzer/internal/searchindex"
	"github.com/r3e-network/drone-analyzer/internal/workerpool"
	"github.com/r3e-network/drone-analyzer/pkg/config"
	"github.com/r3e-network/drone-analyzer/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "enqueue":
		err = runEnqueue(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "butler: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: butler <command>

commands:
  serve     run the broker and worker pool, processing jobs as they arrive
  enqueue   fetch recent builds from Drone and enqueue them for analysis`)
}

// runServe wires every collaborator and runs the broker plus worker pool
// until SIGINT/SIGTERM.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database.EffectiveDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := persistence.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure persistence schema: %w", err)
	}

	bus := eventbus.New(log)
	registerEventLogging(bus, log)

	cache, err := buildCache(cfg, db, bus)
	if err != nil {
		return err
	}

	client, err := droneapi.New(droneapi.Config{
		BaseURL:   cfg.Drone.ServerURL,
		Token:     cfg.Drone.Token,
		MaxPages:  cfg.Drone.MaxPages,
		MaxBuilds: cfg.Drone.MaxBuilds,
	}, cache, bus, log)
	if err != nil {
		return fmt.Errorf("build drone client: %w", err)
	}
	defer client.Close()

	var notifier notify.Notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL)
	index := searchindex.NewMemoryIndex(24 * time.Hour)

	var metricsCollector *metrics.Metrics
	if metrics.Enabled() {
		metricsCollector = metrics.Init("butler")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics listener exited")
			}
		}()
		log.WithField("addr", addr).Info("metrics endpoint enabled")
	}

	processor := buildprocessor.New(buildprocessor.Config{
		Owner:       cfg.Drone.Owner,
		Repo:        cfg.Drone.Repo,
		Client:      client,
		Store:       store,
		RuleSet:     ruleengine.DefaultRuleSet(cfg.Drone.Owner, cfg.Drone.Repo),
		Notifier:    notifier,
		SearchIndex: index,
		Bus:         bus,
		Metrics:     metricsCollector,
		Log:         log,
	})
	brokerSvc, err := broker.New(broker.Config{
		RepBindAddress:    cfg.Broker.RepAddress,
		PullBindAddress:   cfg.Broker.PullAddress,
		PushBindAddress:   cfg.Broker.PushAddress,
		RepHighWaterMark:  cfg.Broker.HighWaterMark,
		PullHighWaterMark: cfg.Broker.HighWaterMark,
		PushHighWaterMark: cfg.Broker.HighWaterMark,
		PollTimeout:       time.Duration(cfg.Broker.PollTimeoutMS) * time.Millisecond,
		PostmortemSleep:   time.Duration(cfg.Broker.PostmortemSec) * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}

	pool := workerpool.New(workerpool.Config{
		PullConnectAddress: cfg.Broker.PushAddress,
		WorkerCount:        cfg.Worker.MaxWorkers,
		PostmortemSleep:    time.Duration(cfg.Worker.PostmortemSec) * time.Second,
	}, processor, log)

	brokerErrCh := make(chan error, 1)
	go func() {
		brokerErrCh <- brokerSvc.Run(ctx)
	}()

	if err := pool.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}

	log.Info("butler serve started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-brokerErrCh:
		if err != nil {
			log.WithError(err).Error("broker exited unexpectedly")
		}
	}

	cancel()
	pool.Stop()
	return nil
}

// runEnqueue fetches recent builds and pushes one job envelope per build to
// the broker's REP endpoint, mirroring cli.py's "builds" command.
func runEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	days := fs.Int("days", 5, "only enqueue builds finished within this many days")
	ignoreFilters := fs.Bool("ignore-filters", false, "set ignore_filters on every enqueued job")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database.EffectiveDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := eventbus.New(log)

	cache, err := buildCache(cfg, db, bus)
	if err != nil {
		return err
	}

	client, err := droneapi.New(droneapi.Config{
		BaseURL:   cfg.Drone.ServerURL,
		Token:     cfg.Drone.Token,
		MaxPages:  cfg.Drone.MaxPages,
		MaxBuilds: cfg.Drone.MaxBuilds,
	}, cache, bus, log)
	if err != nil {
		return fmt.Errorf("build drone client: %w", err)
	}
	defer client.Close()

	builds, err := client.GetBuilds(ctx, cfg.Drone.Owner, cfg.Drone.Repo)
	if err != nil {
		return fmt.Errorf("fetch builds: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(*days) * 24 * time.Hour).Unix()
	var recent []int64
	for _, b := range builds {
		if b.Finished >= cutoff {
			recent = append(recent, b.Number)
		}
	}

	log.WithField("count", len(recent)).Info("enqueuing builds for analysis")

	queueClient, err := broker.NewClient(cfg.Broker.RepAddress, broker.Req, cfg.Broker.HighWaterMark)
	if err != nil {
		return fmt.Errorf("build queue client: %w", err)
	}
	defer queueClient.Close()

	if err := queueClient.Connect(); err != nil {
		return fmt.Errorf("connect queue client: %w", err)
	}

	for i, number := range recent {
		correlationID := uuid.New().String()
		log.WithFields(map[string]interface{}{"build_id": number, "correlation_id": correlationID}).
			Infof("enqueuing build %d of %d", i+1, len(recent))
		env := broker.Envelope{BuildID: number, IgnoreFilters: *ignoreFilters, CorrelationID: correlationID}
		if _, err := queueClient.Send(env); err != nil {
			log.WithError(err).WithField("build_id", number).Warn("failed to enqueue build")
		}
	}
	return nil
}

// registerEventLogging subscribes a debug-logging handler to
// SignalBuildCompleted; no other signal is logged here.
func registerEventLogging(bus *eventbus.Bus, log *logger.Logger) {
	bus.Subscribe(eventbus.SignalBuildCompleted, "log", func(_ context.Context, payload any) error {
		log.WithField("signal", eventbus.SignalBuildCompleted).Debug("build completed")
		return nil
	})
}

// buildCache builds the Drone API's HTTP cache: the Postgres-backed Store
// always, fronted by an L1Cache when Redis is configured.
func buildCache(cfg *config.Config, db *sql.DB, bus *eventbus.Bus) (droneapi.Cache, error) {
	store := httpcache.NewStore(db).WithBus(bus)
	if err := store.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure http cache schema: %w", err)
	}
	if cfg.Redis.Host == "" {
		return store, nil
	}
	return httpcache.NewL1Cache(httpcache.L1Config{
		Addr: fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		DB:   cfg.Redis.DB,
	}, store), nil
}
