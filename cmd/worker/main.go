package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"wacampaign/internal/config"
	"wacampaign/internal/httpserver"
	"wacampaign/internal/logging"
	"wacampaign/internal/observability"
	"wacampaign/internal/providers/evolution"
	"wacampaign/internal/store/pg"
	workerproc "wacampaign/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single dispatch pass and exit")
	flag.Parse()

	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBConfig, "wacampaign-worker")
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	gw := &evolution.Client{
		BaseURL:     cfg.EvolutionBaseURL,
		APIKey:      cfg.EvolutionAPIKey,
		Integration: cfg.EvolutionIntegration,
		HTTP:        &http.Client{Timeout: time.Duration(cfg.EvolutionTimeoutSecs) * time.Second},
	}
	processor := &workerproc.Processor{
		Store:   store,
		Ledger:  store,
		Sender:  gw,
		Breaker: workerproc.NewBreaker("evolution", cfg.BreakerMaxFailures),
		Limits: workerproc.Limits{
			BatchSize:      cfg.BatchSize,
			MaxMessages:    cfg.MaxMessagesPerRun,
			MaxRunDuration: cfg.MaxRunDuration(),
			Pacing:         cfg.Pacing(),
		},
		PhoneRegion: cfg.DefaultPhoneRegion,
	}

	if *once {
		sum, err := processor.Run(ctx)
		if err != nil {
			slog.Error("dispatch run failed", "err", err)
			os.Exit(1)
		}
		slog.Info(sum.Message(), "stop", sum.Stop)
		return
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	if _, err := c.AddFunc(cfg.DispatchCron, func() {
		if _, err := processor.Run(ctx); err != nil {
			slog.Error("dispatch run failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid DISPATCH_CRON", "spec", cfg.DispatchCron, "err", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc(cfg.SweepCron, func() {
		if _, err := processor.SweepStale(ctx, cfg.StaleAfter()); err != nil {
			slog.Error("stale sweep failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid SWEEP_CRON", "spec", cfg.SweepCron, "err", err)
		os.Exit(1)
	}

	// health server (liveness + readiness) plus metrics
	health := httpserver.New(nil, 2*time.Second, httpserver.Check{
		Name:  "postgres",
		Ping:  func(pingCtx context.Context) error { return db.Ping(pingCtx) },
	})
	health.Mux.Handle("/metrics", httpserver.MetricsMux())
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: health.Mux,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	c.Start()
	slog.Info("worker scheduler started", "dispatch", cfg.DispatchCron, "sweep", cfg.SweepCron)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	// let an in-flight run finish its current message before cancelling
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(cfg.MaxRunDuration() + 10*time.Second):
		slog.Info("worker shutdown timeout waiting for dispatch run")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
