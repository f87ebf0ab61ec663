package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wacampaign/internal/campaign"
	"wacampaign/internal/config"
	"wacampaign/internal/httpserver"
	"wacampaign/internal/instance"
	"wacampaign/internal/logging"
	"wacampaign/internal/observability"
	"wacampaign/internal/providers/evolution"
	"wacampaign/internal/store/pg"
	"wacampaign/internal/util"
	workerproc "wacampaign/internal/worker"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBConfig, "wacampaign-api")
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	gw := &evolution.Client{
		BaseURL:     cfg.EvolutionBaseURL,
		APIKey:      cfg.EvolutionAPIKey,
		Integration: cfg.EvolutionIntegration,
		HTTP:        &http.Client{Timeout: time.Duration(cfg.EvolutionTimeoutSecs) * time.Second},
	}
	if !gw.Configured() {
		slog.Warn("evolution gateway not configured, dispatch and instance routes will fail")
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
	campaigns := &campaign.Service{
		Store:         store,
		BatchInterval: time.Duration(cfg.BatchIntervalSeconds) * time.Second,
		IDGen:         util.NewMessageID,
		PhoneRegion:   cfg.DefaultPhoneRegion,
	}
	instances := &instance.Service{Store: store, Gateway: gw}

	s := httpserver.New(observability.APIRequests, 2*time.Second, httpserver.Check{
		Name:  "postgres",
		Ping:  func(ctx context.Context) error { return db.Ping(ctx) },
	})
	api := &httpserver.API{
		Dispatcher: processor,
		Campaigns:  campaigns,
		Instances:  instances,
	}
	api.Register(s.Mux)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.Mux,
		// a dispatch request holds the connection for up to MaxRunDuration
		WriteTimeout: cfg.MaxRunDuration() + 15*time.Second,
	}
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: httpserver.MetricsMux(),
	}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
