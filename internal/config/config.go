package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
	// server-side cap per statement; 0 leaves the server default
	DBStatementTimeout      time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"10s"`
}

type GatewayConfig struct {
	EvolutionBaseURL     string `envconfig:"EVOLUTION_BASE_URL"`
	EvolutionAPIKey      string `envconfig:"EVOLUTION_API_KEY"`
	EvolutionIntegration string `envconfig:"EVOLUTION_INTEGRATION" default:"WHATSAPP-BAILEYS"`
	EvolutionTimeoutSecs int    `envconfig:"EVOLUTION_TIMEOUT_SECONDS" default:"15"`
	DefaultPhoneRegion   string `envconfig:"DEFAULT_PHONE_REGION" default:"BR"`
}

type DispatchConfig struct {
	PacingSeconds      float64 `envconfig:"DISPATCH_PACING_SECONDS" default:"5"`
	BatchSize          int     `envconfig:"DISPATCH_BATCH_SIZE" default:"10"`
	MaxMessagesPerRun  int     `envconfig:"DISPATCH_MAX_MESSAGES" default:"50"`
	MaxRunSeconds      int     `envconfig:"DISPATCH_MAX_RUN_SECONDS" default:"50"`
	StaleClaimMinutes  int     `envconfig:"STALE_CLAIM_MINUTES" default:"10"`
	BreakerMaxFailures uint32  `envconfig:"BREAKER_MAX_CONSECUTIVE_FAILURES" default:"5"`
}

func (d DispatchConfig) Pacing() time.Duration {
	return time.Duration(d.PacingSeconds * float64(time.Second))
}

func (d DispatchConfig) MaxRunDuration() time.Duration {
	return time.Duration(d.MaxRunSeconds) * time.Second
}

func (d DispatchConfig) StaleAfter() time.Duration {
	return time.Duration(d.StaleClaimMinutes) * time.Minute
}

type APIConfig struct {
	DBConfig
	GatewayConfig
	DispatchConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// fixed spacing for the "batch" sending method
	BatchIntervalSeconds int `envconfig:"BATCH_INTERVAL_SECONDS" default:"5"`
}

type WorkerConfig struct {
	DBConfig
	GatewayConfig
	DispatchConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DispatchCron string `envconfig:"DISPATCH_CRON" default:"@every 1m"`
	SweepCron    string `envconfig:"SWEEP_CRON" default:"@every 5m"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
