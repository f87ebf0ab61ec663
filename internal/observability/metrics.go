package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacampaign_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	CampaignStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacampaign_campaign_starts_total", Help: "Campaign start attempts"},
		[]string{"result"},
	)
	MessagesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wacampaign_messages_queued_total", Help: "Queued messages materialized"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evolution_send_total", Help: "Gateway send outcomes"},
		[]string{"result", "http_status"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "evolution_send_latency_seconds", Help: "Gateway send latency"},
	)
	DispatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacampaign_dispatch_runs_total", Help: "Dispatch runs by stop reason"},
		[]string{"stop"},
	)
	DispatchRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wacampaign_dispatch_run_seconds",
			Help:    "Dispatch run wall-clock time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)
	CreditDecrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacampaign_credit_decrements_total", Help: "Credit decrement outcomes"},
		[]string{"result"},
	)
	ClaimsReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wacampaign_claims_released_total", Help: "Claimed rows handed back to pending"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, CampaignStarts, MessagesQueued, GatewaySend, GatewayLatency,
		DispatchRuns, DispatchRunDuration, CreditDecrements, ClaimsReleased)
}
