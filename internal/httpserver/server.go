package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with the request logging and metrics middleware
// installed and the health endpoints registered.
func New(requests *prometheus.CounterVec, readyTimeout time.Duration, checks ...Check) *Server {
	r := mux.NewRouter()
	r.Use(Logging)
	if requests != nil {
		r.Use(Metrics(requests))
	}
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return &Server{Mux: r}
}

// MetricsMux serves the default prometheus registry on /metrics.
func MetricsMux() *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
