package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"wacampaign/internal/httpserver"
	"wacampaign/internal/logging"
)

// Mock Evolution API for local runs and load tests of the dispatch worker.
type config struct {
	APIKey      string  `envconfig:"EVOLUTION_API_KEY" default:"mock_key"`
	Port        string  `envconfig:"PORT" default:"8081"`
	LogFormat   string  `envconfig:"LOG_FORMAT" default:"json"`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	// comma separated, e.g. "ok,ok,not_on_whatsapp,server_error"
	Outcomes []string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	// kind:weight pairs used for the failing share in weighted mode
	FailureWeights map[string]float64 `envconfig:"MOCK_FAILURE_WEIGHTS" default:"server_error:1"`
	DelayMin       time.Duration      `envconfig:"MOCK_DELAY_MIN" default:"100ms"`
	DelayMax       time.Duration      `envconfig:"MOCK_DELAY_MAX" default:"500ms"`
	TimeoutDelay   time.Duration      `envconfig:"MOCK_TIMEOUT_DELAY" default:"20s"`
	// state reported by /instance/connect: "qr", "open" or "connecting"
	ConnectState string `envconfig:"MOCK_CONNECT_STATE" default:"qr"`
}

type server struct {
	cfg config
	idx atomic.Uint64

	mu        sync.Mutex
	instances map[string]string
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Init("mock-gateway", cfg.LogFormat, "info")

	s := newServer(cfg)
	slog.Info("mock gateway listening", "port", cfg.Port, "mode", s.cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, s.routes()); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMin, cfg.DelayMax = cfg.DelayMax, cfg.DelayMin
	}
	return &server{cfg: cfg, instances: map[string]string{}}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(httpserver.Logging, s.auth)
	r.HandleFunc("/message/sendText/{instance}", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/message/sendMedia/{instance}", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/instance/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/instance/connect/{instance}", s.handleConnect).Methods(http.MethodGet)
	r.HandleFunc("/instance/delete/{instance}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

func (s *server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sendRequest struct {
	Number       string `json:"number"`
	Text         string `json:"text"`
	MediaMessage *struct {
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"mediaMessage"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Number == "" || (req.Text == "" && req.MediaMessage == nil) {
		writeError(w, http.StatusBadRequest, "number and text or mediaMessage are required")
		return
	}

	if !s.sleep(r.Context(), s.randDuration(s.cfg.DelayMin, s.cfg.DelayMax)) {
		return
	}

	switch outcome := s.nextOutcome(); outcome {
	case "ok", "success":
		id := fmt.Sprintf("MOCK%08d", s.idx.Add(1))
		writeJSON(w, http.StatusCreated, map[string]any{
			"key": map[string]any{
				"remoteJid": req.Number + "@s.whatsapp.net",
				"fromMe":    true,
				"id":        id,
			},
			"status":           "PENDING",
			"instance":         instance,
			"messageTimestamp": strconv.FormatInt(time.Now().Unix(), 10),
		})
	case "not_on_whatsapp", "400":
		writeError(w, http.StatusBadRequest, "number "+req.Number+" is not on whatsapp")
	case "disconnected":
		// Evolution reports some session failures with a 2xx and an error body
		writeJSON(w, http.StatusOK, map[string]any{"error": "Instance " + instance + " is not connected"})
	case "rate_limit", "429":
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case "timeout":
		s.sleep(r.Context(), s.cfg.TimeoutDelay)
		writeError(w, http.StatusGatewayTimeout, "timeout")
	default:
		writeError(w, http.StatusInternalServerError, "mock error: "+outcome)
	}
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceName string `json:"instanceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceName == "" {
		writeError(w, http.StatusBadRequest, "instanceName is required")
		return
	}
	s.mu.Lock()
	_, exists := s.instances[req.InstanceName]
	if !exists {
		s.instances[req.InstanceName] = "close"
	}
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusForbidden, "This name \""+req.InstanceName+"\" is already in use.")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": map[string]any{"instanceName": req.InstanceName, "status": "created"},
	})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	s.mu.Lock()
	_, exists := s.instances[name]
	if exists {
		s.instances[name] = s.cfg.ConnectState
	}
	s.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, "The \""+name+"\" instance does not exist")
		return
	}

	if s.cfg.ConnectState == "qr" {
		writeJSON(w, http.StatusOK, map[string]any{
			"pairingCode": "MOCK1234",
			"code":        "2@mock," + name,
			"base64":      "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==",
			"count":       1,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": map[string]any{"instanceName": name, "state": s.cfg.ConnectState},
	})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	s.mu.Lock()
	_, exists := s.instances[name]
	delete(s.instances, name)
	s.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, "The \""+name+"\" instance does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS", "error": false, "response": map[string]any{"message": "Instance deleted"}})
}

func (s *server) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *server) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		n := s.idx.Add(1) - 1
		return s.cfg.Outcomes[n%uint64(len(s.cfg.Outcomes))]
	case "weighted":
		if rand.Float64() <= s.cfg.SuccessRate {
			return "ok"
		}
		return pickFailure(rand.Float64(), s.cfg.FailureWeights)
	case "random":
		return s.cfg.Outcomes[rand.IntN(len(s.cfg.Outcomes))]
	default:
		return s.cfg.Outcomes[0]
	}
}

// pickFailure maps r in [0,1) onto the weights, walking kinds in name order so
// a given r always lands on the same kind.
func pickFailure(r float64, weights map[string]float64) string {
	kinds := make([]string, 0, len(weights))
	var total float64
	for k, w := range weights {
		if w > 0 {
			kinds = append(kinds, k)
			total += w
		}
	}
	if total == 0 {
		return "server_error"
	}
	slices.Sort(kinds)
	target := r * total
	for _, k := range kinds {
		target -= weights[k]
		if target < 0 {
			return k
		}
	}
	return kinds[len(kinds)-1]
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"status":   status,
		"error":    http.StatusText(status),
		"response": map[string]any{"message": []string{msg}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
