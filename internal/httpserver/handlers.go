package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wacampaign/internal/campaign"
	"wacampaign/internal/domain"
	"wacampaign/internal/instance"
	"wacampaign/internal/worker"
)

type Dispatcher interface {
	Run(ctx context.Context) (worker.Summary, error)
}

type Campaigns interface {
	Start(ctx context.Context, userID, campaignID string) (campaign.StartResult, error)
	Pause(ctx context.Context, userID, campaignID string) error
	Stats(ctx context.Context, userID, campaignID string) (domain.CampaignStats, error)
}

type Instances interface {
	Create(ctx context.Context, userID, name string) (domain.Instance, error)
	Connect(ctx context.Context, userID, name string) (instance.ConnectResult, error)
	QRCode(ctx context.Context, userID, name string) (string, error)
	Delete(ctx context.Context, userID, name string) error
}

type API struct {
	Dispatcher Dispatcher
	Campaigns  Campaigns
	Instances  Instances
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/dispatch", a.handleDispatch).Methods(http.MethodPost, http.MethodGet)

	r.HandleFunc("/v1/campaigns/{id}/start", a.withUser(a.handleStartCampaign)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/pause", a.withUser(a.handlePauseCampaign)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/stats", a.withUser(a.handleCampaignStats)).Methods(http.MethodGet)

	r.HandleFunc("/v1/instances", a.withUser(a.handleCreateInstance)).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{name}/connect", a.withUser(a.handleConnectInstance)).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{name}/qr", a.withUser(a.handleInstanceQR)).Methods(http.MethodGet)
	r.HandleFunc("/v1/instances/{name}", a.withUser(a.handleDeleteInstance)).Methods(http.MethodDelete)
}

// handleDispatch runs one dispatch pass. The body is ignored; only failures
// before the first claim produce a non-200.
func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	sum, err := a.Dispatcher.Run(r.Context())
	if err != nil {
		slog.Error("dispatch run failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.DispatchResponse{
		Message: sum.Message(),
		Sent:    sum.Sent,
		Failed:  sum.Failed,
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser reads the caller identity set by the upstream auth proxy.
func (a *API) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingUser)
			return
		}
		h(w, r, userID)
	}
}

func (a *API) handleStartCampaign(w http.ResponseWriter, r *http.Request, userID string) {
	id := mux.Vars(r)["id"]
	res, err := a.Campaigns.Start(r.Context(), userID, id)
	if err != nil {
		a.fail(w, err, "start campaign failed", "campaign_id", id, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePauseCampaign(w http.ResponseWriter, r *http.Request, userID string) {
	id := mux.Vars(r)["id"]
	if err := a.Campaigns.Pause(r.Context(), userID, id); err != nil {
		a.fail(w, err, "pause campaign failed", "campaign_id", id, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"campaignId": id, "status": string(domain.CampaignPaused)})
}

func (a *API) handleCampaignStats(w http.ResponseWriter, r *http.Request, userID string) {
	id := mux.Vars(r)["id"]
	st, err := a.Campaigns.Stats(r.Context(), userID, id)
	if err != nil {
		a.fail(w, err, "campaign stats failed", "campaign_id", id, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createInstanceRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request, userID string) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	in, err := a.Instances.Create(r.Context(), userID, req.Name)
	if err != nil {
		a.fail(w, err, "create instance failed", "instance", req.Name, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"name":      in.Name,
		"status":    in.Status,
		"createdAt": in.CreatedAt,
	})
}

func (a *API) handleConnectInstance(w http.ResponseWriter, r *http.Request, userID string) {
	name := mux.Vars(r)["name"]
	res, err := a.Instances.Connect(r.Context(), userID, name)
	if err != nil {
		a.instanceFail(w, err, "connect instance failed", name, userID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleInstanceQR(w http.ResponseWriter, r *http.Request, userID string) {
	name := mux.Vars(r)["name"]
	qr, err := a.Instances.QRCode(r.Context(), userID, name)
	if err != nil {
		a.instanceFail(w, err, "instance qr failed", name, userID)
		return
	}
	if qr == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qrcode": qr})
}

func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request, userID string) {
	name := mux.Vars(r)["name"]
	if err := a.Instances.Delete(r.Context(), userID, name); err != nil {
		a.instanceFail(w, err, "delete instance failed", name, userID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// On instance routes the path names the instance, so a miss is a 404 rather
// than the 422 a campaign pointing at a missing instance gets.
func (a *API) instanceFail(w http.ResponseWriter, err error, msg, name, userID string) {
	if errors.Is(err, domain.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	a.fail(w, err, msg, "instance", name, "user_id", userID)
}

func (a *API) fail(w http.ResponseWriter, err error, msg string, attrs ...any) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, append(attrs, "err", err)...)
	} else {
		slog.Info(msg, append(attrs, "err", err)...)
	}
	writeError(w, status, body)
}
