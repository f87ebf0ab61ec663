package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wacampaign/internal/domain"
	"wacampaign/internal/observability"
	"wacampaign/internal/store"
	"wacampaign/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, userID, id string) (domain.Campaign, bool, error)
	GetContacts(ctx context.Context, userID string, ids []string) ([]domain.Contact, error)
	GetInstance(ctx context.Context, name string) (domain.Instance, bool, error)
	GetActiveSubscription(ctx context.Context, userID string) (domain.Subscription, bool, error)
	MaterializeCampaign(ctx context.Context, in store.Materialization) error
	SetCampaignStatus(ctx context.Context, in store.CampaignStatusUpdate) (bool, error)
	CampaignStats(ctx context.Context, userID, campaignID string) (domain.CampaignStats, bool, error)
}

// Service expands campaigns into queued messages and drives their lifecycle.
type Service struct {
	Store         Store
	BatchInterval time.Duration
	Delay         DelayFunc
	IDGen         func() string
	Now           func() time.Time
	PhoneRegion   string
}

type StartResult struct {
	CampaignID  string                `json:"campaignId"`
	Status      domain.CampaignStatus `json:"status"`
	Queued      int                   `json:"queued"`
	Resumed     bool                  `json:"resumed"`
	FirstSendAt *time.Time            `json:"firstSendAt,omitempty"`
}

// Start materializes a draft campaign or resumes a paused one. Validation
// failures are returned before any row is written and leave the campaign as it was.
func (s *Service) Start(ctx context.Context, userID, campaignID string) (StartResult, error) {
	c, found, err := s.Store.GetCampaign(ctx, userID, campaignID)
	if err != nil {
		return StartResult{}, err
	}
	if !found {
		return StartResult{}, domain.ErrCampaignNotFound
	}

	switch c.Status {
	case domain.CampaignPaused:
		return s.resume(ctx, c)
	case domain.CampaignDraft:
	default:
		observability.CampaignStarts.WithLabelValues("invalid_status").Inc()
		return StartResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidTransition, c.Status)
	}

	rows, status, first, err := s.plan(ctx, c)
	if err != nil {
		observability.CampaignStarts.WithLabelValues(reason(err)).Inc()
		return StartResult{}, err
	}

	if err := s.Store.MaterializeCampaign(ctx, store.Materialization{
		CampaignID: c.ID,
		FromStatus: domain.CampaignDraft,
		ToStatus:   status,
		Rows:       rows,
		Now:        s.now(),
	}); err != nil {
		observability.CampaignStarts.WithLabelValues("store_error").Inc()
		return StartResult{}, err
	}

	observability.CampaignStarts.WithLabelValues("ok").Inc()
	observability.MessagesQueued.Add(float64(len(rows)))
	slog.Info("campaign materialized",
		"campaign_id", c.ID,
		"user_id", c.UserID,
		"queued", len(rows),
		"status", status,
		"method", c.SendingMethod,
	)
	return StartResult{CampaignID: c.ID, Status: status, Queued: len(rows), FirstSendAt: &first}, nil
}

// plan validates the campaign and builds its rows without touching the store.
func (s *Service) plan(ctx context.Context, c domain.Campaign) ([]store.QueuedMessageInsert, domain.CampaignStatus, time.Time, error) {
	ids := dedupe(c.ContactIDs)
	if len(ids) == 0 {
		return nil, "", time.Time{}, domain.ErrNoContacts
	}

	if c.InstanceName == "" {
		return nil, "", time.Time{}, domain.ErrInstanceNotFound
	}
	inst, found, err := s.Store.GetInstance(ctx, c.InstanceName)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if !found || inst.UserID != c.UserID {
		return nil, "", time.Time{}, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, c.InstanceName)
	}

	contacts, err := s.Store.GetContacts(ctx, c.UserID, ids)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if len(contacts) == 0 {
		return nil, "", time.Time{}, domain.ErrNoContacts
	}

	now := s.now()
	sub, found, err := s.Store.GetActiveSubscription(ctx, c.UserID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if !found || !sub.CanSend(now) {
		return nil, "", time.Time{}, domain.ErrNoActiveSubscription
	}
	if sub.CreditsRemaining < len(contacts) {
		return nil, "", time.Time{}, fmt.Errorf("%w: %d remaining, %d needed", domain.ErrInsufficientCredits, sub.CreditsRemaining, len(contacts))
	}

	base := now
	status := domain.CampaignSending
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		base = *c.ScheduledAt
		status = domain.CampaignScheduled
	}

	offsets := Offsets(c, len(contacts), s.batchInterval(), s.Delay)
	rows := make([]store.QueuedMessageInsert, 0, len(contacts))
	for i, ct := range contacts {
		rows = append(rows, store.QueuedMessageInsert{
			ID:           s.IDGen(),
			CampaignID:   c.ID,
			ContactID:    ct.ID,
			UserID:       c.UserID,
			Phone:        util.NormalizePhone(ct.Phone, s.PhoneRegion),
			Message:      c.Template,
			MediaURL:     c.MediaURL,
			InstanceName: c.InstanceName,
			ScheduledFor: base.Add(offsets[i]),
		})
	}
	return rows, status, base, nil
}

func (s *Service) resume(ctx context.Context, c domain.Campaign) (StartResult, error) {
	ok, err := s.Store.SetCampaignStatus(ctx, store.CampaignStatusUpdate{
		CampaignID: c.ID,
		UserID:     c.UserID,
		From:       []domain.CampaignStatus{domain.CampaignPaused},
		To:         domain.CampaignSending,
		Now:        s.now(),
	})
	if err != nil {
		return StartResult{}, err
	}
	if !ok {
		return StartResult{}, domain.ErrStatusChanged
	}
	observability.CampaignStarts.WithLabelValues("resumed").Inc()
	slog.Info("campaign resumed", "campaign_id", c.ID, "user_id", c.UserID)
	return StartResult{CampaignID: c.ID, Status: domain.CampaignSending, Resumed: true}, nil
}

// Pause stops a running campaign; its pending rows stay queued until Start resumes it.
func (s *Service) Pause(ctx context.Context, userID, campaignID string) error {
	ok, err := s.Store.SetCampaignStatus(ctx, store.CampaignStatusUpdate{
		CampaignID: campaignID,
		UserID:     userID,
		From:       []domain.CampaignStatus{domain.CampaignSending, domain.CampaignScheduled},
		To:         domain.CampaignPaused,
		Now:        s.now(),
	})
	if err != nil {
		return err
	}
	if ok {
		slog.Info("campaign paused", "campaign_id", campaignID, "user_id", userID)
		return nil
	}
	if _, found, err := s.Store.GetCampaign(ctx, userID, campaignID); err != nil {
		return err
	} else if !found {
		return domain.ErrCampaignNotFound
	}
	return fmt.Errorf("%w: only sending or scheduled campaigns can be paused", domain.ErrInvalidTransition)
}

func (s *Service) Stats(ctx context.Context, userID, campaignID string) (domain.CampaignStats, error) {
	st, found, err := s.Store.CampaignStats(ctx, userID, campaignID)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	if !found {
		return domain.CampaignStats{}, domain.ErrCampaignNotFound
	}
	return st, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Service) batchInterval() time.Duration {
	if s.BatchInterval <= 0 {
		return 5 * time.Second
	}
	return s.BatchInterval
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoContacts):
		return "no_contacts"
	case errors.Is(err, domain.ErrInstanceNotFound):
		return "no_instance"
	case errors.Is(err, domain.ErrNoActiveSubscription):
		return "no_subscription"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	default:
		return "error"
	}
}
