package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"wacampaign/internal/domain"
	"wacampaign/internal/providers/evolution"
	"wacampaign/internal/store"
	"wacampaign/internal/util"
)

type Store interface {
	GetInstance(ctx context.Context, name string) (domain.Instance, bool, error)
	InsertInstance(ctx context.Context, in store.InstanceInsert) error
	UpdateInstanceStatus(ctx context.Context, name string, status domain.InstanceStatus, now time.Time) error
	DeleteInstance(ctx context.Context, name string) error
	GetActiveSubscription(ctx context.Context, userID string) (domain.Subscription, bool, error)
}

type Gateway interface {
	Configured() bool
	CreateSession(ctx context.Context, name string) ([]byte, error)
	ConnectSession(ctx context.Context, name string) (evolution.ConnectResponse, error)
	GetQRCode(ctx context.Context, name string) (string, error)
	DeleteSession(ctx context.Context, name string) error
}

// Service manages the WhatsApp sessions a user sends campaigns through.
type Service struct {
	Store   Store
	Gateway Gateway
	Now     func() time.Time
}

type ConnectResult struct {
	Name   string                `json:"name"`
	Status domain.InstanceStatus `json:"status"`
	QRCode string                `json:"qrcode,omitempty"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,62}$`)

func (s *Service) Create(ctx context.Context, userID, name string) (domain.Instance, error) {
	name = strings.TrimSpace(name)
	if !validName.MatchString(name) {
		return domain.Instance{}, fmt.Errorf("%w: %q", domain.ErrInvalidInstanceName, name)
	}
	if !s.Gateway.Configured() {
		return domain.Instance{}, domain.ErrGatewayNotConfigured
	}

	sub, found, err := s.Store.GetActiveSubscription(ctx, userID)
	if err != nil {
		return domain.Instance{}, err
	}
	if !found || sub.Status != domain.SubscriptionActive {
		return domain.Instance{}, domain.ErrNoActiveSubscription
	}
	limit, limited := domain.InstanceLimit(sub.Plan)
	if !limited {
		limit = 0
	}

	// the row goes in first: it holds the name and the plan slot atomically,
	// so a losing concurrent create never reaches the gateway
	now := s.now()
	in := domain.Instance{Name: name, UserID: userID, Status: domain.InstanceDisconnected, CreatedAt: now}
	err = s.Store.InsertInstance(ctx, store.InstanceInsert{Name: name, UserID: userID, Status: in.Status, Now: now, Limit: limit})
	if errors.Is(err, domain.ErrInstanceLimit) {
		return domain.Instance{}, fmt.Errorf("%w: plan %s allows %d", domain.ErrInstanceLimit, sub.Plan, limit)
	}
	if err != nil {
		return domain.Instance{}, err
	}

	if _, err := s.Gateway.CreateSession(ctx, name); err != nil {
		if dErr := s.Store.DeleteInstance(context.WithoutCancel(ctx), name); dErr != nil {
			slog.Error("instance row left without a gateway session", "instance", name, "err", dErr)
		}
		return domain.Instance{}, fmt.Errorf("create gateway session: %w", err)
	}
	slog.Info("instance created", "instance", name, "user_id", userID, "plan", sub.Plan)
	return in, nil
}

// Connect starts or refreshes the gateway session and stores the state it reports.
func (s *Service) Connect(ctx context.Context, userID, name string) (ConnectResult, error) {
	if _, err := s.owned(ctx, userID, name); err != nil {
		return ConnectResult{}, err
	}
	resp, err := s.Gateway.ConnectSession(ctx, name)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("connect gateway session: %w", err)
	}

	status := statusFor(resp.State())
	if err := s.Store.UpdateInstanceStatus(ctx, name, status, s.now()); err != nil {
		return ConnectResult{}, err
	}
	slog.Info("instance connect", "instance", name, "status", status)
	return ConnectResult{Name: name, Status: status, QRCode: resp.Base64}, nil
}

func (s *Service) QRCode(ctx context.Context, userID, name string) (string, error) {
	if _, err := s.owned(ctx, userID, name); err != nil {
		return "", err
	}
	return s.Gateway.GetQRCode(ctx, name)
}

// Delete removes the session upstream and then the row. A session already
// gone upstream (404) does not block the local delete.
func (s *Service) Delete(ctx context.Context, userID, name string) error {
	if _, err := s.owned(ctx, userID, name); err != nil {
		return err
	}
	if err := s.Gateway.DeleteSession(ctx, name); err != nil {
		var gwErr *evolution.Error
		if !errors.As(err, &gwErr) || gwErr.StatusCode != 404 {
			return fmt.Errorf("delete gateway session: %w", err)
		}
	}
	if err := s.Store.DeleteInstance(ctx, name); err != nil {
		return err
	}
	slog.Info("instance deleted", "instance", name, "user_id", userID)
	return nil
}

func (s *Service) owned(ctx context.Context, userID, name string) (domain.Instance, error) {
	in, found, err := s.Store.GetInstance(ctx, name)
	if err != nil {
		return domain.Instance{}, err
	}
	if !found || in.UserID != userID {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	if !s.Gateway.Configured() {
		return domain.Instance{}, domain.ErrGatewayNotConfigured
	}
	return in, nil
}

func statusFor(state string) domain.InstanceStatus {
	switch state {
	case "open":
		return domain.InstanceConnected
	case "connecting":
		return domain.InstanceConnecting
	case "qr":
		return domain.InstancePendingQR
	default:
		return domain.InstanceDisconnected
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
