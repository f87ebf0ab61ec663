package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type SendingMethod string

const (
	// MethodBatch spaces messages by a fixed global interval.
	MethodBatch SendingMethod = "batch"
	// MethodQueue spaces messages by random delays drawn per interval block.
	MethodQueue SendingMethod = "queue"
)

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// IntervalBlock covers Quantity consecutive contacts; each of them is followed
// by a delay drawn uniformly from [Min, Max] seconds.
type IntervalBlock struct {
	Quantity int `json:"quantity"`
	Min      int `json:"min"`
	Max      int `json:"max"`
}

type Campaign struct {
	ID             string
	UserID         string
	InstanceName   string
	Template       string
	MediaURL       string
	ContactIDs     []string
	Status         CampaignStatus
	SendingMethod  SendingMethod
	IntervalConfig []IntervalBlock
	ScheduledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type QueuedMessage struct {
	ID           string
	CampaignID   string
	ContactID    string
	UserID       string
	Phone        string
	Message      string
	MediaURL     string
	InstanceName string
	ScheduledFor time.Time
	Status       MessageStatus
	SentAt       *time.Time
	CreatedAt    time.Time
}

type LogEntry struct {
	CampaignID   string
	ContactID    string
	UserID       string
	Phone        string
	Message      string
	Status       MessageStatus
	Response     any
	ScheduledFor time.Time
	SentAt       time.Time
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type Subscription struct {
	UserID           string
	Plan             string
	CreditsRemaining int
	TotalCredits     int
	ExpiresAt        time.Time
	Status           SubscriptionStatus
}

// CanSend reports whether the subscription still allows at least one send at now.
func (s Subscription) CanSend(now time.Time) bool {
	if s.Status != SubscriptionActive || s.CreditsRemaining <= 0 {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

type InstanceStatus string

const (
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceConnected    InstanceStatus = "connected"
	InstancePendingQR    InstanceStatus = "pending_qr"
)

type Instance struct {
	Name      string
	UserID    string
	Status    InstanceStatus
	CreatedAt time.Time
}

type Contact struct {
	ID    string
	Name  string
	Phone string
}

// Plan instance limits. Zero means unlimited.
var planInstanceLimits = map[string]int{
	"trial":   1,
	"basic":   3,
	"premium": 0,
}

// InstanceLimit returns the number of instances a plan may own and whether the
// plan is limited at all. Unknown plans get the trial limit.
func InstanceLimit(plan string) (limit int, limited bool) {
	n, ok := planInstanceLimits[plan]
	if !ok {
		return planInstanceLimits["trial"], true
	}
	return n, n > 0
}

type CampaignStats struct {
	CampaignID string         `json:"campaignId"`
	Status     CampaignStatus `json:"status"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Sending    int            `json:"sending"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
}

var (
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrInvalidTransition    = errors.New("campaign cannot be started in its current status")
	ErrNoContacts           = errors.New("campaign has no target contacts")
	ErrInstanceNotFound     = errors.New("campaign instance not found")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInstanceLimit        = errors.New("instance limit reached for plan")
	ErrInstanceExists       = errors.New("instance already exists")
	ErrInvalidInstanceName  = errors.New("invalid instance name")
	ErrGatewayNotConfigured = errors.New("gateway credentials missing")
	ErrStatusChanged        = errors.New("campaign status changed concurrently")
)

// ValidationError reports whether err is a caller-facing validation failure
// raised before anything was written.
func ValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition, ErrNoContacts, ErrInstanceNotFound,
		ErrNoActiveSubscription, ErrInsufficientCredits, ErrInstanceLimit,
		ErrInstanceExists, ErrInvalidInstanceName, ErrStatusChanged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type DispatchResponse struct {
	Message string `json:"message"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
