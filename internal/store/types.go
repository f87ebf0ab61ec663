package store

import (
	"time"

	"wacampaign/internal/domain"
)

// Materialization is the full set of rows written when a draft campaign starts,
// together with the status transition that must happen in the same transaction.
type Materialization struct {
	CampaignID string
	FromStatus domain.CampaignStatus
	ToStatus   domain.CampaignStatus
	Rows       []QueuedMessageInsert
	Now        time.Time
}

type QueuedMessageInsert struct {
	ID           string
	CampaignID   string
	ContactID    string
	UserID       string
	Phone        string
	Message      string
	MediaURL     string
	InstanceName string
	ScheduledFor time.Time
}

type CampaignStatusUpdate struct {
	CampaignID string
	UserID     string
	From       []domain.CampaignStatus
	To         domain.CampaignStatus
	Now        time.Time
}

type InstanceInsert struct {
	Name   string
	UserID string
	Status domain.InstanceStatus
	Now    time.Time
	// Limit caps how many instances UserID may own; 0 means no cap
	Limit int
}
