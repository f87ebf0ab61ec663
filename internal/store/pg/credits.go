package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"wacampaign/internal/domain"
)

// GetActiveSubscription returns the user's active subscription, if any.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (domain.Subscription, bool, error) {
	var sub domain.Subscription
	var status string
	var expires *time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT user_id, plan, credits_remaining, total_credits, expires_at, status
		FROM subscriptions WHERE user_id=$1 AND status='active'
	`, userID).Scan(&sub.UserID, &sub.Plan, &sub.CreditsRemaining, &sub.TotalCredits, &expires, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	if expires != nil {
		sub.ExpiresAt = *expires
	}
	return sub, true, nil
}

// TryDecrement consumes one credit. It is a single conditional UPDATE on the
// server, so concurrent callers can never drive the balance below zero.
func (s *Store) TryDecrement(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := s.DB.QueryRow(ctx, `SELECT decrement_user_credits($1)`, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
