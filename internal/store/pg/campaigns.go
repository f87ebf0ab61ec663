package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"wacampaign/internal/domain"
	"wacampaign/internal/store"
)

func (s *Store) GetCampaign(ctx context.Context, userID, id string) (domain.Campaign, bool, error) {
	var c domain.Campaign
	var status, method string
	var intervals []byte
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(instance_name,''), message, COALESCE(media_url,''), contact_ids,
		       status, sending_method, interval_config, scheduled_at, created_at, updated_at
		FROM campaigns WHERE id=$1 AND user_id=$2
	`, id, userID).Scan(&c.ID, &c.UserID, &c.InstanceName, &c.Template, &c.MediaURL, &c.ContactIDs,
		&status, &method, &intervals, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	c.Status = domain.CampaignStatus(status)
	c.SendingMethod = domain.SendingMethod(method)
	if len(intervals) > 0 {
		if err := json.Unmarshal(intervals, &c.IntervalConfig); err != nil {
			return domain.Campaign{}, false, fmt.Errorf("campaign %s interval_config: %w", id, err)
		}
	}
	return c, true, nil
}

var queuedMessageCopyColumns = []string{
	"id", "campaign_id", "contact_id", "user_id", "phone", "message", "media_url", "instance_name", "scheduled_for",
}

// MaterializeCampaign writes every queued row and flips the campaign status in
// one transaction. The campaign row is locked first; if its status is no longer
// in.FromStatus nothing is written and domain.ErrStatusChanged is returned.
func (s *Store) MaterializeCampaign(ctx context.Context, in store.Materialization) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, in.CampaignID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrCampaignNotFound
		}
		return err
	}
	if domain.CampaignStatus(current) != in.FromStatus {
		return fmt.Errorf("%w: now %s", domain.ErrStatusChanged, current)
	}

	rows := make([][]any, 0, len(in.Rows))
	for _, r := range in.Rows {
		rows = append(rows, []any{
			r.ID, r.CampaignID, r.ContactID, r.UserID, r.Phone, r.Message, nullIfEmpty(r.MediaURL), r.InstanceName, r.ScheduledFor,
		})
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"queued_messages"}, queuedMessageCopyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return err
	}
	if int(n) != len(in.Rows) {
		return fmt.Errorf("materialize campaign %s: copied %d of %d rows", in.CampaignID, n, len(in.Rows))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3 WHERE id=$1
	`, in.CampaignID, string(in.ToStatus), in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetCampaignStatus moves a campaign to in.To only when it is currently in one of in.From.
func (s *Store) SetCampaignStatus(ctx context.Context, in store.CampaignStatusUpdate) (bool, error) {
	from := make([]string, 0, len(in.From))
	for _, st := range in.From {
		from = append(from, string(st))
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$3, updated_at=$4
		WHERE id=$1 AND user_id=$2 AND status = ANY($5)
	`, in.CampaignID, in.UserID, string(in.To), in.Now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// RecomputeCampaignStatus closes a running campaign once none of its rows are
// pending or sending. It returns the new status, or "" when nothing changed.
func (s *Store) RecomputeCampaignStatus(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	var status string
	err := s.DB.QueryRow(ctx, `
		UPDATE campaigns c
		SET status = CASE WHEN q.sent > 0 THEN 'completed' ELSE 'failed' END, updated_at = now()
		FROM (
			SELECT count(*) FILTER (WHERE status IN ('pending','sending')) AS open,
			       count(*) FILTER (WHERE status = 'sent') AS sent,
			       count(*) AS total
			FROM queued_messages WHERE campaign_id=$1
		) q
		WHERE c.id=$1 AND c.status IN ('scheduled','sending') AND q.open = 0 AND q.total > 0
		RETURNING c.status
	`, campaignID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return domain.CampaignStatus(status), nil
}

func (s *Store) CampaignStats(ctx context.Context, userID, campaignID string) (domain.CampaignStats, bool, error) {
	c, found, err := s.GetCampaign(ctx, userID, campaignID)
	if err != nil || !found {
		return domain.CampaignStats{}, found, err
	}
	out := domain.CampaignStats{CampaignID: c.ID, Status: c.Status}

	rows, err := s.DB.Query(ctx, `
		SELECT status, count(*) FROM queued_messages WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return domain.CampaignStats{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return domain.CampaignStats{}, false, err
		}
		switch domain.MessageStatus(st) {
		case domain.MessagePending:
			out.Pending = n
		case domain.MessageSending:
			out.Sending = n
		case domain.MessageSent:
			out.Sent = n
		case domain.MessageFailed:
			out.Failed = n
		}
		out.Total += n
	}
	return out, true, rows.Err()
}
