package pg

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wacampaign/internal/domain"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const queuedMessageColumns = `id, campaign_id, contact_id, user_id, phone, message, COALESCE(media_url,''),
	instance_name, scheduled_for, status, sent_at, created_at`

// ClaimDue flags up to limit due rows as "sending" and returns them oldest due first.
// Scheduled campaigns whose first rows come due are moved to "sending".
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]domain.QueuedMessage, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+queuedMessageColumns+` FROM get_pending_messages($1)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueuedMessage
	for rows.Next() {
		var m domain.QueuedMessage
		var status string
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.UserID, &m.Phone, &m.Message, &m.MediaURL,
			&m.InstanceName, &m.ScheduledFor, &status, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = domain.MessageStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })

	if len(out) > 0 {
		ids := make([]string, 0, len(out))
		for _, m := range out {
			ids = append(ids, m.CampaignID)
		}
		if _, err := s.DB.Exec(ctx, `
			UPDATE campaigns SET status='sending', updated_at=now()
			WHERE id = ANY($1) AND status='scheduled'
		`, ids); err != nil {
			return out, err
		}
	}
	return out, nil
}

// MarkSent finalizes a claimed row. It reports false when the row was not in "sending".
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queued_messages SET status='sent', sent_at=$2 WHERE id=$1 AND status='sending'
	`, id, sentAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkFailed(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queued_messages SET status='failed' WHERE id=$1 AND status='sending'
	`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseClaims hands claimed but unattempted rows back to the queue.
func (s *Store) ReleaseClaims(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE queued_messages SET status='pending', claimed_at=NULL
		WHERE id = ANY($1) AND status='sending'
	`, ids)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ReclaimStale resets rows stuck in "sending" since before the cutoff.
func (s *Store) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queued_messages SET status='pending', claimed_at=NULL
		WHERE status='sending' AND (claimed_at IS NULL OR claimed_at < $1)
	`, claimedBefore)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) InsertLog(ctx context.Context, in domain.LogEntry) error {
	b, err := json.Marshal(in.Response)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO message_logs (campaign_id, contact_id, user_id, phone, message, status, response, scheduled_for, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.CampaignID, in.ContactID, in.UserID, in.Phone, in.Message, string(in.Status), b, in.ScheduledFor, in.SentAt)
	return err
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	var c domain.Contact
	err := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(name,''), phone FROM contacts WHERE id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Contact{}, false, nil
		}
		return domain.Contact{}, false, err
	}
	return c, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetContacts returns the user's contacts among ids, in the order of ids.
func (s *Store) GetContacts(ctx context.Context, userID string, ids []string) ([]domain.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(name,''), phone FROM contacts WHERE user_id=$1 AND id = ANY($2)
	`, userID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.Contact, len(ids))
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
