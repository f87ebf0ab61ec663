package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"wacampaign/internal/domain"
	"wacampaign/internal/store"
)

func (s *Store) GetInstance(ctx context.Context, name string) (domain.Instance, bool, error) {
	var in domain.Instance
	var status string
	err := s.DB.QueryRow(ctx, `
		SELECT name, user_id, status, created_at FROM instances WHERE name=$1
	`, name).Scan(&in.Name, &in.UserID, &status, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Instance{}, false, nil
		}
		return domain.Instance{}, false, err
	}
	in.Status = domain.InstanceStatus(status)
	return in, true, nil
}

// InsertInstance reserves the name for the user. With a Limit the count and the
// insert run under a per-user advisory lock, so concurrent creates cannot go
// past the plan.
func (s *Store) InsertInstance(ctx context.Context, in store.InstanceInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if in.Limit > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('instances:' || $1))`, in.UserID); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM instances WHERE user_id=$1`, in.UserID).Scan(&n); err != nil {
			return err
		}
		if n >= in.Limit {
			return fmt.Errorf("%w: %d of %d in use", domain.ErrInstanceLimit, n, in.Limit)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO instances (name, user_id, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$4)
	`, in.Name, in.UserID, string(in.Status), in.Now)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrInstanceExists
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, name string, status domain.InstanceStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE instances SET status=$2, updated_at=$3 WHERE name=$1
	`, name, string(status), now)
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM instances WHERE name=$1`, name)
	return err
}
