//go:build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wacampaign/internal/domain"
	"wacampaign/internal/store"
)

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-1", "u1", domain.CampaignSending)
	for i := 0; i < 40; i++ {
		seedRow(t, db, fmt.Sprintf("qm-%02d", i), "cmp-1", fmt.Sprintf("ct-%02d", i), time.Now().Add(-time.Minute))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rows, err := s.ClaimDue(ctx, 5)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(rows) == 0 {
					return
				}
				mu.Lock()
				for _, r := range rows {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s claimed %d times", id, n)
	}
	assert.Equal(t, 40, countRows(t, db, "cmp-1", domain.MessageSending))
}

func TestClaimPromotesScheduledAndSkipsPaused(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-sched", "u1", domain.CampaignScheduled)
	seedCampaign(t, db, "cmp-paused", "u1", domain.CampaignPaused)
	seedRow(t, db, "qm-a", "cmp-sched", "ct-a", time.Now().Add(-time.Second))
	seedRow(t, db, "qm-b", "cmp-paused", "ct-b", time.Now().Add(-time.Second))
	seedRow(t, db, "qm-c", "cmp-sched", "ct-c", time.Now().Add(time.Hour))

	rows, err := s.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "qm-a", rows[0].ID)

	c, found, err := s.GetCampaign(ctx, "u1", "cmp-sched")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.CampaignSending, c.Status)
}

func TestClaimSkipsOwnersWhoCannotSend(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-broke", "broke", domain.CampaignSending)
	seedCampaign(t, db, "cmp-expired", "expired", domain.CampaignSending)
	seedCampaign(t, db, "cmp-ok", "u1", domain.CampaignSending)
	_, err := db.Exec(ctx, `UPDATE subscriptions SET credits_remaining = 0 WHERE user_id = 'broke'`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `UPDATE subscriptions SET expires_at = now() - interval '1 hour' WHERE user_id = 'expired'`)
	require.NoError(t, err)

	// the unfunded owners hold the oldest rows
	seedRow(t, db, "qm-broke", "cmp-broke", "ct-1", time.Now().Add(-time.Hour))
	seedRow(t, db, "qm-expired", "cmp-expired", "ct-2", time.Now().Add(-time.Hour))
	seedRow(t, db, "qm-ok", "cmp-ok", "ct-3", time.Now().Add(-time.Minute))

	rows, err := s.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "qm-ok", rows[0].ID)
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, 1, countRows(t, db, "cmp-broke", domain.MessagePending))
	assert.Equal(t, 1, countRows(t, db, "cmp-expired", domain.MessagePending))
}

func TestConcurrentDecrementsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedSubscription(t, db, "u1", 5)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := s.TryDecrement(ctx, "u1")
			if err != nil {
				t.Errorf("decrement: %v", err)
				return
			}
			if granted {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	sub, found, err := s.GetActiveSubscription(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, sub.CreditsRemaining)

	granted, err := s.TryDecrement(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestMaterializeIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-1", "u1", domain.CampaignDraft)
	now := time.Now().UTC()
	row := func(id, contact string) store.QueuedMessageInsert {
		return store.QueuedMessageInsert{
			ID: id, CampaignID: "cmp-1", ContactID: contact, UserID: "u1",
			Phone: "+5511999990000", Message: "Oi {{nome}}", InstanceName: "loja-1", ScheduledFor: now,
		}
	}

	err := s.MaterializeCampaign(ctx, store.Materialization{
		CampaignID: "cmp-1", FromStatus: domain.CampaignDraft, ToStatus: domain.CampaignSending, Now: now,
		Rows: []store.QueuedMessageInsert{row("qm-1", "ct-1"), row("qm-2", "ct-1")},
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, "cmp-1", domain.MessagePending))
	c, _, err := s.GetCampaign(ctx, "u1", "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignDraft, c.Status)

	in := store.Materialization{
		CampaignID: "cmp-1", FromStatus: domain.CampaignDraft, ToStatus: domain.CampaignSending, Now: now,
		Rows: []store.QueuedMessageInsert{row("qm-1", "ct-1"), row("qm-2", "ct-2")},
	}
	require.NoError(t, s.MaterializeCampaign(ctx, in))
	assert.Equal(t, 2, countRows(t, db, "cmp-1", domain.MessagePending))

	err = s.MaterializeCampaign(ctx, in)
	assert.ErrorIs(t, err, domain.ErrStatusChanged)
	assert.Equal(t, 2, countRows(t, db, "cmp-1", domain.MessagePending))
}

func TestFinalStatusIsNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-1", "u1", domain.CampaignSending)
	seedRow(t, db, "qm-1", "cmp-1", "ct-1", time.Now().Add(-time.Minute))
	seedRow(t, db, "qm-2", "cmp-1", "ct-2", time.Now().Add(-time.Minute))

	rows, err := s.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ok, err := s.MarkSent(ctx, "qm-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkFailed(ctx, "qm-1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ReleaseClaims(ctx, []string{"qm-1", "qm-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.Equal(t, 1, countRows(t, db, "cmp-1", domain.MessageSent))
	assert.Equal(t, 1, countRows(t, db, "cmp-1", domain.MessagePending))
}

func TestReclaimStaleAndRecompute(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	seedCampaign(t, db, "cmp-1", "u1", domain.CampaignSending)
	seedRow(t, db, "qm-1", "cmp-1", "ct-1", time.Now().Add(-time.Hour))
	_, err := s.ClaimDue(ctx, 1)
	require.NoError(t, err)

	n, err := s.ReclaimStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.ReclaimStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	st, err := s.RecomputeCampaignStatus(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatus(""), st)

	_, err = s.ClaimDue(ctx, 1)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, "qm-1")
	require.NoError(t, err)

	st, err = s.RecomputeCampaignStatus(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, st)

	stats, found, err := s.CampaignStats(ctx, "u1", "cmp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Failed)
}

func TestInsertLogKeepsRawResponse(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	require.NoError(t, s.InsertLog(ctx, domain.LogEntry{
		CampaignID: "cmp-1", ContactID: "ct-1", UserID: "u1", Phone: "+5511999990000",
		Message: "Oi Ana", Status: domain.MessageFailed, SentAt: time.Now(),
		Response: map[string]any{"error": "evolution: 500: boom", "http_status": 500},
	}))

	var status int
	err := db.QueryRow(ctx, `SELECT (response->>'http_status')::int FROM message_logs WHERE contact_id='ct-1'`).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, 500, status)
}

func TestInstanceLimitHoldsUnderConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		limited int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertInstance(ctx, store.InstanceInsert{
				Name: fmt.Sprintf("loja-%d", i), UserID: "u1", Status: domain.InstanceDisconnected, Now: time.Now(), Limit: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrInstanceLimit):
				limited++
			default:
				t.Errorf("insert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, limited)

	// no limit for u2, but names stay globally unique
	shared := store.InstanceInsert{Name: "shared", UserID: "u2", Status: domain.InstanceDisconnected, Now: time.Now()}
	require.NoError(t, s.InsertInstance(ctx, shared))
	assert.ErrorIs(t, s.InsertInstance(ctx, shared), domain.ErrInstanceExists)
}

func seedCampaign(t *testing.T, db *pgxpool.Pool, id, userID string, status domain.CampaignStatus) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO campaigns (id, user_id, instance_name, message, status) VALUES ($1, $2, 'loja-1', 'Oi {{nome}}', $3)
	`, id, userID, string(status))
	require.NoError(t, err)
	// claims only reach owners who can send
	seedSubscription(t, db, userID, 100)
}

func seedRow(t *testing.T, db *pgxpool.Pool, id, campaignID, contactID string, due time.Time) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO queued_messages (id, campaign_id, contact_id, user_id, phone, message, instance_name, scheduled_for)
		SELECT $1, c.id, $3, c.user_id, '+5511999990000', 'Oi {{nome}}', 'loja-1', $4
		  FROM campaigns c WHERE c.id = $2
	`, id, campaignID, contactID, due)
	require.NoError(t, err)
}

func seedSubscription(t *testing.T, db *pgxpool.Pool, userID string, credits int) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO subscriptions (user_id, plan, credits_remaining, total_credits) VALUES ($1, 'basic', $2, $2)
		ON CONFLICT (user_id) WHERE status = 'active' DO NOTHING
	`, userID, credits)
	require.NoError(t, err)
}

func countRows(t *testing.T, db *pgxpool.Pool, campaignID string, status domain.MessageStatus) int {
	t.Helper()
	var n int
	err := db.QueryRow(context.Background(), `
		SELECT count(*) FROM queued_messages WHERE campaign_id=$1 AND status=$2
	`, campaignID, string(status)).Scan(&n)
	require.NoError(t, err)
	return n
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
