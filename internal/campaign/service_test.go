package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wacampaign/internal/domain"
	"wacampaign/internal/store"
)

type fakeStore struct {
	campaigns     map[string]domain.Campaign
	contacts      map[string]domain.Contact
	instances     map[string]domain.Instance
	subs          map[string]domain.Subscription
	materialized  []store.Materialization
	statusUpdates []store.CampaignStatusUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]domain.Campaign{},
		contacts:  map[string]domain.Contact{},
		instances: map[string]domain.Instance{},
		subs:      map[string]domain.Subscription{},
	}
}

func (f *fakeStore) GetCampaign(_ context.Context, userID, id string) (domain.Campaign, bool, error) {
	c, ok := f.campaigns[id]
	if !ok || c.UserID != userID {
		return domain.Campaign{}, false, nil
	}
	return c, true, nil
}

func (f *fakeStore) GetContacts(_ context.Context, _ string, ids []string) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, id := range ids {
		if c, ok := f.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetInstance(_ context.Context, name string) (domain.Instance, bool, error) {
	in, ok := f.instances[name]
	return in, ok, nil
}

func (f *fakeStore) GetActiveSubscription(_ context.Context, userID string) (domain.Subscription, bool, error) {
	s, ok := f.subs[userID]
	return s, ok, nil
}

func (f *fakeStore) MaterializeCampaign(_ context.Context, in store.Materialization) error {
	c := f.campaigns[in.CampaignID]
	if c.Status != in.FromStatus {
		return domain.ErrStatusChanged
	}
	c.Status = in.ToStatus
	f.campaigns[in.CampaignID] = c
	f.materialized = append(f.materialized, in)
	return nil
}

func (f *fakeStore) SetCampaignStatus(_ context.Context, in store.CampaignStatusUpdate) (bool, error) {
	c, ok := f.campaigns[in.CampaignID]
	if !ok || c.UserID != in.UserID {
		return false, nil
	}
	for _, from := range in.From {
		if c.Status == from {
			c.Status = in.To
			f.campaigns[in.CampaignID] = c
			f.statusUpdates = append(f.statusUpdates, in)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CampaignStats(_ context.Context, userID, id string) (domain.CampaignStats, bool, error) {
	c, ok := f.campaigns[id]
	if !ok || c.UserID != userID {
		return domain.CampaignStats{}, false, nil
	}
	return domain.CampaignStats{CampaignID: id, Status: c.Status}, true, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(f *fakeStore, contacts int, credits int) {
	ids := make([]string, 0, contacts)
	for i := 0; i < contacts; i++ {
		id := fmt.Sprintf("ct-%d", i)
		ids = append(ids, id)
		f.contacts[id] = domain.Contact{ID: id, Name: fmt.Sprintf("Contato %d", i), Phone: fmt.Sprintf("+55119999900%02d", i)}
	}
	f.campaigns["cmp-1"] = domain.Campaign{
		ID: "cmp-1", UserID: "u1", InstanceName: "loja-1", Template: "Olá {{nome}}",
		ContactIDs: ids, Status: domain.CampaignDraft, SendingMethod: domain.MethodBatch,
	}
	f.instances["loja-1"] = domain.Instance{Name: "loja-1", UserID: "u1", Status: domain.InstanceConnected}
	f.subs["u1"] = domain.Subscription{UserID: "u1", Plan: "basic", CreditsRemaining: credits, Status: domain.SubscriptionActive}
}

func newService(f *fakeStore) *Service {
	n := 0
	return &Service{
		Store:         f,
		BatchInterval: 5 * time.Second,
		IDGen:         func() string { n++; return fmt.Sprintf("qm-%d", n) },
		Now:           func() time.Time { return t0 },
		PhoneRegion:   "BR",
	}
}

func TestStartBatchCampaignSchedulesFixedInterval(t *testing.T) {
	f := newFakeStore()
	seed(f, 3, 10)

	res, err := newService(f).Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, res.Status)
	assert.Equal(t, 3, res.Queued)

	require.Len(t, f.materialized, 1)
	rows := f.materialized[0].Rows
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, t0.Add(time.Duration(i*5)*time.Second), r.ScheduledFor)
		assert.Equal(t, "Olá {{nome}}", r.Message)
		assert.Equal(t, "u1", r.UserID)
		assert.Equal(t, "loja-1", r.InstanceName)
	}

	pairs := map[string]bool{}
	for _, r := range rows {
		key := r.CampaignID + "/" + r.ContactID
		assert.False(t, pairs[key], "duplicate pair %s", key)
		pairs[key] = true
	}
	assert.Equal(t, domain.CampaignSending, f.campaigns["cmp-1"].Status)
}

func TestStartQueueCampaignUsesIntervalBlocks(t *testing.T) {
	f := newFakeStore()
	seed(f, 5, 10)
	c := f.campaigns["cmp-1"]
	c.SendingMethod = domain.MethodQueue
	c.IntervalConfig = []domain.IntervalBlock{{Quantity: 2, Min: 3, Max: 3}, {Quantity: 3, Min: 10, Max: 10}}
	f.campaigns["cmp-1"] = c

	_, err := newService(f).Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)

	var got []int
	for _, r := range f.materialized[0].Rows {
		got = append(got, int(r.ScheduledFor.Sub(t0)/time.Second))
	}
	assert.Equal(t, []int{0, 3, 6, 16, 26}, got)
}

func TestStartRejectsInsufficientCredits(t *testing.T) {
	f := newFakeStore()
	seed(f, 5, 2)

	_, err := newService(f).Start(context.Background(), "u1", "cmp-1")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.True(t, domain.ValidationError(err))
	assert.Empty(t, f.materialized)
	assert.Equal(t, domain.CampaignDraft, f.campaigns["cmp-1"].Status)
}

func TestStartValidationErrors(t *testing.T) {
	cases := map[string]struct {
		mutate func(f *fakeStore)
		want   error
	}{
		"empty contacts": {
			mutate: func(f *fakeStore) {
				c := f.campaigns["cmp-1"]
				c.ContactIDs = nil
				f.campaigns["cmp-1"] = c
			},
			want: domain.ErrNoContacts,
		},
		"unknown contacts": {
			mutate: func(f *fakeStore) { f.contacts = map[string]domain.Contact{} },
			want:   domain.ErrNoContacts,
		},
		"missing instance": {
			mutate: func(f *fakeStore) { delete(f.instances, "loja-1") },
			want:   domain.ErrInstanceNotFound,
		},
		"instance of another user": {
			mutate: func(f *fakeStore) { f.instances["loja-1"] = domain.Instance{Name: "loja-1", UserID: "u2"} },
			want:   domain.ErrInstanceNotFound,
		},
		"no subscription": {
			mutate: func(f *fakeStore) { delete(f.subs, "u1") },
			want:   domain.ErrNoActiveSubscription,
		},
		"expired subscription": {
			mutate: func(f *fakeStore) {
				s := f.subs["u1"]
				s.ExpiresAt = t0.Add(-time.Hour)
				f.subs["u1"] = s
			},
			want: domain.ErrNoActiveSubscription,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFakeStore()
			seed(f, 3, 10)
			tc.mutate(f)

			_, err := newService(f).Start(context.Background(), "u1", "cmp-1")
			require.ErrorIs(t, err, tc.want)
			assert.Empty(t, f.materialized)
			assert.Equal(t, domain.CampaignDraft, f.campaigns["cmp-1"].Status)
		})
	}
}

func TestStartFutureScheduleMarksScheduled(t *testing.T) {
	f := newFakeStore()
	seed(f, 2, 10)
	c := f.campaigns["cmp-1"]
	at := t0.Add(2 * time.Hour)
	c.ScheduledAt = &at
	f.campaigns["cmp-1"] = c

	res, err := newService(f).Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignScheduled, res.Status)
	assert.Equal(t, at, f.materialized[0].Rows[0].ScheduledFor)
	assert.Equal(t, at.Add(5*time.Second), f.materialized[0].Rows[1].ScheduledFor)
}

func TestStartTwiceDoesNotRematerialize(t *testing.T) {
	f := newFakeStore()
	seed(f, 3, 10)
	svc := newService(f)

	_, err := svc.Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), "u1", "cmp-1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, f.materialized, 1)
}

func TestPauseThenResume(t *testing.T) {
	f := newFakeStore()
	seed(f, 3, 10)
	svc := newService(f)

	_, err := svc.Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	require.NoError(t, svc.Pause(context.Background(), "u1", "cmp-1"))
	assert.Equal(t, domain.CampaignPaused, f.campaigns["cmp-1"].Status)

	res, err := svc.Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, domain.CampaignSending, f.campaigns["cmp-1"].Status)
	assert.Len(t, f.materialized, 1)
}

func TestPauseDraftIsInvalid(t *testing.T) {
	f := newFakeStore()
	seed(f, 1, 10)
	err := newService(f).Pause(context.Background(), "u1", "cmp-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = newService(f).Pause(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
}

func TestStartDedupesContacts(t *testing.T) {
	f := newFakeStore()
	seed(f, 2, 10)
	c := f.campaigns["cmp-1"]
	c.ContactIDs = append(c.ContactIDs, c.ContactIDs[0])
	f.campaigns["cmp-1"] = c

	res, err := newService(f).Start(context.Background(), "u1", "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
}
