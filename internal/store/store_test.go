package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/store"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

func TestAccountSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	acc := storetest.Account(t, s, "t1", "")

	require.NoError(t, s.SaveSession(ctx, acc.ID, "blob-1", "15550001111"))
	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob-1", got.SessionBlob)
	assert.True(t, got.Active)

	restorable, err := s.ListRestorable(ctx)
	require.NoError(t, err)
	require.Len(t, restorable, 1)

	require.NoError(t, s.ClearSession(ctx, acc.ID))
	require.NoError(t, s.ClearSession(ctx, acc.ID))
	got, err = s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionBlob)
	assert.Empty(t, got.Identity)
	assert.False(t, got.Active)

	_, err = s.GetAccount(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRulesOrderAndUsage(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	low := models.AutoReplyRule{AccountID: 1, TriggerType: models.TriggerAll, ReplyText: "low", Priority: 1, Active: true}
	high := models.AutoReplyRule{AccountID: 1, TriggerType: models.TriggerAll, ReplyText: "high", Priority: 9, Active: true}
	off := models.AutoReplyRule{AccountID: 1, TriggerType: models.TriggerAll, ReplyText: "off", Priority: 99, Active: false}
	for _, r := range []*models.AutoReplyRule{&low, &high, &off} {
		require.NoError(t, s.CreateRule(ctx, r))
	}

	rules, err := s.ListActiveRules(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].ReplyText)

	now := time.Now()
	require.NoError(t, s.RecordUsage(ctx, high.ID, "alice", now.Add(-2*time.Hour)))
	require.NoError(t, s.RecordUsage(ctx, high.ID, "alice", now))

	n, err := s.CountUsage(ctx, high.ID, "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetRule(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)

	require.NoError(t, s.DeleteRule(ctx, high.ID))
	assert.ErrorIs(t, s.DeleteRule(ctx, high.ID), store.ErrNotFound)
}

func TestCampaignTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	c := models.BulkCampaign{TenantID: "t1", AccountID: 1, Body: "hi", Recipients: []string{"a", "b"}}
	require.NoError(t, s.CreateCampaign(ctx, &c))

	ok, err := s.TransitionCampaign(ctx, c.ID, models.CampaignInProgress, models.CampaignPending)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionCampaign(ctx, c.ID, models.CampaignInProgress, models.CampaignPending)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordDelivery(ctx, c.ID, "a", models.DeliverySent, ""))
	require.NoError(t, s.RecordDelivery(ctx, c.ID, "b", models.DeliveryFailed, "boom"))

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, []string{"a", "b"}, got.Recipients)
	assert.NotNil(t, got.StartedAt)

	logs, err := s.ListDeliveries(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "boom", logs[1].Error)
}

func TestScheduledDueAndFinish(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	now := time.Now().UTC()

	due := models.ScheduledMessage{TenantID: "t1", AccountID: 1, ChatID: "c", Body: "x", ScheduledAt: now.Add(-time.Minute)}
	later := models.ScheduledMessage{TenantID: "t1", AccountID: 1, ChatID: "c", Body: "y", ScheduledAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateScheduled(ctx, &due))
	require.NoError(t, s.CreateScheduled(ctx, &later))

	ms, err := s.DueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, due.ID, ms[0].ID)
	assert.Equal(t, models.RecurrenceNone, ms[0].Recurrence)

	ok, err := s.CancelScheduled(ctx, due.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkScheduledSent(ctx, due.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "cancelled message must not become SENT")
}

func TestClaimedScheduledCompletesWithNextOccurrence(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	now := time.Now().UTC()

	m := models.ScheduledMessage{TenantID: "t1", AccountID: 1, ChatID: "c", Body: "x", ScheduledAt: now, Recurrence: models.RecurrenceWeekly}
	require.NoError(t, s.CreateScheduled(ctx, &m))

	ok, err := s.ClaimScheduled(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimScheduled(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CancelScheduled(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok, "claimed message cannot be cancelled")

	due, err := s.DueScheduled(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	prev := m.ID
	next := models.ScheduledMessage{TenantID: "t1", AccountID: 1, ChatID: "c", Body: "x",
		ScheduledAt: now.AddDate(0, 0, 7), Recurrence: models.RecurrenceWeekly, PreviousID: &prev}
	ok, err = s.CompleteScheduled(ctx, m.ID, now, &next)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetScheduled(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledSent, got.Status)
	stored, err := s.GetScheduled(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledPending, stored.Status)

	// Completing again is a no-op and inserts nothing.
	again := models.ScheduledMessage{TenantID: "t1", AccountID: 1, ChatID: "c", Body: "x", ScheduledAt: now}
	ok, err = s.CompleteScheduled(ctx, m.ID, now, &again)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, again.ID)
}

func TestUpsertContactsKeepsOneRowPerTenantAndExternalID(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	require.NoError(t, s.UpsertContacts(ctx, []models.ContactRecord{
		{TenantID: "t1", ExternalID: "u1", Name: "Old"},
		{TenantID: "t2", ExternalID: "u1", Name: "Other tenant"},
	}))
	require.NoError(t, s.UpsertContacts(ctx, []models.ContactRecord{
		{TenantID: "t1", ExternalID: "u1", Name: "New"},
	}))

	cs, err := s.ListContacts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "New", cs[0].Name)
}

func TestIsMissingTable(t *testing.T) {
	s := storetest.New(t)
	err := s.DB().Exec("SELECT * FROM not_a_table").Error
	assert.True(t, store.IsMissingTable(err))
	assert.False(t, store.IsMissingTable(errors.New("boom")))
	assert.False(t, store.IsMissingTable(nil))
}
