package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/groups"
	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/network/networktest"
	"github.com/whatsapp-automation/engine/internal/scheduler"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	acc := storetest.Account(t, f.store, "t1", "blob")
	path := fmt.Sprintf("/accounts/%d/campaigns", acc.ID)

	code, resp := f.do(t, http.MethodPost, path, "t1", CampaignRequest{Body: "promo"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "recipients")

	code, resp = f.do(t, http.MethodPost, path, "t1", CampaignRequest{
		Name:       "spring",
		Body:       "promo",
		Recipients: []string{"a", "b"},
		DelayMs:    10,
	})
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	var first models.BulkCampaign
	decodeData(t, resp, &first)
	assert.Equal(t, models.CampaignPending, first.Status)
	assert.Equal(t, "t1", first.TenantID)

	// The queue holds one job, so the next campaign is refused and failed.
	code, resp = f.do(t, http.MethodPost, path, "t1", CampaignRequest{Body: "promo", Recipients: []string{"c"}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, CodeQueueFull, resp.ErrorCode)
	second, err := f.store.GetCampaign(context.Background(), first.ID+1)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, second.Status)

	campaignPath := fmt.Sprintf("/campaigns/%d", first.ID)
	code, resp = f.do(t, http.MethodGet, campaignPath, "t1", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var status CampaignStatus
	decodeData(t, resp, &status)
	assert.Equal(t, []string{"a", "b"}, status.Campaign.Recipients)
	assert.Empty(t, status.Deliveries)

	code, resp = f.do(t, http.MethodGet, campaignPath, "t2", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, CodeTenantMismatch, resp.ErrorCode)

	var cancelled map[string]bool
	code, resp = f.do(t, http.MethodPost, campaignPath+"/cancel", "t1", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	decodeData(t, resp, &cancelled)
	assert.True(t, cancelled["cancelled"])

	_, resp = f.do(t, http.MethodPost, campaignPath+"/cancel", "t1", nil)
	decodeData(t, resp, &cancelled)
	assert.False(t, cancelled["cancelled"])

	code, _ = f.do(t, http.MethodGet, "/campaigns/999", "t1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestScheduledMessages(t *testing.T) {
	f := newFixture(t, nil)
	acc := storetest.Account(t, f.store, "t1", "blob")
	path := fmt.Sprintf("/accounts/%d/scheduled", acc.ID)

	code, resp := f.do(t, http.MethodPost, path, "t1", ScheduledRequest{
		ChatID:      "chat-1",
		Body:        "standup",
		ScheduledAt: time.Now().Add(time.Hour),
		Recurrence:  "HOURLY",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "recurrence")

	code, resp = f.do(t, http.MethodPost, path, "t1", ScheduledRequest{
		ChatID:      "chat-1",
		Body:        "standup",
		ScheduledAt: time.Now().Add(time.Hour),
		Recurrence:  models.RecurrenceDaily,
	})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var m models.ScheduledMessage
	decodeData(t, resp, &m)
	assert.Equal(t, models.ScheduledPending, m.Status)

	cancelPath := fmt.Sprintf("/scheduled/%d/cancel", m.ID)
	code, _ = f.do(t, http.MethodPost, cancelPath, "t2", nil)
	assert.Equal(t, http.StatusForbidden, code)

	var cancelled map[string]bool
	_, resp = f.do(t, http.MethodPost, cancelPath, "t1", nil)
	decodeData(t, resp, &cancelled)
	assert.True(t, cancelled["cancelled"])

	_, resp = f.do(t, http.MethodPost, cancelPath, "t1", nil)
	decodeData(t, resp, &cancelled)
	assert.False(t, cancelled["cancelled"])
}

func TestDispatcherTick(t *testing.T) {
	f := newFixture(t, nil)
	acc := storetest.Account(t, f.store, "t1", "blob")

	require.NoError(t, f.store.CreateScheduled(context.Background(), &models.ScheduledMessage{
		TenantID:    "t1",
		AccountID:   acc.ID,
		ChatID:      "chat-1",
		Body:        "due now",
		ScheduledAt: time.Now().Add(-time.Minute),
	}))

	code, resp := f.do(t, http.MethodPost, "/dispatcher/tick", "", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var res scheduler.Result
	decodeData(t, resp, &res)
	assert.Equal(t, scheduler.Result{Sent: 1}, res)
	assert.Equal(t, "due now", f.net.Last().Sent()[0].Text)
}

func TestGroups(t *testing.T) {
	f := newFixture(t, func(c *networktest.Conn) {
		c.Users["alice"] = network.Peer{ID: "alice@s.whatsapp.net", Kind: network.PeerUser}
		c.Members["team@g.us"] = []network.Participant{
			{ID: "alice@s.whatsapp.net", Phone: "15550002222", IsAdmin: true},
			{ID: "bob@s.whatsapp.net", Name: "Bob", Phone: "15550003333"},
		}
	})
	acc := storetest.Account(t, f.store, "t1", "blob")
	base := fmt.Sprintf("/accounts/%d/groups", acc.ID)

	code, resp := f.do(t, http.MethodPost, base, "t1", CreateGroupRequest{
		Kind:    models.GroupKindGroup,
		Title:   "Launch",
		Members: []string{"alice", "ghost"},
	})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var created groups.Created
	decodeData(t, resp, &created)
	assert.Equal(t, models.GroupKindGroup, created.Group.Kind)
	assert.Equal(t, []string{"ghost"}, created.Skipped)

	code, resp = f.do(t, http.MethodPost, base, "t1", CreateGroupRequest{Kind: "forum", Title: "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "kind")

	code, resp = f.do(t, http.MethodPost, base+"/team@g.us/members", "t1", MembersRequest{Members: []string{"alice", "ghost"}})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var results []groups.MemberResult
	decodeData(t, resp, &results)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)

	code, resp = f.do(t, http.MethodPost, base+"/team@g.us/harvest", "t1", HarvestRequest{Persist: true})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var members []groups.Member
	decodeData(t, resp, &members)
	require.Len(t, members, 2)
	assert.Equal(t, "15550002222", members[0].Name)

	contacts, err := f.store.ListContacts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
}
