package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/network/networktest"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

type published struct {
	subject string
	event   map[string]any
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (s *recordingSink) Publish(subject string, data []byte) error {
	if s.err != nil {
		return s.err
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, published{subject: subject, event: ev})
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.msgs...)
}

func quiet() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSubjectPrefix(t *testing.T) {
	p := NewPublisher(nil, "acme.wa.", quiet())
	assert.Equal(t, "acme.wa.t1.message.received", p.Subject("t1", TypeMessageReceived))
	assert.Equal(t, "acme.wa.campaign.finished", p.Subject("", TypeCampaignFinished))

	p = NewPublisher(nil, "", quiet())
	assert.Equal(t, "engine.t1.campaign.finished", p.Subject("t1", TypeCampaignFinished))
}

func TestNilSinkDiscards(t *testing.T) {
	p := NewPublisher(nil, "", quiet())
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeReauthRequired}))
}

func TestPublishFillsEnvelope(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "", quiet())
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeReauthRequired, TenantID: "t1", AccountID: 3}))

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "engine.t1.account.reauth_required", msgs[0].subject)
	assert.NotEmpty(t, msgs[0].event["id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", msgs[0].event["occurredAt"])
	assert.EqualValues(t, 3, msgs[0].event["accountId"])
}

func TestPublishWrapsSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("nats: connection closed")}
	p := NewPublisher(sink, "", quiet())

	err := p.Publish(context.Background(), Event{Type: TypeCampaignFinished})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "campaign.finished")

	// hooks only log
	p.CampaignFinished(context.Background(), models.BulkCampaign{ID: 1})
}

func TestCampaignFinishedPayload(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, "", quiet())

	p.CampaignFinished(context.Background(), models.BulkCampaign{
		ID: 9, TenantID: "t1", AccountID: 2, Name: "promo",
		Status: models.CampaignFailed, SentCount: 4, FailedCount: 1, Error: "logged out",
	})

	msgs := sink.all()
	require.Len(t, msgs, 1)
	data := msgs[0].event["data"].(map[string]any)
	assert.EqualValues(t, 9, data["campaignId"])
	assert.Equal(t, models.CampaignFailed, data["status"])
	assert.EqualValues(t, 4, data["sentCount"])
	assert.Equal(t, "logged out", data["error"])
}

func TestInboundMessagesArePublishedPerTenant(t *testing.T) {
	log := quiet()
	st := storetest.New(t)
	net := networktest.New()
	mgr := session.NewManager(st, net, nil, session.Options{}, log)
	t.Cleanup(mgr.Shutdown)

	sink := &recordingSink{}
	p := NewPublisher(sink, "", log)
	mgr.OnConnect(p.Activate(st))

	acc := storetest.Account(t, st, "t1", "blob")
	_, err := mgr.Obtain(context.Background(), acc.ID)
	require.NoError(t, err)

	conn := net.Last()
	conn.Deliver(network.InboundMessage{ID: "m1", ChatID: "alice", SenderID: "alice", Text: "hi",
		Media: &network.Attachment{Kind: "photo"}})
	conn.Deliver(network.InboundMessage{ID: "m2", ChatID: "alice", Text: "mine", Outgoing: true})

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "engine.t1.message.received", msgs[0].subject)
	data := msgs[0].event["data"].(map[string]any)
	assert.Equal(t, "m1", data["messageId"])
	assert.Equal(t, "photo", data["mediaKind"])
}
