// Package events publishes engine activity (inbound messages, revoked
// sessions, finished campaigns) to NATS subjects for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/session"
)

// Event types, also used as subject suffixes.
const (
	TypeMessageReceived  = "message.received"
	TypeReauthRequired   = "account.reauth_required"
	TypeCampaignFinished = "campaign.finished"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "engine"

// Sink is where encoded events go. *nats.Conn satisfies it.
type Sink interface {
	Publish(subject string, data []byte) error
}

// Event is the envelope of every published payload.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenantId,omitempty"`
	AccountID  uint      `json:"accountId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Publisher encodes events and hands them to a sink. A nil sink discards
// everything.
type Publisher struct {
	sink   Sink
	prefix string
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewPublisher returns a publisher writing to sink under prefix.
func NewPublisher(sink Sink, prefix string, log logrus.FieldLogger) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		sink:   sink,
		prefix: prefix,
		log:    log.WithField("component", "events"),
		now:    time.Now,
	}
}

// Connect dials NATS with reconnects enabled and connection state logged.
func Connect(url string, log logrus.FieldLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("whatsapp-automation-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the full subject of an event type for one tenant.
func (p *Publisher) Subject(tenantID, eventType string) string {
	if tenantID == "" {
		return p.prefix + "." + eventType
	}
	return p.prefix + "." + tenantID + "." + eventType
}

// Publish sends one event. Failures are returned and never retried.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p.sink == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if err := p.sink.Publish(p.Subject(ev.TenantID, ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) emit(ctx context.Context, ev Event) {
	if err := p.Publish(ctx, ev); err != nil {
		p.log.WithError(err).WithField("account", ev.AccountID).Warn("Event dropped")
	}
}

// InboundMessage is the payload of TypeMessageReceived.
type InboundMessage struct {
	MessageID  string    `json:"messageId"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	IsGroup    bool      `json:"isGroup"`
	MediaKind  string    `json:"mediaKind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func inbound(msg network.InboundMessage) InboundMessage {
	out := InboundMessage{
		MessageID:  msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		IsGroup:    msg.IsGroup,
		Timestamp:  msg.Timestamp,
	}
	if msg.Media != nil {
		out.MediaKind = msg.Media.Kind
	}
	return out
}

// AccountLookup resolves the tenant of an account.
type AccountLookup interface {
	GetAccount(ctx context.Context, id uint) (models.AccountConfig, error)
}

// Activate subscribes to the inbound messages of a new live connection.
// Outgoing messages are not published.
func (p *Publisher) Activate(accounts AccountLookup) session.ConnectHook {
	return func(ctx context.Context, lc *session.LiveConnection) {
		var tenantID string
		if acc, err := accounts.GetAccount(ctx, lc.AccountID); err == nil {
			tenantID = acc.TenantID
		}
		lc.Subscribe(func(msg network.InboundMessage) {
			if msg.Outgoing {
				return
			}
			p.emit(context.Background(), Event{
				Type:      TypeMessageReceived,
				TenantID:  tenantID,
				AccountID: lc.AccountID,
				Data:      inbound(msg),
			})
		})
	}
}

// ReauthRequired publishes a revoked session.
func (p *Publisher) ReauthRequired(ctx context.Context, acc models.AccountConfig) {
	p.emit(ctx, Event{
		Type:      TypeReauthRequired,
		TenantID:  acc.TenantID,
		AccountID: acc.ID,
		Data: map[string]string{
			"name":     acc.Name,
			"identity": acc.Identity,
		},
	})
}

// CampaignSummary is the payload of TypeCampaignFinished.
type CampaignSummary struct {
	CampaignID  uint   `json:"campaignId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	SentCount   int    `json:"sentCount"`
	FailedCount int    `json:"failedCount"`
	Error       string `json:"error,omitempty"`
}

// CampaignFinished publishes the final state of a campaign.
func (p *Publisher) CampaignFinished(ctx context.Context, c models.BulkCampaign) {
	p.emit(ctx, Event{
		Type:      TypeCampaignFinished,
		TenantID:  c.TenantID,
		AccountID: c.AccountID,
		Data: CampaignSummary{
			CampaignID:  c.ID,
			Name:        c.Name,
			Status:      c.Status,
			SentCount:   c.SentCount,
			FailedCount: c.FailedCount,
			Error:       c.Error,
		},
	})
}
