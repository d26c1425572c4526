package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/autoreply"
	"github.com/whatsapp-automation/engine/internal/campaign"
	"github.com/whatsapp-automation/engine/internal/config"
	"github.com/whatsapp-automation/engine/internal/events"
	"github.com/whatsapp-automation/engine/internal/forwarding"
	"github.com/whatsapp-automation/engine/internal/groups"
	"github.com/whatsapp-automation/engine/internal/messaging"
	"github.com/whatsapp-automation/engine/internal/scheduler"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
	"github.com/whatsapp-automation/engine/internal/telegram"
	"github.com/whatsapp-automation/engine/internal/whatsapp"
)

// app holds every wired component.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	store      *store.Store
	dialer     *whatsapp.Dialer
	sessions   *session.Manager
	messaging  *messaging.Service
	autoReply  *autoreply.Engine
	forwarding *forwarding.Engine
	runner     *campaign.Runner
	queue      campaign.Queue
	dispatcher *scheduler.Dispatcher
	groups     *groups.Administrator
	publisher  *events.Publisher
	notifier   *telegram.Notifier
	nats       *nats.Conn
}

// build opens the store and wires the session layer and the services on
// top of it. The campaign queue is only opened when withQueue is set.
func build(ctx context.Context, cfg *config.Config, log *logrus.Logger, withQueue bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		a.close()
		return nil, err
	}

	proxies := config.NewProxyPool(cfg.Proxy, log)
	a.dialer, err = whatsapp.NewDialer(whatsapp.Options{
		SessionsDir:    cfg.WhatsApp.SessionsDir,
		Dialect:        cfg.WhatsApp.StoreDialect,
		DSN:            cfg.WhatsApp.StoreDSN,
		DeviceSeed:     cfg.WhatsApp.DeviceSeed,
		DeviceCountry:  cfg.WhatsApp.DeviceCountry,
		ConnectTimeout: cfg.WhatsApp.ConnectTimeout,
		HistoryLimit:   cfg.WhatsApp.HistoryLimit,
		LogLevel:       cfg.WhatsApp.LogLevel,
	}, proxies, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.sessions = session.NewManager(st, a.dialer, session.NewMemoryRegistry(),
		session.Options{LoginTTL: cfg.WhatsApp.LoginTTL}, log)
	a.messaging = messaging.NewService(a.sessions, messaging.Options{
		MediaDir:    cfg.Media.TempDir,
		MaxFileSize: cfg.Media.MaxSize,
	}, log)
	a.autoReply = autoreply.NewEngine(st, a.sessions, log)
	a.forwarding = forwarding.NewEngine(st, a.sessions, log)
	a.runner = campaign.NewRunner(st, a.messaging, campaign.Options{
		DefaultDelay: time.Duration(cfg.Campaign.DefaultDelay) * time.Millisecond,
		Spin:         cfg.Campaign.Spin,
		Jitter:       cfg.Campaign.DelayJitter,
	}, log)
	a.dispatcher = scheduler.NewDispatcher(st, a.messaging, cfg.Scheduler.Interval, log)
	a.groups = groups.NewAdministrator(a.sessions, st, groups.Options{
		InvitePace:   cfg.Groups.InvitePace,
		HarvestLimit: cfg.Groups.HarvestLimit,
	}, log)
	a.notifier = telegram.NewNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, log)

	var sink events.Sink
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.nats, sink = nc, nc
	}
	a.publisher = events.NewPublisher(sink, cfg.NATS.SubjectPrefix, log)

	a.sessions.OnConnect(a.autoReply.Activate)
	a.sessions.OnConnect(a.forwarding.Activate)
	a.sessions.OnConnect(a.publisher.Activate(st))
	a.sessions.OnInvalidate(a.notifier.AlertReauthRequired)
	a.sessions.OnInvalidate(a.publisher.ReauthRequired)
	a.runner.OnFinish(a.notifier.AlertCampaignFinished)
	a.runner.OnFinish(a.publisher.CampaignFinished)

	if withQueue {
		if a.queue, err = openQueue(cfg, log); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func openQueue(cfg *config.Config, log logrus.FieldLogger) (campaign.Queue, error) {
	switch cfg.Campaign.Queue {
	case "amqp":
		q, err := campaign.NewAMQPQueue(cfg.Campaign.AMQPURL, cfg.Campaign.QueueName, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open campaign queue: %w", err)
		}
		return q, nil
	default:
		return campaign.NewMemoryQueue(0), nil
	}
}

// close releases everything build opened, in reverse order.
func (a *app) close() {
	if a.sessions != nil {
		a.sessions.Shutdown()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close campaign queue")
		}
	}
	if a.nats != nil {
		_ = a.nats.Drain()
	}
	if a.dialer != nil {
		if err := a.dialer.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close device stores")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close store")
		}
	}
}
