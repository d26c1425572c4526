// Package campaign runs bulk campaigns: one body sent to an ordered list of
// recipients, one at a time, with a delay between sends.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
)

// ErrNotPending is returned when running a campaign that already started or ended.
var ErrNotPending = errors.New("campaign is not pending")

// Store is the persistence the runner needs.
type Store interface {
	GetCampaign(ctx context.Context, id uint) (models.BulkCampaign, error)
	CampaignStatus(ctx context.Context, id uint) (string, error)
	TransitionCampaign(ctx context.Context, id uint, to string, from ...string) (bool, error)
	FailCampaign(ctx context.Context, id uint, reason string) (bool, error)
	RecordDelivery(ctx context.Context, campaignID uint, recipient, status, errMsg string) error
}

// Sender delivers one message on behalf of an account.
type Sender interface {
	Deliver(ctx context.Context, accountID uint, chatID, body string) (string, error)
}

// FinishHook runs after a campaign reached a final state.
type FinishHook func(ctx context.Context, c models.BulkCampaign)

// Options tune sending.
type Options struct {
	// DefaultDelay applies to campaigns created without a delay.
	DefaultDelay time.Duration
	// Spin enables {a|b} expansion per recipient.
	Spin bool
	// Jitter spreads each delay by up to this fraction.
	Jitter float64
}

// Runner executes campaigns.
type Runner struct {
	store  Store
	sender Sender
	opts   Options
	log    logrus.FieldLogger

	rndMu sync.Mutex
	rnd   *rand.Rand
	wait  func(ctx context.Context, d time.Duration) error

	hooksMu  sync.RWMutex
	onFinish []FinishHook
}

func NewRunner(st Store, sender Sender, opts Options, log logrus.FieldLogger) *Runner {
	return &Runner{
		store:  st,
		sender: sender,
		opts:   opts,
		log:    log.WithField("component", "campaign"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wait:   sleep,
	}
}

// OnFinish registers a hook for completed, failed and cancelled campaigns.
func (r *Runner) OnFinish(hook FinishHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onFinish = append(r.onFinish, hook)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fatal errors stop the whole campaign instead of failing one recipient.
func fatal(err error) bool {
	return errors.Is(err, session.ErrPermanentInvalidation) ||
		errors.Is(err, session.ErrNotAuthenticated) ||
		errors.Is(err, session.ErrNotConfigured) ||
		errors.Is(err, session.ErrAccountNotFound)
}

// Run sends a PENDING campaign to all its recipients.
func (r *Runner) Run(ctx context.Context, campaignID uint) error {
	c, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignPending {
		return ErrNotPending
	}
	ok, err := r.store.TransitionCampaign(ctx, campaignID, models.CampaignInProgress, models.CampaignPending)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}

	log := r.log.WithFields(logrus.Fields{"campaign": campaignID, "account": c.AccountID})
	log.Infof("Starting campaign to %d recipients", len(c.Recipients))

	delay := time.Duration(c.DelayMs) * time.Millisecond
	if delay <= 0 {
		delay = r.opts.DefaultDelay
	}

	for i, recipient := range c.Recipients {
		status, err := r.store.CampaignStatus(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("failed to reload campaign %d: %w", campaignID, err)
		}
		if status == models.CampaignCancelled {
			log.Infof("Campaign cancelled after %d recipients", i)
			r.finish(ctx, campaignID)
			return nil
		}

		_, sendErr := r.sender.Deliver(ctx, c.AccountID, recipient, r.body(c.Body))
		if sendErr != nil {
			if err := r.store.RecordDelivery(ctx, campaignID, recipient, models.DeliveryFailed, sendErr.Error()); err != nil {
				log.WithError(err).Error("Failed to record delivery")
			}
			if fatal(sendErr) {
				log.WithError(sendErr).Warn("Aborting campaign")
				if _, err := r.store.FailCampaign(ctx, campaignID, sendErr.Error()); err != nil {
					log.WithError(err).Error("Failed to mark campaign failed")
				}
				r.finish(ctx, campaignID)
				return fmt.Errorf("campaign %d aborted: %w", campaignID, sendErr)
			}
			log.WithField("recipient", recipient).WithError(sendErr).Warn("Delivery failed")
		} else if err := r.store.RecordDelivery(ctx, campaignID, recipient, models.DeliverySent, ""); err != nil {
			log.WithError(err).Error("Failed to record delivery")
		}

		if i < len(c.Recipients)-1 {
			if err := r.wait(ctx, r.jitter(delay)); err != nil {
				// the process is shutting down; the campaign cannot resume
				_, _ = r.store.FailCampaign(context.Background(), campaignID, "interrupted: "+err.Error())
				r.finish(context.Background(), campaignID)
				return err
			}
		}
	}

	if _, err := r.store.TransitionCampaign(ctx, campaignID, models.CampaignCompleted, models.CampaignInProgress); err != nil {
		return err
	}
	r.finish(ctx, campaignID)
	log.Info("Campaign completed")
	return nil
}

// Cancel stops a pending or running campaign. It reports whether the
// campaign was still cancellable.
func (r *Runner) Cancel(ctx context.Context, campaignID uint) (bool, error) {
	if _, err := r.store.GetCampaign(ctx, campaignID); err != nil {
		return false, err
	}
	return r.store.TransitionCampaign(ctx, campaignID, models.CampaignCancelled,
		models.CampaignPending, models.CampaignInProgress)
}

func (r *Runner) body(text string) string {
	if !r.opts.Spin {
		return text
	}
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return Spin(text, r.rnd)
}

func (r *Runner) jitter(d time.Duration) time.Duration {
	if r.opts.Jitter <= 0 {
		return d
	}
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return Jitter(d, r.opts.Jitter, r.rnd)
}

func (r *Runner) finish(ctx context.Context, campaignID uint) {
	r.hooksMu.RLock()
	hooks := append([]FinishHook(nil), r.onFinish...)
	r.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	c, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithField("campaign", campaignID).WithError(err).Warn("Failed to reload campaign")
		}
		return
	}
	for _, hook := range hooks {
		hook(ctx, c)
	}
}
