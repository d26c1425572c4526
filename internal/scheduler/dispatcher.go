// Package scheduler sends scheduled messages when they fall due and
// schedules the next occurrence of recurring ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/session"
	"github.com/whatsapp-automation/engine/internal/store"
)

// ErrTickInProgress is returned when a tick is requested while another runs.
var ErrTickInProgress = errors.New("dispatcher tick already in progress")

// DefaultInterval between ticks.
const DefaultInterval = time.Minute

// completeAttempts bounds the retries of the SENT write after a delivery.
const completeAttempts = 3

// Store is the persistence the dispatcher needs.
type Store interface {
	DueScheduled(ctx context.Context, now time.Time) ([]models.ScheduledMessage, error)
	ClaimScheduled(ctx context.Context, id uint) (bool, error)
	CompleteScheduled(ctx context.Context, id uint, at time.Time, next *models.ScheduledMessage) (bool, error)
	MarkScheduledFailed(ctx context.Context, id uint, errMsg string) (bool, error)
}

// Sender delivers one message on behalf of an account.
type Sender interface {
	Deliver(ctx context.Context, accountID uint, chatID, body string) (string, error)
}

// Result summarizes one tick.
type Result struct {
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`
}

// Dispatcher polls for due messages.
type Dispatcher struct {
	store    Store
	sender   Sender
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
	backoff  time.Duration

	running sync.Mutex
}

func NewDispatcher(st Store, sender Sender, interval time.Duration, log logrus.FieldLogger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		store:    st,
		sender:   sender,
		interval: interval,
		log:      log.WithField("component", "scheduler"),
		now:      time.Now,
		backoff:  500 * time.Millisecond,
	}
}

// Run ticks every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Infof("Scheduler started (every %v)", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				d.log.WithError(err).Error("Scheduler tick failed")
			}
		}
	}
}

// Tick sends every due message once. Ticks never overlap.
func (d *Dispatcher) Tick(ctx context.Context) (Result, error) {
	if !d.running.TryLock() {
		return Result{}, ErrTickInProgress
	}
	defer d.running.Unlock()

	var res Result
	now := d.now()
	due, err := d.store.DueScheduled(ctx, now)
	if err != nil {
		if store.IsMissingTable(err) {
			return res, nil
		}
		return res, fmt.Errorf("failed to load due messages: %w", err)
	}

	revoked := make(map[uint]bool)
	for _, m := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if revoked[m.AccountID] {
			res.Skipped++
			continue
		}
		log := d.log.WithFields(logrus.Fields{"scheduled": m.ID, "account": m.AccountID})
		// A claimed message is out of the due set for good.
		claimed, err := d.store.ClaimScheduled(ctx, m.ID)
		if err != nil {
			log.WithError(err).Error("Failed to claim scheduled message")
		}
		if !claimed {
			res.Skipped++
			continue
		}

		if _, sendErr := d.sender.Deliver(ctx, m.AccountID, m.ChatID, m.Body); sendErr != nil {
			if _, err := d.store.MarkScheduledFailed(ctx, m.ID, sendErr.Error()); err != nil {
				log.WithError(err).Error("Failed to mark scheduled message failed")
			}
			res.Failed++
			log.WithError(sendErr).Warn("Scheduled message failed")
			if errors.Is(sendErr, session.ErrPermanentInvalidation) {
				revoked[m.AccountID] = true
			}
			continue
		}

		next, err := nextOccurrence(m)
		if err != nil {
			log.WithError(err).Error("Recurrence ends")
		}
		if err := d.complete(ctx, m.ID, next); err != nil {
			log.WithError(err).Error("Sent, but failed to record it; message stays SENDING")
			continue
		}
		res.Sent++
		if next != nil {
			res.Rescheduled++
		}
	}
	if len(due) > 0 {
		d.log.Infof("Tick: %d sent, %d failed, %d skipped", res.Sent, res.Failed, res.Skipped)
	}
	return res, nil
}

// complete records a delivered message as SENT together with its next
// occurrence, retrying a few times since the message was already sent.
func (d *Dispatcher) complete(ctx context.Context, id uint, next *models.ScheduledMessage) error {
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if _, err = d.store.CompleteScheduled(ctx, id, d.now(), next); err == nil {
			return nil
		}
		if attempt == completeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(time.Duration(attempt) * d.backoff):
		}
	}
	return err
}

// nextOccurrence builds the message following m, or nil when m does not repeat.
func nextOccurrence(m models.ScheduledMessage) (*models.ScheduledMessage, error) {
	if !m.Recurring() {
		return nil, nil
	}
	at, ok := NextOccurrence(m.ScheduledAt, m.Recurrence)
	if !ok {
		return nil, fmt.Errorf("unknown recurrence %q", m.Recurrence)
	}
	prev := m.ID
	return &models.ScheduledMessage{
		TenantID:    m.TenantID,
		AccountID:   m.AccountID,
		ChatID:      m.ChatID,
		Body:        m.Body,
		ScheduledAt: at,
		Recurrence:  m.Recurrence,
		PreviousID:  &prev,
	}, nil
}

// NextOccurrence returns the time after at for a recurrence. Monthly
// recurrences use calendar months, so Jan 31 becomes Mar 2 or 3.
func NextOccurrence(at time.Time, recurrence string) (time.Time, bool) {
	switch recurrence {
	case models.RecurrenceDaily:
		return at.AddDate(0, 0, 1), true
	case models.RecurrenceWeekly:
		return at.AddDate(0, 0, 7), true
	case models.RecurrenceMonthly:
		return at.AddDate(0, 1, 0), true
	default:
		return time.Time{}, false
	}
}
