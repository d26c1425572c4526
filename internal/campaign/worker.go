package campaign

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
)

// PendingLister finds campaigns left pending by a previous process.
type PendingLister interface {
	ListCampaignsByStatus(ctx context.Context, status string) ([]models.BulkCampaign, error)
}

// Worker drains the queue into the runner, one campaign at a time.
type Worker struct {
	queue  Queue
	runner *Runner
	log    logrus.FieldLogger
}

func NewWorker(queue Queue, runner *Runner, log logrus.FieldLogger) *Worker {
	return &Worker{queue: queue, runner: runner, log: log.WithField("component", "campaign-worker")}
}

// Recover re-enqueues campaigns that are still pending. Duplicates are
// harmless: a campaign only runs once.
func (w *Worker) Recover(ctx context.Context, st PendingLister) int {
	pending, err := st.ListCampaignsByStatus(ctx, models.CampaignPending)
	if err != nil {
		w.log.WithError(err).Warn("Failed to list pending campaigns")
		return 0
	}
	n := 0
	for _, c := range pending {
		if err := w.queue.Enqueue(ctx, c.ID); err != nil {
			w.log.WithField("campaign", c.ID).WithError(err).Warn("Failed to re-enqueue campaign")
			continue
		}
		n++
	}
	return n
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Campaign worker started")
	err := w.queue.Consume(ctx, func(ctx context.Context, id uint) error {
		err := w.runner.Run(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotPending):
			w.log.WithField("campaign", id).Debug("Skipping campaign that is not pending")
		default:
			w.log.WithField("campaign", id).WithError(err).Warn("Campaign did not complete")
		}
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
