package api

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/session"
)

// MaxRecipients bounds a single campaign.
const MaxRecipients = 10000

// CampaignRequest for POST /accounts/{id}/campaigns
type CampaignRequest struct {
	Name       string   `json:"name"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	DelayMs    int      `json:"delay_ms"`
}

func (r CampaignRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Body, validation.Required),
		validation.Field(&r.Recipients, validation.Required, validation.Length(1, MaxRecipients),
			validation.Each(validation.Required)),
		validation.Field(&r.DelayMs, validation.Min(0), validation.Max(int(time.Hour/time.Millisecond))),
	)
}

// CampaignStatus is the response of GET /campaigns/{campaign}.
type CampaignStatus struct {
	Campaign   models.BulkCampaign      `json:"campaign"`
	Deliveries []models.BulkDeliveryLog `json:"deliveries"`
}

// POST /accounts/{id}/campaigns
//
// The campaign is stored PENDING and handed to the queue. A campaign the
// queue refuses is marked FAILED.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CampaignRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	acc, err := s.Sessions.Account(ctx, tenantOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c := models.BulkCampaign{
		TenantID:   acc.TenantID,
		AccountID:  acc.ID,
		Name:       req.Name,
		Body:       req.Body,
		Recipients: req.Recipients,
		DelayMs:    req.DelayMs,
	}
	if err := s.Store.CreateCampaign(ctx, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Queue.Enqueue(ctx, c.ID); err != nil {
		if _, ferr := s.Store.FailCampaign(ctx, c.ID, err.Error()); ferr != nil {
			s.log.WithField("campaign", c.ID).WithError(ferr).Error("Failed to mark unqueued campaign")
		}
		s.writeError(w, r, err)
		return
	}

	s.log.WithField("campaign", c.ID).Infof("Campaign queued with %d recipients", len(c.Recipients))
	writeData(w, http.StatusAccepted, c)
}

func (s *Server) ownedCampaign(r *http.Request) (models.BulkCampaign, error) {
	id, err := pathID(r, "campaign")
	if err != nil {
		return models.BulkCampaign{}, err
	}
	c, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		return c, err
	}
	if c.TenantID != tenantOf(r) {
		return models.BulkCampaign{}, session.ErrTenantMismatch
	}
	return c, nil
}

// GET /campaigns/{campaign}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deliveries, err := s.Store.ListDeliveries(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, CampaignStatus{Campaign: c, Deliveries: deliveries})
}

// POST /campaigns/{campaign}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.ownedCampaign(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.Campaigns.Cancel(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// ScheduledRequest for POST /accounts/{id}/scheduled
type ScheduledRequest struct {
	ChatID      string    `json:"chat_id"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Recurrence  string    `json:"recurrence"`
}

func (r ScheduledRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChatID, validation.Required),
		validation.Field(&r.Body, validation.Required),
		validation.Field(&r.ScheduledAt, validation.Required),
		validation.Field(&r.Recurrence, validation.In(models.RecurrenceNone, models.RecurrenceDaily,
			models.RecurrenceWeekly, models.RecurrenceMonthly)),
	)
}

// POST /accounts/{id}/scheduled
func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ScheduledRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	acc, err := s.Sessions.Account(ctx, tenantOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	m := models.ScheduledMessage{
		TenantID:    acc.TenantID,
		AccountID:   acc.ID,
		ChatID:      req.ChatID,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
		Recurrence:  req.Recurrence,
	}
	if err := s.Store.CreateScheduled(ctx, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

// POST /scheduled/{scheduled}/cancel
func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "scheduled")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	m, err := s.Store.GetScheduled(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if m.TenantID != tenantOf(r) {
		s.writeError(w, r, session.ErrTenantMismatch)
		return
	}
	cancelled, err := s.Store.CancelScheduled(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
