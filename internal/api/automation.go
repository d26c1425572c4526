package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/whatsapp-automation/engine/internal/models"
)

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var mediaKinds = []interface{}{"photo", "video", "audio", "document", "sticker"}

// RuleRequest is the body of auto-reply create and update requests.
type RuleRequest struct {
	Name            string `json:"name"`
	TriggerType     string `json:"trigger_type"`
	TriggerValue    string `json:"trigger_value"`
	ReplyText       string `json:"reply_text"`
	WindowStart     string `json:"window_start"`
	WindowEnd       string `json:"window_end"`
	DaysOfWeek      []int  `json:"days_of_week"`
	MaxUsesPerUser  int    `json:"max_uses_per_user"`
	CooldownMinutes int    `json:"cooldown_minutes"`
	Priority        int    `json:"priority"`
	Active          *bool  `json:"active"`
}

func (r RuleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TriggerType, validation.Required,
			validation.In(models.TriggerKeyword, models.TriggerRegex, models.TriggerAll)),
		validation.Field(&r.TriggerValue,
			validation.Required.When(r.TriggerType != models.TriggerAll),
			validation.By(validPattern(r.TriggerType == models.TriggerRegex))),
		validation.Field(&r.ReplyText, validation.Required),
		validation.Field(&r.WindowStart, validation.Match(clockPattern), validation.Required.When(r.WindowEnd != "")),
		validation.Field(&r.WindowEnd, validation.Match(clockPattern), validation.Required.When(r.WindowStart != "")),
		validation.Field(&r.DaysOfWeek, validation.Each(validation.Min(0), validation.Max(6))),
		validation.Field(&r.MaxUsesPerUser, validation.Min(0)),
		validation.Field(&r.CooldownMinutes, validation.Min(0)),
	)
}

func validPattern(enabled bool) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if !enabled || s == "" {
			return nil
		}
		if _, err := regexp.Compile("(?i)" + s); err != nil {
			return errors.New("must be a valid regular expression")
		}
		return nil
	}
}

func (r RuleRequest) apply(rule *models.AutoReplyRule) {
	rule.Name = r.Name
	rule.TriggerType = r.TriggerType
	rule.TriggerValue = r.TriggerValue
	rule.ReplyText = r.ReplyText
	rule.WindowStart = r.WindowStart
	rule.WindowEnd = r.WindowEnd
	rule.DaysOfWeek = r.DaysOfWeek
	rule.MaxUsesPerUser = r.MaxUsesPerUser
	rule.CooldownMinutes = r.CooldownMinutes
	rule.Priority = r.Priority
	if r.Active != nil {
		rule.Active = *r.Active
	}
}

// POST /accounts/{id}/auto-replies
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req RuleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := s.Sessions.Account(ctx, tenantOf(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule := models.AutoReplyRule{AccountID: id, Active: true}
	req.apply(&rule)
	if err := s.Store.CreateRule(ctx, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reloadRules(ctx, id)
	writeData(w, http.StatusCreated, rule)
}

// ownedRule loads an auto-reply rule and checks its account belongs to the caller.
func (s *Server) ownedRule(r *http.Request) (models.AutoReplyRule, error) {
	id, err := pathID(r, "rule")
	if err != nil {
		return models.AutoReplyRule{}, err
	}
	rule, err := s.Store.GetRule(r.Context(), id)
	if err != nil {
		return rule, err
	}
	if _, err := s.Sessions.Account(r.Context(), tenantOf(r), rule.AccountID); err != nil {
		return models.AutoReplyRule{}, err
	}
	return rule, nil
}

// PUT /auto-replies/{rule}
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req RuleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	req.apply(&rule)
	if err := s.Store.UpdateRule(r.Context(), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reloadRules(r.Context(), rule.AccountID)
	writeData(w, http.StatusOK, rule)
}

// DELETE /auto-replies/{rule}
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.DeleteRule(r.Context(), rule.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reloadRules(r.Context(), rule.AccountID)
	writeData(w, http.StatusOK, map[string]uint{"deleted": rule.ID})
}

// reloadRules refreshes a connected account's rules. A failure only delays
// the change until the account reconnects, so it is logged, not returned.
func (s *Server) reloadRules(ctx context.Context, accountID uint) {
	if err := s.AutoReply.Reload(ctx, accountID); err != nil {
		s.log.WithField("account", accountID).WithError(err).Warn("Failed to reload auto-reply rules")
	}
}

// ForwardRuleRequest for POST /accounts/{id}/forward-rules
type ForwardRuleRequest struct {
	Name        string   `json:"name"`
	SourceChats []string `json:"source_chats"`
	TargetChat  string   `json:"target_chat"`
	Keywords    []string `json:"keywords"`
	MediaTypes  []string `json:"media_types"`
}

func (r ForwardRuleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourceChats, validation.Required, validation.Each(validation.Required)),
		validation.Field(&r.TargetChat, validation.Required),
		validation.Field(&r.MediaTypes, validation.Each(validation.In(mediaKinds...))),
	)
}

// POST /accounts/{id}/forward-rules
func (s *Server) handleCreateForwardRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ForwardRuleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := s.Sessions.Account(ctx, tenantOf(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule := models.ForwardRule{
		AccountID:   id,
		Name:        req.Name,
		SourceChats: req.SourceChats,
		TargetChat:  req.TargetChat,
		Keywords:    req.Keywords,
		MediaTypes:  req.MediaTypes,
		Active:      true,
	}
	if err := s.Store.CreateForwardRule(ctx, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Forwarding.Reload(ctx, id); err != nil {
		s.log.WithField("account", id).WithError(err).Warn("Failed to reload forward rules")
	}
	writeData(w, http.StatusCreated, rule)
}

// POST /forward-rules/{rule}/toggle
func (s *Server) handleToggleForwardRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "rule")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	rule, err := s.Store.GetForwardRule(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Sessions.Account(ctx, tenantOf(r), rule.AccountID); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule, err = s.Forwarding.Toggle(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}
