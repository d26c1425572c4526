// Package forwarding copies inbound messages from source chats into a
// target chat according to per-account rules.
package forwarding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/session"
)

// RuleStore is the persistence the engine needs.
type RuleStore interface {
	GetForwardRule(ctx context.Context, id uint) (models.ForwardRule, error)
	ListActiveForwardRules(ctx context.Context, accountID uint) ([]models.ForwardRule, error)
	SetForwardRuleActive(ctx context.Context, id uint, active bool) error
	IncrementForwardCount(ctx context.Context, id uint) error
}

// Classifier turns connection errors into session state changes. source
// is the connection the error came from.
type Classifier interface {
	Classify(ctx context.Context, accountID uint, source network.Sender, err error) error
}

type binding struct {
	rules       []models.ForwardRule
	unsubscribe func()
}

// Engine forwards messages for every connected account.
type Engine struct {
	store      RuleStore
	classifier Classifier
	log        logrus.FieldLogger

	mu       sync.RWMutex
	accounts map[uint]*binding
}

func NewEngine(st RuleStore, classifier Classifier, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:      st,
		classifier: classifier,
		log:        log.WithField("component", "forwarding"),
		accounts:   make(map[uint]*binding),
	}
}

// Activate is the session connect hook.
func (e *Engine) Activate(ctx context.Context, lc *session.LiveConnection) {
	rules, err := e.store.ListActiveForwardRules(ctx, lc.AccountID)
	if err != nil {
		e.log.WithField("account", lc.AccountID).WithError(err).Error("Failed to load forward rules")
	}

	accountID, conn := lc.AccountID, lc.Conn()
	unsubscribe := lc.Subscribe(func(msg network.InboundMessage) {
		e.Handle(context.Background(), accountID, conn, msg)
	})

	e.mu.Lock()
	prev := e.accounts[accountID]
	e.accounts[accountID] = &binding{rules: rules, unsubscribe: unsubscribe}
	e.mu.Unlock()

	if prev != nil {
		prev.unsubscribe()
	}
}

// Reload refreshes the rules of a connected account.
func (e *Engine) Reload(ctx context.Context, accountID uint) error {
	rules, err := e.store.ListActiveForwardRules(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list forward rules for account %d: %w", accountID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.accounts[accountID]; ok {
		b.rules = rules
	}
	return nil
}

// Toggle flips a rule's active flag, reloads its account and returns the rule.
func (e *Engine) Toggle(ctx context.Context, ruleID uint) (models.ForwardRule, error) {
	rule, err := e.store.GetForwardRule(ctx, ruleID)
	if err != nil {
		return rule, err
	}
	rule.Active = !rule.Active
	if err := e.store.SetForwardRuleActive(ctx, ruleID, rule.Active); err != nil {
		return rule, err
	}
	if err := e.Reload(ctx, rule.AccountID); err != nil {
		return rule, err
	}
	return rule, nil
}

// Handle forwards msg for every rule it matches and returns how many
// forwards succeeded.
func (e *Engine) Handle(ctx context.Context, accountID uint, sender network.Sender, msg network.InboundMessage) int {
	e.mu.RLock()
	var rules []models.ForwardRule
	if b, ok := e.accounts[accountID]; ok {
		rules = b.rules
	}
	e.mu.RUnlock()

	forwarded := 0
	for _, r := range rules {
		if !Matches(r, msg) {
			continue
		}
		log := e.log.WithFields(logrus.Fields{"account": accountID, "rule": r.ID})
		if err := sender.Forward(ctx, msg.ChatID, msg.ID, r.TargetChat); err != nil {
			err = e.classifier.Classify(ctx, accountID, sender, err)
			log.WithError(err).Warn("Forward failed")
			if session.RequiresReauth(err) {
				return forwarded
			}
			continue
		}
		if err := e.store.IncrementForwardCount(ctx, r.ID); err != nil {
			log.WithError(err).Error("Failed to count forward")
		}
		forwarded++
	}
	return forwarded
}

// Matches reports whether msg passes every filter configured on rule.
func Matches(rule models.ForwardRule, msg network.InboundMessage) bool {
	if !contains(rule.SourceChats, msg.ChatID) || msg.ChatID == rule.TargetChat {
		return false
	}
	if len(rule.Keywords) > 0 {
		text := strings.ToLower(msg.Text)
		hit := false
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(rule.MediaTypes) > 0 {
		if msg.Media == nil || !contains(rule.MediaTypes, msg.Media.Kind) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
