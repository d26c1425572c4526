// Package autoreply answers inbound messages from configured rules.
package autoreply

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/session"
)

// RuleStore is the persistence the engine reads and writes.
type RuleStore interface {
	ListActiveRules(ctx context.Context, accountID uint) ([]models.AutoReplyRule, error)
	CountUsage(ctx context.Context, ruleID uint, counterpart string, since time.Time) (int64, error)
	RecordUsage(ctx context.Context, ruleID uint, counterpart string, at time.Time) error
}

// Classifier turns connection errors into session state changes. source
// is the connection the error came from.
type Classifier interface {
	Classify(ctx context.Context, accountID uint, source network.Sender, err error) error
}

type compiledRule struct {
	models.AutoReplyRule
	pattern *regexp.Regexp
}

type binding struct {
	rules       []compiledRule
	unsubscribe func()
}

// Engine holds the rule set of every connected account.
type Engine struct {
	store      RuleStore
	classifier Classifier
	log        logrus.FieldLogger
	now        func() time.Time
	loc        *time.Location

	mu       sync.RWMutex
	accounts map[uint]*binding
}

// NewEngine returns an engine evaluating windows in the local time zone.
func NewEngine(st RuleStore, classifier Classifier, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:      st,
		classifier: classifier,
		log:        log.WithField("component", "autoreply"),
		now:        time.Now,
		loc:        time.Local,
		accounts:   make(map[uint]*binding),
	}
}

// Activate loads the account's rules and subscribes to its inbound messages.
// It is registered as a session connect hook.
func (e *Engine) Activate(ctx context.Context, lc *session.LiveConnection) {
	rules, err := e.load(ctx, lc.AccountID)
	if err != nil {
		e.log.WithField("account", lc.AccountID).WithError(err).Error("Failed to load auto-reply rules")
	}

	accountID, conn := lc.AccountID, lc.Conn()
	unsubscribe := lc.Subscribe(func(msg network.InboundMessage) {
		if _, err := e.Handle(context.Background(), accountID, conn, msg); err != nil {
			e.log.WithField("account", accountID).WithError(err).Warn("Auto-reply failed")
		}
	})

	e.mu.Lock()
	prev := e.accounts[accountID]
	e.accounts[accountID] = &binding{rules: rules, unsubscribe: unsubscribe}
	e.mu.Unlock()

	if prev != nil {
		prev.unsubscribe()
	}
}

// Reload refreshes the rules of an active account after a rule changed.
// Accounts without a live connection pick the rules up on activation.
func (e *Engine) Reload(ctx context.Context, accountID uint) error {
	rules, err := e.load(ctx, accountID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.accounts[accountID]; ok {
		b.rules = rules
	}
	return nil
}

func (e *Engine) load(ctx context.Context, accountID uint) ([]compiledRule, error) {
	rows, err := e.store.ListActiveRules(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for account %d: %w", accountID, err)
	}
	rules := make([]compiledRule, 0, len(rows))
	for _, r := range rows {
		cr := compiledRule{AutoReplyRule: r}
		if r.TriggerType == models.TriggerRegex {
			re, err := regexp.Compile("(?i)" + r.TriggerValue)
			if err != nil {
				e.log.WithField("rule", r.ID).WithError(err).Warn("Invalid pattern, rule will never match")
			}
			cr.pattern = re
		}
		rules = append(rules, cr)
	}
	return rules, nil
}

func (e *Engine) rules(accountID uint) []compiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.accounts[accountID]; ok {
		return b.rules
	}
	return nil
}

// Handle evaluates msg against the account's rules in priority order and
// replies with the first match. It reports the matching rule id, or 0.
func (e *Engine) Handle(ctx context.Context, accountID uint, sender network.Sender, msg network.InboundMessage) (uint, error) {
	if msg.Outgoing {
		return 0, nil
	}
	counterpart := msg.SenderID
	if counterpart == "" {
		counterpart = msg.ChatID
	}
	now := e.now().In(e.loc)

	for _, r := range e.rules(accountID) {
		if !inWindow(r.WindowStart, r.WindowEnd, now) || !onDay(r.DaysOfWeek, now) {
			continue
		}
		if r.MaxUsesPerUser > 0 {
			var since time.Time
			if r.CooldownMinutes > 0 {
				since = now.Add(-time.Duration(r.CooldownMinutes) * time.Minute)
			}
			used, err := e.store.CountUsage(ctx, r.ID, counterpart, since)
			if err != nil {
				return 0, fmt.Errorf("failed to count usage of rule %d: %w", r.ID, err)
			}
			if used >= int64(r.MaxUsesPerUser) {
				continue
			}
		}
		if !r.triggers(msg.Text) {
			continue
		}

		if _, err := sender.SendText(ctx, msg.ChatID, r.ReplyText, msg.ID); err != nil {
			return 0, e.classifier.Classify(ctx, accountID, sender, err)
		}
		if err := e.store.RecordUsage(ctx, r.ID, counterpart, now); err != nil {
			e.log.WithField("rule", r.ID).WithError(err).Error("Failed to record usage")
		}
		e.log.WithFields(logrus.Fields{"account": accountID, "rule": r.ID}).Debug("Auto-reply sent")
		return r.ID, nil
	}
	return 0, nil
}

func (r compiledRule) triggers(text string) bool {
	switch r.TriggerType {
	case models.TriggerAll:
		return true
	case models.TriggerKeyword:
		return r.TriggerValue != "" && strings.Contains(strings.ToLower(text), strings.ToLower(r.TriggerValue))
	case models.TriggerRegex:
		return r.pattern != nil && r.pattern.MatchString(text)
	default:
		return false
	}
}

// inWindow compares "HH:MM" strings. Windows crossing midnight never match.
func inWindow(start, end string, now time.Time) bool {
	hm := now.Format("15:04")
	if start != "" && hm < start {
		return false
	}
	if end != "" && hm > end {
		return false
	}
	return true
}

func onDay(days []int, now time.Time) bool {
	if len(days) == 0 {
		return true
	}
	wd := int(now.Weekday())
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}
