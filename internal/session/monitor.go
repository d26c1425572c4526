package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCheckInterval is how often to look for dropped connections.
	DefaultCheckInterval = 30 * time.Second
	// DefaultReconnectCooldown is the minimum time between attempts for one account.
	DefaultReconnectCooldown = 60 * time.Second
	// MaxReconnectFailures before the monitor stops trying an account.
	MaxReconnectFailures = 5
	maxCooldown          = 30 * time.Minute
)

// Monitor reconnects authenticated accounts whose connection dropped.
// Accounts that never logged in are left alone; they need a manual login.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	cooldown time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu          sync.Mutex
	lastAttempt map[uint]time.Time
	failures    map[uint]int
}

// NewMonitor builds a monitor. Zero durations take the defaults.
func NewMonitor(manager *Manager, interval, cooldown time.Duration, log logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if cooldown <= 0 {
		cooldown = DefaultReconnectCooldown
	}
	return &Monitor{
		manager:     manager,
		interval:    interval,
		cooldown:    cooldown,
		log:         log.WithField("component", "monitor"),
		now:         time.Now,
		lastAttempt: make(map[uint]time.Time),
		failures:    make(map[uint]int),
	}
}

// Run checks connections every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Infof("Starting connection monitor (check every %v)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Connection monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one pass and returns how many accounts were reconnected.
func (m *Monitor) Check(ctx context.Context) int {
	accs, err := m.manager.store.ListRestorable(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Failed to list accounts")
		return 0
	}

	reconnected := 0
	for _, acc := range accs {
		if m.manager.Connected(acc.ID) || !m.shouldAttempt(acc.ID) {
			continue
		}
		if m.attempt(ctx, acc.ID) {
			reconnected++
		}
	}
	if reconnected > 0 {
		m.log.Infof("Reconnected %d accounts", reconnected)
	}
	return reconnected
}

func (m *Monitor) shouldAttempt(accountID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, tried := m.lastAttempt[accountID]
	if !tried {
		return true
	}
	failures := m.failures[accountID]
	if failures >= MaxReconnectFailures {
		return false
	}

	cooldown := m.cooldown
	for i := 0; i < failures; i++ {
		cooldown *= 2
		if cooldown > maxCooldown {
			cooldown = maxCooldown
			break
		}
	}
	return m.now().Sub(last) >= cooldown
}

func (m *Monitor) attempt(ctx context.Context, accountID uint) bool {
	m.mu.Lock()
	m.lastAttempt[accountID] = m.now()
	m.mu.Unlock()

	_, err := m.manager.Obtain(ctx, accountID)
	if err == nil {
		m.Reset(accountID)
		return true
	}

	m.mu.Lock()
	m.failures[accountID]++
	failures := m.failures[accountID]
	m.mu.Unlock()

	if errors.Is(err, ErrPermanentInvalidation) {
		m.Reset(accountID)
		return false
	}
	if failures == 1 || failures == MaxReconnectFailures {
		m.log.WithField("account", accountID).WithError(err).
			Warnf("Reconnect failed (attempt %d/%d)", failures, MaxReconnectFailures)
	}
	return false
}

// Reset forgets the failure history of an account.
func (m *Monitor) Reset(accountID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, accountID)
	delete(m.lastAttempt, accountID)
}
