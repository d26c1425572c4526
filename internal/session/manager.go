// Package session owns the lifecycle of account connections: obtaining
// them on demand, signing in, logging out and reacting to sessions the
// network has revoked.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/store"
)

// AccountStore is the persistence the manager needs. Only the manager
// writes session blobs.
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (models.AccountConfig, error)
	SaveSession(ctx context.Context, id uint, blob, identity string) error
	UpdateSessionBlob(ctx context.Context, id uint, blob string) error
	ClearSession(ctx context.Context, id uint) error
	ListRestorable(ctx context.Context) ([]models.AccountConfig, error)
}

// ConnectHook runs every time a new live connection is registered.
type ConnectHook func(ctx context.Context, lc *LiveConnection)

// InvalidationHook runs after a session was revoked and cleared. acc is the
// account as it was before clearing.
type InvalidationHook func(ctx context.Context, acc models.AccountConfig)

// Options tune the manager.
type Options struct {
	// LoginTTL bounds how long a pending login stays usable. Zero disables expiry.
	LoginTTL time.Duration
}

// Manager is the connection lifecycle manager.
type Manager struct {
	store    AccountStore
	dialer   network.Dialer
	registry Registry
	pending  *pendingLogins
	log      logrus.FieldLogger

	hooksMu      sync.RWMutex
	onConnect    []ConnectHook
	onInvalidate []InvalidationHook
}

// NewManager wires a manager. registry may be nil for an in-memory one.
func NewManager(st AccountStore, dialer network.Dialer, registry Registry, opts Options, log logrus.FieldLogger) *Manager {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Manager{
		store:    st,
		dialer:   dialer,
		registry: registry,
		pending:  newPendingLogins(opts.LoginTTL),
		log:      log.WithField("component", "session"),
	}
}

// OnConnect registers a hook for new connections.
func (m *Manager) OnConnect(hook ConnectHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onConnect = append(m.onConnect, hook)
}

// OnInvalidate registers a hook for revoked sessions.
func (m *Manager) OnInvalidate(hook InvalidationHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onInvalidate = append(m.onInvalidate, hook)
}

// Account loads an account and checks it belongs to tenantID.
func (m *Manager) Account(ctx context.Context, tenantID string, accountID uint) (models.AccountConfig, error) {
	acc, err := m.loadAccount(ctx, accountID)
	if err != nil {
		return acc, err
	}
	if acc.TenantID != tenantID {
		return models.AccountConfig{}, ErrTenantMismatch
	}
	return acc, nil
}

func (m *Manager) loadAccount(ctx context.Context, accountID uint) (models.AccountConfig, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return acc, ErrAccountNotFound
	}
	if err != nil {
		return acc, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	return acc, nil
}

func credentialsOf(acc models.AccountConfig) network.Credentials {
	return network.Credentials{DeviceName: acc.DeviceName, StoreKey: acc.StoreKey}
}

// Obtain returns the live connection of an account, connecting from the
// stored session when there is none or the registered one is unhealthy.
// Concurrent callers for the same account share one connection attempt.
func (m *Manager) Obtain(ctx context.Context, accountID uint) (*LiveConnection, error) {
	if lc, ok := m.registry.Get(accountID); ok && lc.Healthy() {
		return lc, nil
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	if lc, ok := m.registry.Get(accountID); ok && lc.Healthy() {
		return lc, nil
	}

	acc, err := m.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	creds := credentialsOf(acc)
	if !creds.Complete() {
		return nil, ErrNotConfigured
	}
	if !acc.HasSession() {
		return nil, ErrNotAuthenticated
	}

	log := m.log.WithField("account", accountID)
	conn, err := m.dialer.Open(ctx, creds, acc.SessionBlob)
	if err != nil {
		if errors.Is(err, network.ErrUnauthorized) {
			return nil, m.invalidate(ctx, acc, err)
		}
		log.WithError(err).Warn("Connect failed")
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if current := conn.Session(); current != "" && current != acc.SessionBlob {
		if err := m.store.UpdateSessionBlob(ctx, accountID, current); err != nil {
			log.WithError(err).Error("Failed to persist rotated session")
		} else {
			log.Info("Persisted rotated session")
		}
	}

	lc := m.install(ctx, accountID, conn)
	log.Info("Connected")
	return lc, nil
}

// Connected reports whether the account has a healthy registered connection.
func (m *Manager) Connected(accountID uint) bool {
	lc, ok := m.registry.Get(accountID)
	return ok && lc.Healthy()
}

// install registers conn, closing any stale connection, and runs the connect hooks.
func (m *Manager) install(ctx context.Context, accountID uint, conn network.Conn) *LiveConnection {
	lc := newLiveConnection(accountID, conn, m.log)
	if prev := m.registry.Put(accountID, lc); prev != nil {
		_ = prev.Close()
	}

	m.hooksMu.RLock()
	hooks := append([]ConnectHook(nil), m.onConnect...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, lc)
	}
	return lc
}

// Classify inspects an error that source, a connection of accountID,
// produced. An unauthorized error clears the stored session, drops the live
// connection and comes back as a *ReauthError. Any other error is returned
// unchanged.
//
// An unauthorized error from a connection that a healthy one has since
// replaced, after a new login for example, leaves the new session alone and
// comes back as ErrConnectFailed. A nil source is never treated as stale.
func (m *Manager) Classify(ctx context.Context, accountID uint, source network.Sender, err error) error {
	if err == nil || errors.Is(err, ErrPermanentInvalidation) {
		return err
	}
	if !errors.Is(err, network.ErrUnauthorized) {
		return err
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	if m.replaced(accountID, source) {
		m.log.WithField("account", accountID).WithError(err).
			Info("Ignoring unauthorized error from a replaced connection")
		return fmt.Errorf("%w: connection was replaced: %w", ErrConnectFailed, err)
	}

	acc, loadErr := m.store.GetAccount(ctx, accountID)
	if loadErr != nil {
		acc = models.AccountConfig{ID: accountID}
	}
	return m.invalidate(ctx, acc, err)
}

// replaced reports whether a healthy connection other than source is
// registered for accountID.
func (m *Manager) replaced(accountID uint, source network.Sender) bool {
	if source == nil {
		return false
	}
	lc, ok := m.registry.Get(accountID)
	return ok && lc.Healthy() && network.Sender(lc.Conn()) != source
}

func (m *Manager) invalidate(ctx context.Context, acc models.AccountConfig, cause error) error {
	log := m.log.WithField("account", acc.ID)
	log.WithError(cause).Warn("Session revoked by network, clearing it")

	if err := m.store.ClearSession(ctx, acc.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Error("Failed to clear revoked session")
	}
	if lc := m.registry.Remove(acc.ID); lc != nil {
		_ = lc.Close()
	}

	m.hooksMu.RLock()
	hooks := append([]InvalidationHook(nil), m.onInvalidate...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, acc)
	}
	return &ReauthError{AccountID: acc.ID, Cause: cause}
}

// RestoreAll connects every active account that holds a session. Failures
// are logged and counted, not returned.
func (m *Manager) RestoreAll(ctx context.Context) (restored, failed int) {
	accs, err := m.store.ListRestorable(ctx)
	if err != nil {
		if store.IsMissingTable(err) {
			return 0, 0
		}
		m.log.WithError(err).Error("Failed to list sessions to restore")
		return 0, 0
	}

	for _, acc := range accs {
		if _, err := m.Obtain(ctx, acc.ID); err != nil {
			failed++
			m.log.WithField("account", acc.ID).WithError(err).Warn("Failed to restore session")
			continue
		}
		restored++
	}
	m.log.Infof("Session restore complete: %d restored, %d failed", restored, failed)
	return restored, failed
}

// Shutdown closes every live connection and pending login.
func (m *Manager) Shutdown() {
	for _, id := range m.registry.List() {
		if lc := m.registry.Remove(id); lc != nil {
			_ = lc.Close()
		}
	}
	m.pending.closeAll()
}

// Status summarizes an account's connection state.
type Status struct {
	AccountID     uint   `json:"account_id"`
	Configured    bool   `json:"configured"`
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	PendingLogin  bool   `json:"pending_login"`
	Identity      string `json:"identity,omitempty"`
}

// Status reports the state of an account of tenantID.
func (m *Manager) Status(ctx context.Context, tenantID string, accountID uint) (Status, error) {
	acc, err := m.Account(ctx, tenantID, accountID)
	if err != nil {
		return Status{}, err
	}
	_, pending := m.pending.get(accountID)
	return Status{
		AccountID:     acc.ID,
		Configured:    credentialsOf(acc).Complete(),
		Authenticated: acc.HasSession(),
		Connected:     m.Connected(accountID),
		PendingLogin:  pending,
		Identity:      acc.Identity,
	}, nil
}
