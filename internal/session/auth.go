package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
)

// Verification outcomes.
const (
	StatusAuthenticated    = "authenticated"
	StatusPasswordRequired = "password_required"
)

// VerifyResult is the outcome of VerifyCode or AwaitLogin.
type VerifyResult struct {
	Status   string `json:"status"`
	Identity string `json:"identity,omitempty"`
}

// CodeRequest is returned by RequestCode. Challenge is the token the network
// issued for this login; some networks expect the user to type it.
type CodeRequest struct {
	Challenge string `json:"challenge"`
}

// RequestCode starts a code login for identity, replacing any pending login.
func (m *Manager) RequestCode(ctx context.Context, tenantID string, accountID uint, identity string) (CodeRequest, error) {
	acc, err := m.Account(ctx, tenantID, accountID)
	if err != nil {
		return CodeRequest{}, err
	}
	creds := credentialsOf(acc)
	if !creds.Complete() {
		return CodeRequest{}, ErrNotConfigured
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	login, err := m.dialer.Begin(ctx, creds)
	if err != nil {
		return CodeRequest{}, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	challenge, err := login.RequestCode(ctx, identity)
	if err != nil {
		_ = login.Close()
		return CodeRequest{}, fmt.Errorf("failed to request login code: %w", err)
	}

	m.pending.put(accountID, &pendingLogin{conn: login, identity: identity, challenge: challenge})
	m.log.WithField("account", accountID).Info("Login code requested")
	return CodeRequest{Challenge: challenge}, nil
}

// RequestQR starts a QR login and returns the payload to render.
func (m *Manager) RequestQR(ctx context.Context, tenantID string, accountID uint) (string, error) {
	acc, err := m.Account(ctx, tenantID, accountID)
	if err != nil {
		return "", err
	}
	creds := credentialsOf(acc)
	if !creds.Complete() {
		return "", ErrNotConfigured
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	login, err := m.dialer.Begin(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	payload, err := login.RequestQR(ctx)
	if err != nil {
		_ = login.Close()
		return "", fmt.Errorf("failed to request login QR: %w", err)
	}

	m.pending.put(accountID, &pendingLogin{conn: login})
	return payload, nil
}

// VerifyCode completes a pending code login. When the network asks for a
// password and none was given the result is StatusPasswordRequired and the
// pending login is kept for a second call carrying the password.
func (m *Manager) VerifyCode(ctx context.Context, tenantID string, accountID uint, code, password string) (VerifyResult, error) {
	acc, err := m.Account(ctx, tenantID, accountID)
	if err != nil {
		return VerifyResult{}, err
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	p, ok := m.pending.get(accountID)
	if !ok {
		return VerifyResult{}, ErrNoPendingLogin
	}

	var conn network.Conn
	if p.awaitingPassword {
		if password == "" {
			return VerifyResult{Status: StatusPasswordRequired}, nil
		}
		conn, err = p.conn.CheckPassword(ctx, password)
	} else {
		conn, err = p.conn.SignIn(ctx, p.identity, p.challenge, code)
		if errors.Is(err, network.ErrPasswordRequired) {
			if password == "" {
				p.awaitingPassword = true
				return VerifyResult{Status: StatusPasswordRequired}, nil
			}
			conn, err = p.conn.CheckPassword(ctx, password)
		}
	}
	if err != nil {
		m.pending.discard(accountID)
		return VerifyResult{}, fmt.Errorf("sign-in failed: %w", err)
	}

	return m.completeLogin(ctx, acc, p, conn)
}

// AwaitLogin blocks until a pending QR login is confirmed.
func (m *Manager) AwaitLogin(ctx context.Context, tenantID string, accountID uint) (VerifyResult, error) {
	acc, err := m.Account(ctx, tenantID, accountID)
	if err != nil {
		return VerifyResult{}, err
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	p, ok := m.pending.get(accountID)
	if !ok {
		return VerifyResult{}, ErrNoPendingLogin
	}
	conn, err := p.conn.Wait(ctx)
	if err != nil {
		m.pending.discard(accountID)
		return VerifyResult{}, fmt.Errorf("login was not confirmed: %w", err)
	}
	return m.completeLogin(ctx, acc, p, conn)
}

func (m *Manager) completeLogin(ctx context.Context, acc models.AccountConfig, p *pendingLogin, conn network.Conn) (VerifyResult, error) {
	identity := conn.Identity()
	if identity == "" {
		identity = p.identity
	}

	if err := m.store.SaveSession(ctx, acc.ID, conn.Session(), identity); err != nil {
		_ = conn.Close()
		m.pending.discard(acc.ID)
		return VerifyResult{}, fmt.Errorf("failed to persist session: %w", err)
	}
	m.pending.release(acc.ID)
	m.install(ctx, acc.ID, conn)

	m.log.WithField("account", acc.ID).Info("Authenticated")
	return VerifyResult{Status: StatusAuthenticated, Identity: identity}, nil
}

// Logout closes the live connection, drops any pending login and clears the
// stored session. Logging out an account without a session succeeds.
func (m *Manager) Logout(ctx context.Context, tenantID string, accountID uint) error {
	if _, err := m.Account(ctx, tenantID, accountID); err != nil {
		return err
	}

	unlock := m.registry.Lock(accountID)
	defer unlock()

	if lc := m.registry.Remove(accountID); lc != nil {
		_ = lc.Close()
	}
	m.pending.discard(accountID)

	if err := m.store.ClearSession(ctx, accountID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.log.WithField("account", accountID).Info("Logged out")
	return nil
}
