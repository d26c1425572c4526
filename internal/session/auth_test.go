package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

func TestCodeLoginAuthenticates(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	req, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)
	assert.Equal(t, "challenge-1", req.Challenge)

	res, err := m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
	assert.True(t, m.Connected(acc.ID))

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "session-15550001111", got.SessionBlob)
	assert.Equal(t, "15550001111", got.Identity)
	assert.True(t, got.Active)

	_, err = m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestVerifyWithoutRequest(t *testing.T) {
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.VerifyCode(context.Background(), "t1", acc.ID, "123", "")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestRequestCodeRequiresConfiguration(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := models.AccountConfig{TenantID: "t1", StoreKey: "k"}
	require.NoError(t, st.CreateAccount(ctx, &acc))

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWrongCodeDiscardsPendingAndKeepsSession(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "old-blob")

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)

	_, err = m.VerifyCode(ctx, "t1", acc.ID, "nope", "")
	assert.ErrorIs(t, err, network.ErrInvalidCode)

	_, err = m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "")
	assert.ErrorIs(t, err, ErrNoPendingLogin)

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "old-blob", got.SessionBlob)
}

func TestPasswordRequiredThenPassword(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.Password = "hunter2"
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)

	res, err := m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPasswordRequired, res.Status)
	assert.False(t, m.Connected(acc.ID))

	res, err = m.VerifyCode(ctx, "t1", acc.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPasswordRequired, res.Status)

	res, err = m.VerifyCode(ctx, "t1", acc.ID, "", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
	assert.True(t, m.Connected(acc.ID))
}

func TestCodeAndPasswordInOneCall(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.Password = "hunter2"
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)

	res, err := m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
}

func TestRequestCodeReplacesPendingLogin(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)
	first, ok := m.pending.get(acc.ID)
	require.True(t, ok)

	_, err = m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)
	second, ok := m.pending.get(acc.ID)
	require.True(t, ok)

	assert.NotSame(t, first, second)
}

func TestPendingLoginExpires(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.RequestCode(ctx, "t1", acc.ID, "15550001111")
	require.NoError(t, err)
	m.pending.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = m.VerifyCode(ctx, "t1", acc.ID, "challenge-1", "")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestQRLogin(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	payload, err := m.RequestQR(ctx, "t1", acc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	res, err := m.AwaitLogin(ctx, "t1", acc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, res.Status)
	assert.True(t, m.Connected(acc.ID))
}

func TestLogoutIsIdempotentAndTearsDownSubscribers(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	lc, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	received := 0
	lc.Subscribe(func(network.InboundMessage) { received++ })
	conn := net.Last()
	require.True(t, conn.Deliver(network.InboundMessage{ID: "1"}))
	require.Equal(t, 1, received)

	require.NoError(t, m.Logout(ctx, "t1", acc.ID))
	require.NoError(t, m.Logout(ctx, "t1", acc.ID))

	assert.False(t, conn.Deliver(network.InboundMessage{ID: "2"}))
	assert.Equal(t, 1, received)
	assert.Zero(t, lc.Subscribers())
	assert.False(t, m.Connected(acc.ID))

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionBlob)
	assert.Empty(t, got.Identity)
	assert.False(t, got.Active)

	_, err = m.Obtain(ctx, acc.ID)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestLogoutRejectsOtherTenant(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	assert.ErrorIs(t, m.Logout(ctx, "t2", acc.ID), ErrTenantMismatch)
}
