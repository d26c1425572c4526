package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/network"
	"github.com/whatsapp-automation/engine/internal/network/networktest"
	"github.com/whatsapp-automation/engine/internal/store"
	"github.com/whatsapp-automation/engine/internal/store/storetest"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *networktest.Network) {
	t.Helper()
	st := storetest.New(t)
	net := networktest.New()
	m := NewManager(st, net, nil, Options{LoginTTL: time.Minute}, quietLogger())
	t.Cleanup(m.Shutdown)
	return m, st, net
}

func TestObtainReusesHealthyConnection(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	first, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	second, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, net.Opens())
}

func TestObtainConcurrentCallersShareOneConnection(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.OpenDelay = 30 * time.Millisecond
	acc := storetest.Account(t, st, "t1", "blob")

	var wg sync.WaitGroup
	results := make([]*LiveConnection, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lc, err := m.Obtain(ctx, acc.ID)
			assert.NoError(t, err)
			results[i] = lc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, net.Opens())
	for _, lc := range results {
		assert.Same(t, results[0], lc)
	}
}

func TestObtainReplacesUnhealthyConnection(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	first, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	require.NoError(t, net.Last().Close())

	second, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, net.Opens())
}

func TestObtainRequiresConfiguration(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := models.AccountConfig{TenantID: "t1", DeviceName: "Chrome", SessionBlob: "blob", Active: true}
	require.NoError(t, st.CreateAccount(ctx, &acc))

	_, err := m.Obtain(ctx, acc.ID)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, net.Opens())
}

func TestObtainWithoutSessionLeavesRegistryUntouched(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "")

	_, err := m.Obtain(ctx, acc.ID)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, net.Opens())
	assert.False(t, m.Connected(acc.ID))
}

func TestObtainUnauthorizedClearsSession(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.Sessions = map[string]bool{"other": true}
	acc := storetest.Account(t, st, "t1", "revoked")

	var invalidated []uint
	m.OnInvalidate(func(_ context.Context, a models.AccountConfig) { invalidated = append(invalidated, a.ID) })

	_, err := m.Obtain(ctx, acc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanentInvalidation)
	assert.True(t, RequiresReauth(err))
	assert.Equal(t, []uint{acc.ID}, invalidated)

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionBlob)
	assert.False(t, got.Active)
}

func TestObtainTransientFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.OpenErr = errors.New("dial tcp: i/o timeout")
	acc := storetest.Account(t, st, "t1", "blob")

	_, err := m.Obtain(ctx, acc.ID)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, RequiresReauth(err))

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob", got.SessionBlob)
}

func TestObtainPersistsRotatedSession(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.Rotate = "blob-2"
	acc := storetest.Account(t, st, "t1", "blob-1")

	_, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob-2", got.SessionBlob)
}

func TestObtainRunsConnectHooks(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	var hooked []uint
	m.OnConnect(func(_ context.Context, lc *LiveConnection) { hooked = append(hooked, lc.AccountID) })

	_, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	_, err = m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{acc.ID}, hooked)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")
	_, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)

	conn := net.Last()

	plain := errors.New("flood wait")
	assert.Same(t, plain, m.Classify(ctx, acc.ID, conn, plain))
	assert.True(t, m.Connected(acc.ID))

	err = m.Classify(ctx, acc.ID, conn, network.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrPermanentInvalidation)
	assert.False(t, m.Connected(acc.ID))
	assert.True(t, conn.Closed())

	again := m.Classify(ctx, acc.ID, conn, err)
	assert.Same(t, err, again)

	got, gerr := st.GetAccount(ctx, acc.ID)
	require.NoError(t, gerr)
	assert.Empty(t, got.SessionBlob)
}

func TestClassifyIgnoresReplacedConnection(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	_, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	old := net.Last()
	require.NoError(t, old.Close())
	current, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)

	var invalidated int
	m.OnInvalidate(func(context.Context, models.AccountConfig) { invalidated++ })

	err = m.Classify(ctx, acc.ID, old, network.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, RequiresReauth(err))
	assert.Zero(t, invalidated)

	lc, ok := m.registry.Get(acc.ID)
	require.True(t, ok)
	assert.Same(t, current, lc)
	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob", got.SessionBlob)

	// The registered connection's own error still invalidates.
	err = m.Classify(ctx, acc.ID, current.Conn(), network.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrPermanentInvalidation)
	assert.Equal(t, 1, invalidated)
}

func TestAccountTenantCheck(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")

	_, err := m.Account(ctx, "t2", acc.ID)
	assert.ErrorIs(t, err, ErrTenantMismatch)
	_, err = m.Account(ctx, "t1", 4242)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRestoreAll(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.Sessions = map[string]bool{"good": true}
	good := storetest.Account(t, st, "t1", "good")
	storetest.Account(t, st, "t1", "bad")
	storetest.Account(t, st, "t1", "")

	restored, failed := m.RestoreAll(ctx)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, failed)
	assert.True(t, m.Connected(good.ID))
}

func TestMonitorReconnectsDroppedAccounts(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	acc := storetest.Account(t, st, "t1", "blob")
	_, err := m.Obtain(ctx, acc.ID)
	require.NoError(t, err)
	require.NoError(t, net.Last().Close())

	mon := NewMonitor(m, time.Hour, time.Hour, quietLogger())
	assert.Equal(t, 1, mon.Check(ctx))
	assert.True(t, m.Connected(acc.ID))
	assert.Zero(t, mon.Check(ctx))
}

func TestMonitorBacksOffAfterFailure(t *testing.T) {
	ctx := context.Background()
	m, st, net := newTestManager(t)
	net.OpenErr = errors.New("connection refused")
	storetest.Account(t, st, "t1", "blob")

	mon := NewMonitor(m, time.Hour, time.Hour, quietLogger())
	assert.Zero(t, mon.Check(ctx))
	assert.Zero(t, mon.Check(ctx))
	assert.Equal(t, 1, net.Opens())
}
