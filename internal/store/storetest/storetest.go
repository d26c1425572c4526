// Package storetest opens a migrated in-memory store for tests.
package storetest

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
	"github.com/whatsapp-automation/engine/internal/store"
)

// New returns an isolated, migrated SQLite store that is closed with the test.
func New(t testing.TB) *store.Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	s, err := store.Open("sqlite", dsn, log)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Account inserts a ready-to-connect account for tenant and returns it.
// session may be empty for an account that never logged in.
func Account(t testing.TB, s *store.Store, tenantID, session string) models.AccountConfig {
	t.Helper()

	acc := models.AccountConfig{
		TenantID:    tenantID,
		Kind:        models.AccountKindUser,
		DeviceName:  "Engine (Chrome)",
		StoreKey:    "store-" + uuid.NewString()[:8],
		SessionBlob: session,
		Active:      session != "",
	}
	if session != "" {
		acc.Identity = "15550001111"
	}
	require.NoError(t, s.CreateAccount(context.Background(), &acc))
	return acc
}
