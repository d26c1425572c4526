package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/engine/internal/models"
)

type botAPI struct {
	mu       sync.Mutex
	paths    []string
	payloads []map[string]string
	status   int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p map[string]string
	_ = json.NewDecoder(r.Body).Decode(&p)
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.payloads = append(b.payloads, p)
	status := b.status
	b.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func newNotifier(t *testing.T, api *botAPI, token, chat string) *Notifier {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	n := NewNotifier(token, chat, log)
	n.baseURL = srv.URL
	return n
}

func TestSendAlert(t *testing.T) {
	api := &botAPI{}
	n := newNotifier(t, api, "tok", "42")

	require.NoError(t, n.SendAlert(context.Background(), "hello"))
	require.Len(t, api.payloads, 1)
	assert.Equal(t, "/bottok/sendMessage", api.paths[0])
	assert.Equal(t, "42", api.payloads[0]["chat_id"])
	assert.Equal(t, "hello", api.payloads[0]["text"])
	assert.Equal(t, "HTML", api.payloads[0]["parse_mode"])
}

func TestSendAlertReportsAPIStatus(t *testing.T) {
	api := &botAPI{status: http.StatusUnauthorized}
	n := newNotifier(t, api, "tok", "42")

	assert.Error(t, n.SendAlert(context.Background(), "hello"))
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	api := &botAPI{}
	n := newNotifier(t, api, "", "42")

	assert.False(t, n.Enabled())
	require.NoError(t, n.SendAlert(context.Background(), "hello"))
	n.AlertReauthRequired(context.Background(), models.AccountConfig{ID: 1})
	assert.Empty(t, api.payloads)
}

func TestAlertReauthRequiredEscapesFields(t *testing.T) {
	api := &botAPI{}
	n := newNotifier(t, api, "tok", "42")

	n.AlertReauthRequired(context.Background(), models.AccountConfig{ID: 7, Name: "<sales>", TenantID: "acme"})
	require.Len(t, api.payloads, 1)
	assert.Contains(t, api.payloads[0]["text"], "LOGIN REQUIRED")
	assert.Contains(t, api.payloads[0]["text"], "&lt;sales&gt;")
}

func TestAlertCampaignFinished(t *testing.T) {
	api := &botAPI{}
	n := newNotifier(t, api, "tok", "42")
	ctx := context.Background()

	n.AlertCampaignFinished(ctx, models.BulkCampaign{ID: 1, Status: models.CampaignFailed, Error: "logged out"})
	n.AlertCampaignFinished(ctx, models.BulkCampaign{ID: 2, Status: models.CampaignCompleted, SentCount: 5})
	n.AlertCampaignFinished(ctx, models.BulkCampaign{ID: 3, Status: models.CampaignCancelled})

	require.Len(t, api.payloads, 2)
	assert.Contains(t, api.payloads[0]["text"], "CAMPAIGN FAILED")
	assert.Contains(t, api.payloads[0]["text"], "logged out")
	assert.Contains(t, api.payloads[1]["text"], "CAMPAIGN DONE")
}
