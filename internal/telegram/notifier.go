// Package telegram sends operator alerts through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/engine/internal/models"
)

// DefaultAPIURL is the Bot API base.
const DefaultAPIURL = "https://api.telegram.org"

// Notifier posts alerts to one chat. A notifier without token or chat id
// drops every alert.
type Notifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
}

// NewNotifier returns a notifier for the given bot token and chat.
func NewNotifier(token, chatID string, log logrus.FieldLogger) *Notifier {
	return &Notifier{
		token:   token,
		chatID:  chatID,
		baseURL: DefaultAPIURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.WithField("component", "telegram"),
	}
}

// Enabled reports whether alerts are delivered.
func (n *Notifier) Enabled() bool {
	return n.token != "" && n.chatID != ""
}

// SendAlert sends an HTML-formatted message.
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) alert(ctx context.Context, kind, message string) {
	if err := n.SendAlert(ctx, message); err != nil {
		n.log.WithError(err).Warnf("Failed to send %s alert", kind)
	}
}

func stamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// AlertReauthRequired reports an account whose session was revoked. It has
// the shape of a session invalidation hook.
func (n *Notifier) AlertReauthRequired(ctx context.Context, acc models.AccountConfig) {
	msg := fmt.Sprintf(`🚨 <b>LOGIN REQUIRED</b>

📱 Account: %d %s
🏢 Tenant: %s
📞 Identity: %s
⏰ Time: %s`, acc.ID, html.EscapeString(acc.Name), html.EscapeString(acc.TenantID),
		html.EscapeString(acc.Identity), stamp())
	n.alert(ctx, "reauth", msg)
}

// AlertCampaignFinished reports failed campaigns and summarizes completed
// ones. It has the shape of a campaign finish hook.
func (n *Notifier) AlertCampaignFinished(ctx context.Context, c models.BulkCampaign) {
	var msg string
	switch c.Status {
	case models.CampaignFailed:
		msg = fmt.Sprintf(`❌ <b>CAMPAIGN FAILED</b>

📣 Campaign: %d %s
📤 Sent: %d
❌ Failed: %d
📝 Reason: %s
⏰ Time: %s`, c.ID, html.EscapeString(c.Name), c.SentCount, c.FailedCount, html.EscapeString(c.Error), stamp())
	case models.CampaignCompleted:
		var took time.Duration
		if c.StartedAt != nil && c.FinishedAt != nil {
			took = c.FinishedAt.Sub(*c.StartedAt).Round(time.Second)
		}
		msg = fmt.Sprintf(`✅ <b>CAMPAIGN DONE</b>

📣 Campaign: %d %s
📤 Sent: %d
❌ Failed: %d
⏱️ Duration: %s
⏰ Time: %s`, c.ID, html.EscapeString(c.Name), c.SentCount, c.FailedCount, took, stamp())
	default:
		return
	}
	n.alert(ctx, "campaign", msg)
}
