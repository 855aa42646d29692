package bot

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hefzhail/botops/internal/xerrors"
)

// DefaultTelegramAPI is the production Telegram Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// WebhookCleaner deletes a previously registered Telegram webhook. Polling
// and webhooks are mutually exclusive on the Telegram side, so a leftover
// webhook from an earlier deployment blocks update delivery.
type WebhookCleaner struct {
	client  *http.Client
	baseURL string
}

// NewWebhookCleaner builds a cleaner. A nil client uses http.DefaultClient;
// an empty baseURL uses the production API.
func NewWebhookCleaner(client *http.Client, baseURL string) *WebhookCleaner {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	return &WebhookCleaner{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// DeleteWebhook calls the deleteWebhook endpoint for the given bot token.
// Callers treat failures as best-effort and keep starting up.
func (c *WebhookCleaner) DeleteWebhook(ctx context.Context, token string, dropPending bool) error {
	if token == "" {
		return xerrors.New("bot: token required for webhook cleanup")
	}

	endpoint := c.baseURL + "/bot" + token + "/deleteWebhook"
	form := url.Values{"drop_pending_updates": {strconv.FormatBool(dropPending)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return xerrors.Wrap(err, "bot: build deleteWebhook request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "bot: deleteWebhook call")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return xerrors.Newf("bot: deleteWebhook returned status %d", resp.StatusCode)
	}
	return nil
}
