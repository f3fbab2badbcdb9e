package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MailgunConfig configures the Mailgun HTTP API driver.
type MailgunConfig struct {
	APIKey string
	Domain string
	From   string
	// BaseURL overrides the API host, defaulting to Mailgun's US region.
	// Set to "https://api.eu.mailgun.net/v3" for the EU region.
	BaseURL string
}

// MailgunDriver sends messages through Mailgun's HTTP API. Like
// SendGrid, no pack repo imports Mailgun's SDK, so this uses net/http
// directly against the documented form-encoded endpoint.
type MailgunDriver struct {
	apiKey  string
	domain  string
	from    string
	baseURL string
	client  *http.Client
}

// NewMailgunDriver builds a MailgunDriver from cfg.
func NewMailgunDriver(cfg MailgunConfig) *MailgunDriver {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.mailgun.net/v3"
	}
	return &MailgunDriver{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		from:    cfg.From,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *MailgunDriver) Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error) {
	if from == "" {
		from = d.from
	}

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", strings.Join(recipients, ","))
	form.Set("subject", msg.Subject)
	if msg.Text != "" {
		form.Set("text", msg.Text)
	}
	if msg.HTML != "" {
		form.Set("html", msg.HTML)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", d.baseURL, d.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent, "", fmt.Errorf("dispatch/provider: build mailgun request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient, err.Error(), nil
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp.StatusCode), fmt.Sprintf("mailgun responded %d", resp.StatusCode), nil
}
