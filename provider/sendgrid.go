package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sendgridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridConfig configures the SendGrid HTTP API driver.
type SendGridConfig struct {
	APIKey string
	From   string
}

// SendGridDriver sends messages through SendGrid's v3 mail/send API. No
// pack repo imports SendGrid's SDK, so this talks to the HTTP API
// directly with net/http (see DESIGN.md).
type SendGridDriver struct {
	apiKey string
	from   string
	client *http.Client
}

// NewSendGridDriver builds a SendGridDriver from cfg.
func NewSendGridDriver(cfg SendGridConfig) *SendGridDriver {
	return &SendGridDriver{
		apiKey: cfg.APIKey,
		from:   cfg.From,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type sendgridEmail struct {
	Email string `json:"email"`
}

type sendgridPersonalization struct {
	To []sendgridEmail `json:"to"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendgridRequest struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridEmail             `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent          `json:"content"`
}

func (d *SendGridDriver) Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error) {
	if from == "" {
		from = d.from
	}

	to := make([]sendgridEmail, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, sendgridEmail{Email: r})
	}

	var content []sendgridContent
	if msg.Text != "" {
		content = append(content, sendgridContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, sendgridContent{Type: "text/html", Value: msg.HTML})
	}

	body, err := json.Marshal(sendgridRequest{
		Personalizations: []sendgridPersonalization{{To: to}},
		From:             sendgridEmail{Email: from},
		Subject:          msg.Subject,
		Content:          content,
	})
	if err != nil {
		return Permanent, "", fmt.Errorf("dispatch/provider: marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendgridEndpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent, "", fmt.Errorf("dispatch/provider: build sendgrid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient, err.Error(), nil
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp.StatusCode), fmt.Sprintf("sendgrid responded %d", resp.StatusCode), nil
}

// classifyHTTPStatus applies spec §4.5's classification rule to an API
// provider's HTTP status: 2xx is success, 408/429 and 5xx are retriable,
// any other 4xx is permanent. Anything outside those ranges (1xx, 3xx)
// is left for the worker pool to resolve by attempt count.
func classifyHTTPStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Ok
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Unclassified
	}
}
