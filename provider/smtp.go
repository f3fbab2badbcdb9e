package provider

import (
	"context"
	"net"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the SMTP driver's dialer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPDriver sends messages through an SMTP relay via gomail.
type SMTPDriver struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPDriver builds an SMTPDriver from cfg.
func NewSMTPDriver(cfg SMTPConfig) *SMTPDriver {
	return &SMTPDriver{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (d *SMTPDriver) Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error) {
	if from == "" {
		from = d.from
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", recipients...)
	m.SetHeader("Subject", msg.Subject)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
	}
	if msg.HTML != "" {
		if msg.Text != "" {
			m.AddAlternative("text/html", msg.HTML)
		} else {
			m.SetBody("text/html", msg.HTML)
		}
	}

	done := make(chan error, 1)
	go func() { done <- d.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return Transient, "smtp dispatch cancelled: " + ctx.Err().Error(), nil
	case err := <-done:
		if err == nil {
			return Ok, "", nil
		}
		return classifySMTPError(err), err.Error(), nil
	}
}

// classifySMTPError maps go-smtp/net errors onto the outcome types per
// spec §4.5's classification rule: network and timeout are retriable,
// permanent recipient/auth rejections are not, and anything else is
// left for the worker pool to resolve by attempt count.
func classifySMTPError(err error) Outcome {
	if _, ok := err.(net.Error); ok {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "5.7"), strings.Contains(msg, "relay access denied"):
		return Permanent
	case strings.Contains(msg, "mailbox unavailable"), strings.Contains(msg, "no such user"), strings.Contains(msg, "user unknown"):
		return Permanent
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "temporarily"):
		return Transient
	default:
		return Unclassified
	}
}
