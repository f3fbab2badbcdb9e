// Package provider implements the transport drivers that actually hand
// a rendered message to an email provider: SMTP via gomail, SendGrid
// and Mailgun via their HTTP APIs, and AWS SES via aws-sdk-go-v2.
//
// Every driver implements Driver and returns an Outcome rather than a
// bare error, because spec §4.5's retry decision depends on whether a
// failure is retriable, not on the error's Go type. CircuitBreaker
// wraps any Driver to short-circuit a provider that is failing
// persistently, so a full outage doesn't burn every worker's dispatch
// timeout on doomed attempts.
package provider
