package provider

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// sesClient is the subset of *sesv2.Client SESDriver calls, so tests can
// substitute a fake.
type sesClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESDriver sends messages through Amazon SES v2.
type SESDriver struct {
	client sesClient
	from   string
}

// NewSESDriver builds a SESDriver around an sesv2 client constructed
// from the ambient AWS config (region, credentials resolved the usual
// aws-sdk-go-v2 way).
func NewSESDriver(client *sesv2.Client, from string) *SESDriver {
	return &SESDriver{client: client, from: from}
}

func (d *SESDriver) Send(ctx context.Context, from string, recipients []string, msg Rendered) (Outcome, string, error) {
	if from == "" {
		from = d.from
	}

	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text)}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	}

	_, err := d.client.SendEmail(ctx, input)
	if err == nil {
		return Ok, "", nil
	}
	return classifySESError(err), err.Error(), nil
}

// classifySESError maps SES v2 API errors onto an Outcome.
// MessageRejected and account-level suppression are permanent; throttling
// and transport-level failures are retriable.
func classifySESError(err error) Outcome {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent
	}
	var accountSuspended *types.AccountSuspendedException
	if errors.As(err, &accountSuspended) {
		return Permanent
	}
	var mailFromDomainNotVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &mailFromDomainNotVerified) {
		return Permanent
	}
	var tooManyRequests *types.TooManyRequestsException
	if errors.As(err, &tooManyRequests) {
		return Transient
	}
	var sendingPaused *types.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return Transient
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyHTTPStatus(respErr.HTTPStatusCode())
	}

	return Unclassified
}
