package mail

import (
	"context"
	"fmt"

	"chat-server/internal/observability"

	"github.com/resendlabs/resend-go"
)

// ResendClient sends outbound messages for email-type channels.
type ResendClient struct {
	client *resend.Client
	sender string
	logger *observability.Logger
}

func NewResendClient(apiKey, sender string, logger *observability.Logger) (*ResendClient, error) {
	client := resend.NewClient(apiKey)
	if client == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}

	return &ResendClient{
		client: client,
		sender: sender,
		logger: logger,
	}, nil
}

// SendEmail delivers one message and returns the provider message id.
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) (string, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_to", Value: to},
	)

	params := &resend.SendEmailRequest{
		From:    c.sender,
		To:      []string{to},
		Subject: subject,
		Html:    htmlContent,
	}

	res, err := c.client.Emails.Send(params)
	if err != nil {
		c.logger.Error(ctx, "failed to send email", err)
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Info(ctx, "email sent successfully")
	return res.Id, nil
}
