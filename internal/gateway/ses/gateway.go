// Package ses sends newsletter email through the AWS SES v2 API.
package ses

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/lumenfolio/newsletter-engine/internal/config"
	"github.com/lumenfolio/newsletter-engine/internal/domain"
)

// sendAPI is the slice of the SES client the gateway uses.
type sendAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Gateway implements newsletter.Gateway against SES v2.
type Gateway struct {
	client  sendAPI
	timeout time.Duration
}

// NewGateway creates an SES gateway with static credentials.
func NewGateway(ctx context.Context, cfg config.SESConfig) (*Gateway, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKey,
		cfg.SecretKey,
		"", // session token (empty for static creds)
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Gateway{
		client:  sesv2.NewFromConfig(awsCfg),
		timeout: cfg.Timeout(),
	}, nil
}

// Send dispatches a single message. A provider rejection comes back as a
// failed SendResult with the error string, never a panic.
func (g *Gateway) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.From)),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML)},
					Text: &types.Content{Data: aws.String(msg.Text)},
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := g.client.SendEmail(ctx, input)
	if err != nil {
		return &domain.SendResult{
			Success: false,
			SentAt:  time.Now().UTC(),
			Error:   err.Error(),
		}, fmt.Errorf("ses send to %s: %w", msg.To, err)
	}

	return &domain.SendResult{
		Success:   true,
		MessageID: aws.ToString(out.MessageId),
		SentAt:    time.Now().UTC(),
	}, nil
}
