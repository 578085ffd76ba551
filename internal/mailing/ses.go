package mailing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/appforge/internal/apperr"
)

// sesAPI is the slice of the sesv2 client the provider uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider delivers mail through AWS SES. The connection's Username holds
// the access key id and the opened secret is the secret access key.
type SESProvider struct {
	// newClient is swapped by tests.
	newClient func(ctx context.Context, conn *Connection, secret string) (sesAPI, error)
}

// NewSESProvider creates the SES transport.
func NewSESProvider() *SESProvider {
	return &SESProvider{newClient: sesClient}
}

func sesClient(ctx context.Context, conn *Connection, secret string) (sesAPI, error) {
	region := conn.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(conn.Username, secret, "")),
	)
	if err != nil {
		return nil, err
	}
	return sesv2.NewFromConfig(cfg), nil
}

// Send delivers one message through SES and returns the provider message id.
func (p *SESProvider) Send(ctx context.Context, msg *Message, conn *Connection, secret string) (string, error) {
	client, err := p.newClient(ctx, conn, secret)
	if err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "ses client init: %v", err)
	}

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "ses send: %v", err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}
