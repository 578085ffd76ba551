package mailing

import (
	"context"
	"time"
)

// sendTimeout bounds one provider call.
const sendTimeout = 30 * time.Second

// Provider delivers a rendered message through one transport. secret is the
// opened credential for the connection (SMTP password or SES secret key).
type Provider interface {
	Send(ctx context.Context, msg *Message, conn *Connection, secret string) (providerMessageID string, err error)
}
