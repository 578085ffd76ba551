package mailing

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/appforge/internal/apperr"
)

// SMTPProvider delivers mail over plain SMTP, STARTTLS, or implicit SSL
// depending on the connection's security mode.
type SMTPProvider struct{}

// NewSMTPProvider creates the SMTP transport.
func NewSMTPProvider() *SMTPProvider { return &SMTPProvider{} }

// Send builds a multipart/alternative message and performs the SMTP
// transaction. Returns the generated Message-ID.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message, conn *Connection, secret string) (string, error) {
	if conn.Host == "" || conn.Port == 0 {
		return "", apperr.New(apperr.CodeEmailSendFailed, "smtp connection %s has no host/port", conn.ID)
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), conn.Host)
	raw := buildMIME(msg, messageID)
	addr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)

	client, err := p.dial(ctx, addr, conn)
	if err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "smtp connect %s: %v", addr, err)
	}
	defer client.Close()

	if conn.Username != "" && secret != "" {
		if err := client.Auth(&plainAuth{user: conn.Username, pass: secret}); err != nil {
			return "", apperr.New(apperr.CodeEmailSendFailed, "smtp auth: %v", err)
		}
	}

	if err := client.Mail(msg.FromEmail); err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "MAIL FROM: %v", err)
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return "", apperr.New(apperr.CodeEmailSendFailed, "RCPT TO: %v", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "DATA: %v", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "write: %v", err)
	}
	if err := w.Close(); err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "DATA close: %v", err)
	}
	if err := client.Quit(); err != nil {
		return "", apperr.New(apperr.CodeEmailSendFailed, "QUIT: %v", err)
	}
	return messageID, nil
}

func (p *SMTPProvider) dial(ctx context.Context, addr string, conn *Connection) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: sendTimeout}

	if conn.Security == SecuritySSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: conn.Host}}
		netConn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(netConn, conn.Host)
	}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(netConn, conn.Host)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	if conn.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("server does not advertise STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: conn.Host}); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// buildMIME assembles headers plus a multipart/alternative body with the text
// part first so clients prefer HTML.
func buildMIME(msg *Message, messageID string) []byte {
	var buf bytes.Buffer
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))

	if msg.Text != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		buf.WriteString(msg.Text)
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}

// plainAuth implements AUTH PLAIN without stdlib's TLS requirement. Workspace
// SMTP relays on private networks often run without TLS on the submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(_ []byte, _ bool) ([]byte, error) {
	return nil, nil
}
