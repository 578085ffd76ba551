// Package mailing owns email connections, templates, the email outbox, the
// template sandbox, and the SMTP/SES provider adapters.
package mailing

import (
	"time"

	"github.com/ignite/appforge/internal/manifest"
)

// Connection security modes for SMTP.
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecuritySSL      = "ssl"
)

// Provider kinds.
const (
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
)

// Connection is one outbound email account. The password or API secret is
// stored sealed; SecretRef never leaves the service unencrypted.
type Connection struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Provider    string    `json:"provider"`
	Host        string    `json:"host,omitempty"`
	Port        int       `json:"port,omitempty"`
	Security    string    `json:"security,omitempty"`
	Username    string    `json:"username,omitempty"`
	SecretRef   string    `json:"-"`
	Region      string    `json:"region,omitempty"`
	FromEmail   string    `json:"from_email"`
	FromName    string    `json:"from_name,omitempty"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Template is one email template. Updates keep prior bodies as history.
type Template struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Name         string    `json:"name"`
	Subject      string    `json:"subject"`
	HTML         string    `json:"html"`
	Text         string    `json:"text,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Outbox email statuses.
const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
	OutboxFailed = "failed"
)

// OutboxEmail is one rendered email awaiting or past provider dispatch.
type OutboxEmail struct {
	ID                string       `json:"id"`
	WorkspaceID       string       `json:"workspace_id"`
	ConnectionID      string       `json:"connection_id"`
	To                []string     `json:"to"`
	Subject           string       `json:"subject"`
	HTML              string       `json:"html"`
	Text              string       `json:"text,omitempty"`
	Status            string       `json:"status"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	Meta              manifest.Map `json:"meta,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Message is what a provider actually delivers.
type Message struct {
	To        []string
	FromEmail string
	FromName  string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	Headers   map[string]string
}
