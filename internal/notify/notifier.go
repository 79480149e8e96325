// Package notify sends workflow assignment notifications. Delivery is
// fire-and-forget: a failed or slow notification never blocks or fails a
// document transition.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"
)

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// Notification is one assignment message.
type Notification struct {
	RecipientEmail string
	RecipientName  string
	DocNumber      string
	Filename       string
	Stage          string // QC, Technical Review, Final Approval
	RequestedBy    string
	DueDate        *time.Time
}

// Subject renders the message subject line.
func (n Notification) Subject() string {
	return fmt.Sprintf("[RegDoc] %s assignment: %s", n.Stage, n.DocNumber)
}

// Body renders the plain-text message body.
func (n Notification) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", n.RecipientName)
	fmt.Fprintf(&b, "%s has requested your %s on document %s (%s).\n",
		n.RequestedBy, n.Stage, n.DocNumber, n.Filename)
	if n.DueDate != nil {
		fmt.Fprintf(&b, "Due date: %s.\n", n.DueDate.Format("2006-01-02"))
	}
	b.WriteString("\nPlease log in to review your pending tasks.\n")
	return b.String()
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ============================================================================
// IMPLEMENTATIONS
// ============================================================================

// LogNotifier writes notifications to the process log. Default when no SMTP
// relay is configured.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)}
}

func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Printf("📧 %s → %s <%s>", notification.Subject(),
		notification.RecipientName, notification.RecipientEmail)
	return nil
}

// SMTPNotifier delivers over a plain SMTP relay.
type SMTPNotifier struct {
	addr   string // host:port
	from   string
	auth   smtp.Auth
	logger *log.Logger
}

// NewSMTPNotifier creates an SMTP notifier. Auth may be nil for an open
// relay on a private network.
func NewSMTPNotifier(addr, from string, auth smtp.Auth) *SMTPNotifier {
	return &SMTPNotifier{
		addr:   addr,
		from:   from,
		auth:   auth,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

func (n *SMTPNotifier) Notify(_ context.Context, notification Notification) error {
	if notification.RecipientEmail == "" {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.from, notification.RecipientEmail, notification.Subject(), notification.Body())
	if err := smtp.SendMail(n.addr, n.auth, n.from,
		[]string{notification.RecipientEmail}, []byte(msg)); err != nil {
		n.logger.Printf("❌ SMTP send to %s failed: %v", notification.RecipientEmail, err)
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// NopNotifier drops every notification. Used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
