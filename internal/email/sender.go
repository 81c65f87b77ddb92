// Package email provides the outbound email transport collaborator. The
// conversation pipeline talks to the narrow Sender interface; delivery goes
// over the dealership's own SMTP server.
package email

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	"dealerflow_backend/platform/config"
	"dealerflow_backend/platform/logger"
)

// Message is one outbound email.
type Message struct {
	To        string
	Subject   string
	HTMLBody  string
	TextBody  string
	InReplyTo string
}

// Sender dispatches one message and returns the provider message id used for
// threading.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SMTPSender delivers via a direct SMTP connection using go-mail.
type SMTPSender struct {
	host      string
	port      int
	username  string
	password  string
	fromName  string
	fromEmail string
}

// NewSMTPSender creates an SMTPSender from email configuration.
func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{
		host:      cfg.GetSMTPHost(),
		port:      cfg.GetSMTPPort(),
		username:  cfg.GetSMTPUsername(),
		password:  cfg.GetSMTPPassword(),
		fromName:  cfg.GetEmailFromName(),
		fromEmail: cfg.GetEmailFromAddress(),
	}
}

func (s *SMTPSender) Send(ctx context.Context, message Message) (string, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return "", fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(message.To); err != nil {
		return "", fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(message.Subject)

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	msg.SetMessageIDWithValue(messageID)
	if message.InReplyTo != "" {
		msg.SetGenHeader("In-Reply-To", "<"+message.InReplyTo+">")
	}

	if message.HTMLBody != "" {
		msg.SetBodyString(gomail.TypeTextHTML, message.HTMLBody)
		if message.TextBody != "" {
			msg.AddAlternativeString(gomail.TypeTextPlain, message.TextBody)
		}
	} else {
		msg.SetBodyString(gomail.TypeTextPlain, message.TextBody)
	}

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return messageID, nil
}

// NoopSender logs instead of sending. Used when email is disabled, so
// development environments never reach a real SMTP server.
type NoopSender struct {
	log *logger.Logger
}

func NewNoopSender(log *logger.Logger) *NoopSender {
	return &NoopSender{log: log}
}

func (s *NoopSender) Send(_ context.Context, message Message) (string, error) {
	messageID := fmt.Sprintf("%s@noop.local", uuid.New().String())
	s.log.Info("email sending disabled, dropping message",
		"to", message.To,
		"subject", message.Subject,
		"messageId", messageID,
	)
	return messageID, nil
}

// NewSender returns the configured transport.
func NewSender(cfg config.EmailConfig, log *logger.Logger) Sender {
	if !cfg.GetEmailEnabled() {
		return NewNoopSender(log)
	}
	return NewSMTPSender(cfg)
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*NoopSender)(nil)
)
