// ABOUTME: SMTP email delivery using go-mail. Dial-per-send for sporadic queue traffic.
// ABOUTME: BCC all recipients in a single email; the job payload carries the full message.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// SmtpConfig holds SMTP connection parameters sourced from global env vars.
type SmtpConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// EmailSend sends an HTML+plaintext multipart email to all recipients via BCC.
// Uses DialAndSend (dial-per-send) — no persistent SMTP connection.
func EmailSend(ctx context.Context, cfg SmtpConfig, recipients []string, subject, htmlBody, textBody string) error {
	if len(recipients) == 0 {
		return errors.New("email send: no recipients")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	m := mail.NewMsg()
	if err := m.FromFormat("dispatchq", cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.Bcc(recipients...); err != nil {
		return fmt.Errorf("email send: set bcc: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, textBody)
	if htmlBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(cfg.Username))
		opts = append(opts, mail.WithPassword(cfg.Password))
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// emailPayload is the expected job payload on the email queue.
type emailPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTMLBody   string   `json:"html_body,omitempty"`
	TextBody   string   `json:"text_body"`
}

// emailResult is the return value recorded on a completed email job.
type emailResult struct {
	Recipients int `json:"recipients"`
}

// Email turns email-queue jobs into SMTP deliveries.
type Email struct {
	cfg SmtpConfig
}

// NewEmail creates the email processor with fixed SMTP settings.
func NewEmail(cfg SmtpConfig) *Email {
	return &Email{cfg: cfg}
}

// Processor returns the queue processor for email jobs. The job payload must
// carry recipients and subject; html_body is optional.
func (e *Email) Processor() queue.Processor {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var p emailPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("email payload: %w", err)
		}
		if p.Subject == "" {
			return nil, errors.New("email payload: subject is required")
		}
		if err := EmailSend(ctx, e.cfg, p.Recipients, p.Subject, p.HTMLBody, p.TextBody); err != nil {
			return nil, err
		}
		return json.Marshal(emailResult{Recipients: len(p.Recipients)})
	}
}
